package audio

import "encoding/binary"

const (
	wavHeaderSize = 44
	bitsPerSample = BytesPerSample * 8
)

// EncodeWAV wraps raw 16-bit little-endian PCM in a canonical 44-byte RIFF/WAVE
// header. The channel count, sample width and sample rate are carried in the
// header so that receivers can decode the clip without out-of-band metadata.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BytesPerSample
	blockAlign := channels * BytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM sub-chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // linear PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// EncodeWAV encodes pcm using the rate and channel count of f.
func (f Format) EncodeWAV(pcm []byte) []byte {
	return EncodeWAV(pcm, f.SampleRate, f.Channels)
}
