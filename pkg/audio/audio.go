// Package audio defines the PCM frame model shared by every stage of the
// listener pipeline, the [Device] abstraction for microphone input, and the
// [Broadcaster] that fans captured frames out to independent subscribers.
//
// All audio in the pipeline is signed 16-bit little-endian PCM. A [Format]
// fixes the sample rate, channel count, and frame duration for the lifetime of
// a stream, so every [Frame] delivered by a [Broadcaster] has the same length.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the width of one PCM sample. The pipeline only carries
// 16-bit audio.
const BytesPerSample = 2

// ErrStreamClosed is returned by consumers when a subscription channel is
// closed underneath them, typically because the broadcaster was stopped.
var ErrStreamClosed = errors.New("audio: stream closed")

// Format describes the layout of the PCM stream produced by a device.
type Format struct {
	// SampleRate in Hz (e.g. 16000).
	SampleRate int

	// Channels is 1 for the listener pipeline. Devices that only offer stereo
	// are downmixed before frames reach the broadcaster.
	Channels int

	// FrameDuration is the length of a single frame (e.g. 20ms).
	FrameDuration time.Duration
}

// SamplesPerFrame returns the number of samples per channel in one frame.
func (f Format) SamplesPerFrame() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// FrameBytes returns the byte length of one frame.
func (f Format) FrameBytes() int {
	return f.SamplesPerFrame() * f.Channels * BytesPerSample
}

// Validate reports whether the format can produce non-empty frames.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("audio: channels must be positive, got %d", f.Channels)
	case f.FrameDuration <= 0:
		return fmt.Errorf("audio: frame duration must be positive, got %s", f.FrameDuration)
	case f.SamplesPerFrame() == 0:
		return fmt.Errorf("audio: frame duration %s is shorter than one sample at %d Hz", f.FrameDuration, f.SampleRate)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%s", formatString(f.SampleRate, f.Channels), f.FrameDuration)
}

// Frame is one fixed-length block of captured PCM.
//
// A Frame is immutable once published: each subscriber receives its own copy
// of Data and may retain or modify it freely.
type Frame struct {
	// Data is the raw PCM payload, [Format.FrameBytes] long.
	Data []byte

	// Seq is the capture sequence number, starting at 1 for the first frame
	// after [Broadcaster.Start].
	Seq uint64

	// Timestamp is the stream-relative capture time (Seq-1 frame durations).
	Timestamp time.Duration
}

// DeviceError reports a failure to open or run the input device. It is fatal
// to the pipeline.
type DeviceError struct {
	// Device is the human-readable device identifier, if known.
	Device string

	// Op is the failing operation, e.g. "open" or "start".
	Op string

	Err error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("audio: device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audio: device %q %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
