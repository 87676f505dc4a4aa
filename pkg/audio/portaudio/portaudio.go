// Package portaudio implements [audio.Device] on top of the PortAudio
// cross-platform audio I/O library.
//
// Each [Device.Open] call initialises PortAudio, opens a blocking input
// stream, and runs a read loop in its own goroutine. When the device cannot
// capture the requested format directly, it is opened at its native rate and
// channel count and every block is converted with [audio.Conform].
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/kaylistener/pkg/audio"
)

// DefaultIndex selects the host's default input device.
const DefaultIndex = -1

// readErrorBackoff bounds the read loop when the stream reports persistent
// errors.
const readErrorBackoff = 50 * time.Millisecond

// Device is a PortAudio input device identified by its host index.
type Device struct {
	index int
}

// New returns a Device for the given PortAudio device index. Pass
// [DefaultIndex] to use the host default input.
func New(index int) *Device {
	return &Device{index: index}
}

// Name returns a label for log lines and errors.
func (d *Device) Name() string {
	if d.index == DefaultIndex {
		return "default"
	}
	return fmt.Sprintf("#%d", d.index)
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, format audio.Format, emit func([]byte)) (audio.Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, &audio.DeviceError{Device: d.Name(), Op: "open", Err: err}
	}
	if err := pa.Initialize(); err != nil {
		return nil, &audio.DeviceError{Device: d.Name(), Op: "initialize", Err: err}
	}

	info, err := d.lookup()
	if err != nil {
		_ = pa.Terminate()
		return nil, &audio.DeviceError{Device: d.Name(), Op: "lookup", Err: err}
	}

	native := format
	buf := make([]int16, format.SamplesPerFrame()*format.Channels)
	stream, err := pa.OpenStream(streamParams(info, format), buf)
	if err != nil {
		native = audio.Format{
			SampleRate:    int(info.DefaultSampleRate),
			Channels:      min(info.MaxInputChannels, 2),
			FrameDuration: format.FrameDuration,
		}
		buf = make([]int16, native.SamplesPerFrame()*native.Channels)
		var fallbackErr error
		stream, fallbackErr = pa.OpenStream(streamParams(info, native), buf)
		if fallbackErr != nil {
			_ = pa.Terminate()
			return nil, &audio.DeviceError{Device: info.Name, Op: "open", Err: errors.Join(err, fallbackErr)}
		}
		slog.Warn("input device does not support requested format, converting",
			"device", info.Name,
			"requested", format.String(),
			"native", native.String(),
		)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, &audio.DeviceError{Device: info.Name, Op: "start", Err: err}
	}

	s := &inputStream{
		name:   info.Name,
		stream: stream,
		buf:    buf,
		native: native,
		target: format,
		emit:   emit,
		done:   make(chan struct{}),
	}
	go s.loop()

	slog.Info("input device opened", "device", info.Name, "format", native.String())
	return s, nil
}

// Devices implements [audio.Lister]. Only devices with input channels are
// returned.
func (d *Device) Devices() ([]audio.DeviceInfo, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer pa.Terminate()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	def, _ := pa.DefaultInputDevice()

	var out []audio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, audio.DeviceInfo{
			Index:             dev.Index,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			Default:           def != nil && def.Index == dev.Index,
		})
	}
	return out, nil
}

func (d *Device) lookup() (*pa.DeviceInfo, error) {
	if d.index == DefaultIndex {
		return pa.DefaultInputDevice()
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Index == d.index {
			if dev.MaxInputChannels <= 0 {
				return nil, fmt.Errorf("device %q has no input channels", dev.Name)
			}
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no device with index %d", d.index)
}

func streamParams(info *pa.DeviceInfo, f audio.Format) pa.StreamParameters {
	p := pa.LowLatencyParameters(info, nil)
	p.Input.Channels = f.Channels
	p.SampleRate = float64(f.SampleRate)
	p.FramesPerBuffer = f.SamplesPerFrame()
	return p
}

// inputStream runs the blocking read loop for one opened device.
type inputStream struct {
	name   string
	stream *pa.Stream
	buf    []int16
	native audio.Format
	target audio.Format
	emit   func([]byte)

	stopping  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *inputStream) loop() {
	defer close(s.done)
	raw := make([]byte, len(s.buf)*audio.BytesPerSample)
	convert := s.native != s.target

	for !s.stopping.Load() {
		if err := s.stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				slog.Debug("input device overflowed", "device", s.name)
			} else {
				if s.stopping.Load() {
					return
				}
				slog.Warn("input device read failed", "device", s.name, "err", err)
				time.Sleep(readErrorBackoff)
				continue
			}
		}
		for i, v := range s.buf {
			binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
		}
		pcm := raw
		if convert {
			var err error
			pcm, err = audio.Conform(raw, s.native, s.target)
			if err != nil {
				slog.Error("input device conversion failed", "device", s.name, "err", err)
				return
			}
		}
		s.emit(pcm)
	}
}

// Close stops the read loop and releases the device.
func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.stopping.Store(true)
		<-s.done
		s.closeErr = errors.Join(s.stream.Stop(), s.stream.Close(), pa.Terminate())
	})
	return s.closeErr
}

var (
	_ audio.Device = (*Device)(nil)
	_ audio.Lister = (*Device)(nil)
)
