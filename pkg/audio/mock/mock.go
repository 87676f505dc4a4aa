// Package mock provides an in-memory implementation of [audio.Device] for use
// in unit tests.
//
// The mock never spawns goroutines: frames are pushed synchronously by the
// test through [Device.Emit], which makes fan-out ordering deterministic.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	b := audio.NewBroadcaster(dev, format)
//	_ = b.Start(ctx)
//	dev.Emit(make([]byte, format.FrameBytes()))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kaylistener/pkg/audio"
)

// Device is a mock implementation of [audio.Device] and [audio.Lister].
// Set the exported Result fields before use; inspect the Call* fields after.
type Device struct {
	mu sync.Mutex

	// OpenError is returned by [Device.Open] when non-nil.
	OpenError error

	// CloseError is returned by the stream's Close.
	CloseError error

	// DevicesResult is returned by [Device.Devices].
	DevicesResult []audio.DeviceInfo

	// DevicesError is returned by [Device.Devices].
	DevicesError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times a stream returned by Open was closed.
	CallCountClose int

	// LastFormat records the format passed to the most recent Open call.
	LastFormat audio.Format

	emit func([]byte)
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, format audio.Format, emit func([]byte)) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.LastFormat = format
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	d.emit = emit
	return &stream{dev: d}, nil
}

// Devices implements [audio.Lister].
func (d *Device) Devices() ([]audio.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DevicesResult, d.DevicesError
}

// Emit delivers one frame to the consumer registered by the last successful
// Open. It reports false if no stream is open.
func (d *Device) Emit(pcm []byte) bool {
	d.mu.Lock()
	emit := d.emit
	d.mu.Unlock()
	if emit == nil {
		return false
	}
	emit(pcm)
	return true
}

// EmitN delivers n copies of pcm.
func (d *Device) EmitN(pcm []byte, n int) {
	for range n {
		d.Emit(pcm)
	}
}

// IsOpen reports whether a stream is currently open.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emit != nil
}

type stream struct {
	dev  *Device
	once sync.Once
}

func (s *stream) Close() error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	s.once.Do(func() {
		d.CallCountClose++
		d.emit = nil
	})
	return d.CloseError
}

var (
	_ audio.Device = (*Device)(nil)
	_ audio.Lister = (*Device)(nil)
)
