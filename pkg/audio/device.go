package audio

import "context"

// Device is a microphone input source.
//
// Open starts capture in the requested format and invokes emit once per frame
// from the device's own goroutine. The slice passed to emit is only valid for
// the duration of the call; implementations may reuse it. Emit must not block
// for longer than a frame duration.
//
// Implementations must be safe for concurrent use.
type Device interface {
	Open(ctx context.Context, format Format, emit func(pcm []byte)) (Stream, error)
}

// Stream is a running capture opened by a [Device]. Close stops capture and
// releases the device; after Close returns, emit is never called again.
type Stream interface {
	Close() error
}

// DeviceInfo describes an input device as enumerated by a [Lister].
type DeviceInfo struct {
	// Index is the backend's device index, usable as the configured
	// device_index.
	Index int

	Name string

	MaxInputChannels int

	DefaultSampleRate float64

	// Default is true for the host's default input device.
	Default bool
}

// Lister is implemented by devices that can enumerate the host's inputs.
type Lister interface {
	Devices() ([]DeviceInfo, error)
}
