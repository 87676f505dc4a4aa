package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Observer receives fan-out events from a [Broadcaster]. Implementations must
// be cheap and non-blocking; they are called from the device goroutine.
type Observer interface {
	FramePublished()
	FrameDropped(subscriber string)
	SubscribersChanged(delta int)
}

// SubscriptionStats is a point-in-time snapshot of a subscription's counters.
type SubscriptionStats struct {
	Sent    uint64
	Dropped uint64
}

// Subscription is a bounded queue of frames owned by one consumer.
//
// The channel returned by [Subscription.Frames] is closed when the
// subscription is removed, either through [Broadcaster.Unsubscribe] or
// [Broadcaster.Stop].
type Subscription struct {
	id string
	ch chan Frame

	// mu serialises delivery against removal so that no frame is sent after
	// Unsubscribe returns.
	mu     sync.Mutex
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// ID returns the subscription's unique identity.
func (s *Subscription) ID() string { return s.id }

// Frames returns the receive side of the subscription queue.
func (s *Subscription) Frames() <-chan Frame { return s.ch }

// Stats returns the delivery counters for this subscription.
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

// deliver performs a non-blocking send. It reports false when the frame was
// dropped because the queue is full.
func (s *Subscription) deliver(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- f:
		s.sent.Add(1)
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// BroadcasterOption is a functional option for [NewBroadcaster].
type BroadcasterOption func(*Broadcaster)

// WithObserver attaches an [Observer] that is notified of fan-out events.
func WithObserver(o Observer) BroadcasterOption {
	return func(b *Broadcaster) { b.observer = o }
}

// WithDeviceName sets the device label used in errors and log lines.
func WithDeviceName(name string) BroadcasterOption {
	return func(b *Broadcaster) { b.deviceName = name }
}

// Broadcaster owns the input device and fans every captured frame out to all
// current subscriptions. A slow subscriber never blocks the device or other
// subscribers: when its queue is full the frame is dropped for that
// subscriber only.
//
// All methods are safe for concurrent use.
type Broadcaster struct {
	device     Device
	format     Format
	observer   Observer
	deviceName string

	mu     sync.Mutex
	subs   map[string]*Subscription
	snap   []*Subscription // copy-on-write view of subs for the fan-out path
	stream Stream
	seq    atomic.Uint64
}

// NewBroadcaster creates a Broadcaster for dev. The device is not opened
// until [Broadcaster.Start].
func NewBroadcaster(dev Device, format Format, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		device: dev,
		format: format,
		subs:   make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Format returns the frame layout delivered to subscribers.
func (b *Broadcaster) Format() Format { return b.format }

// Start opens the device and begins fan-out. Calling Start on a running
// broadcaster is a no-op. Failure to open the device returns a
// [*DeviceError].
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream != nil {
		return nil
	}
	if err := b.format.Validate(); err != nil {
		return &DeviceError{Device: b.deviceName, Op: "open", Err: err}
	}

	b.seq.Store(0)
	stream, err := b.device.Open(ctx, b.format, b.publish)
	if err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			return de
		}
		return &DeviceError{Device: b.deviceName, Op: "open", Err: err}
	}
	b.stream = stream
	slog.Info("audio broadcaster started", "device", b.deviceName, "format", b.format.String())
	return nil
}

// Running reports whether the device stream is open.
func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream != nil
}

// Stop closes the device and removes every subscription. It is safe to call
// multiple times.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	stream := b.stream
	b.stream = nil
	subs := b.snap
	b.subs = make(map[string]*Subscription)
	b.snap = nil
	b.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("audio broadcaster: close device", "device", b.deviceName, "err", err)
		}
		slog.Info("audio broadcaster stopped", "device", b.deviceName)
	}
	for _, s := range subs {
		s.close()
	}
	if b.observer != nil && len(subs) > 0 {
		b.observer.SubscribersChanged(-len(subs))
	}
}

// Subscribe registers a new subscription with a queue of the given capacity.
// A capacity below 1 is raised to 1.
func (b *Broadcaster) Subscribe(capacity int) *Subscription {
	s := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Frame, max(capacity, 1)),
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.rebuildLocked()
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.SubscribersChanged(1)
	}
	slog.Debug("audio subscription added", "subscription", s.id, "capacity", cap(s.ch))
	return s
}

// Unsubscribe removes sub and closes its channel. Removing a subscription
// twice, or one this broadcaster does not know, is a no-op. Once Unsubscribe
// returns, no further frame is delivered to sub.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
		b.rebuildLocked()
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	if b.observer != nil {
		b.observer.SubscribersChanged(-1)
	}
	st := sub.Stats()
	slog.Debug("audio subscription removed", "subscription", sub.id, "sent", st.Sent, "dropped", st.Dropped)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) rebuildLocked() {
	snap := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		snap = append(snap, s)
	}
	b.snap = snap
}

// publish is the device callback. It copies pcm once per subscriber so that
// frames are never shared between consumers.
func (b *Broadcaster) publish(pcm []byte) {
	seq := b.seq.Add(1)
	ts := time.Duration(seq-1) * b.format.FrameDuration

	b.mu.Lock()
	subs := b.snap
	b.mu.Unlock()

	for _, s := range subs {
		data := make([]byte, len(pcm))
		copy(data, pcm)
		if !s.deliver(Frame{Data: data, Seq: seq, Timestamp: ts}) {
			slog.Debug("audio subscriber queue full, frame dropped", "subscription", s.id, "seq", seq)
			if b.observer != nil {
				b.observer.FrameDropped(s.id)
			}
		}
	}
	if b.observer != nil {
		b.observer.FramePublished()
	}
}
