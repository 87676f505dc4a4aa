// Package wake listens to the shared audio stream for the wake phrase.
//
// A [Detector] owns one broadcaster subscription and one streaming recognizer
// session built with a closed grammar of the accepted phrases. Every partial
// and final hypothesis is normalised and compared for exact membership in the
// [VariantSet]; on a match the detector pauses itself and fires its callback.
// The orchestrator resumes it once the triggered recording is over.
//
// States:
//
//	Stopped ──Start──▶ Listening ◀──Resume── Paused
//	   ▲                   │                   ▲
//	   └──────Stop─────────┴──Pause / match────┘
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kaylistener/pkg/audio"
	"github.com/MrWong99/kaylistener/pkg/provider/recognizer"
)

// State is the detector lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateListening
	StatePaused
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Defaults applied by [Config.withDefaults].
const (
	DefaultQueueCapacity = 50
	DefaultFrameWait     = 500 * time.Millisecond
	DefaultJoinTimeout   = 2 * time.Second
)

// Source is the subset of [audio.Broadcaster] a Detector needs.
type Source interface {
	Format() audio.Format
	Subscribe(capacity int) *audio.Subscription
	Unsubscribe(sub *audio.Subscription)
}

// ErrWorkerBusy is returned by [Detector.Start] and [Detector.Close] while the
// worker from a timed-out [Detector.Stop] is still running.
var ErrWorkerBusy = errors.New("wake: previous worker still running")

// Trigger describes a detected wake phrase.
type Trigger struct {
	// Text is the recognizer hypothesis that matched.
	Text string

	// Final is true when the match came from a final result.
	Final bool
}

// Kind returns "final" or "partial".
func (t Trigger) Kind() string {
	if t.Final {
		return "final"
	}
	return "partial"
}

// Callback is invoked from the detector worker on every match. It must return
// promptly and must not call [Detector.Stop].
type Callback func(Trigger)

// Observer is notified of detector events.
type Observer interface {
	WakeTriggered(kind string)
}

// Resetter is implemented by recognizers that can discard an in-progress
// utterance. The detector resets the recognizer when it resumes so that audio
// heard before the pause cannot complete a stale hypothesis.
type Resetter interface {
	Reset()
}

// Config tunes a [Detector]. Zero values select the package defaults.
type Config struct {
	// QueueCapacity is the subscription buffer in frames.
	QueueCapacity int

	// FrameWait bounds each wait for the next frame.
	FrameWait time.Duration

	// JoinTimeout bounds how long Stop waits for the worker.
	JoinTimeout time.Duration

	// NearMissThreshold is the Jaro-Winkler similarity above which a
	// non-matching final is logged as a near miss.
	NearMissThreshold float64
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.FrameWait <= 0 {
		c.FrameWait = DefaultFrameWait
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	return c
}

// Option configures a [Detector].
type Option func(*Detector)

// WithObserver attaches an [Observer].
func WithObserver(o Observer) Option {
	return func(d *Detector) { d.observer = o }
}

// Detector is the wake-phrase state machine. All methods are safe for
// concurrent use.
type Detector struct {
	src      Source
	engine   recognizer.Engine
	variants *VariantSet
	onWake   Callback
	cfg      Config
	observer Observer
	nearMiss *nearMissScorer

	state atomic.Int32

	// mu guards the worker lifecycle fields below. cancel is non-nil while
	// started; done outlives it until the worker has actually exited.
	mu     sync.Mutex
	rec    recognizer.Recognizer
	sub    *audio.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDetector creates a stopped Detector. onWake is called for every match.
func NewDetector(src Source, engine recognizer.Engine, variants *VariantSet, onWake Callback, cfg Config, opts ...Option) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		src:      src,
		engine:   engine,
		variants: variants,
		onWake:   onWake,
		cfg:      cfg,
		nearMiss: newNearMissScorer(variants, cfg.NearMissThreshold),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current state.
func (d *Detector) State() State { return State(d.state.Load()) }

// Grammar returns the closed grammar handed to the recognizer: every accepted
// phrase followed by [recognizer.UnknownToken].
func (d *Detector) Grammar() []string {
	return append(d.variants.Phrases(), recognizer.UnknownToken)
}

// Start begins listening. It is a no-op while started. The recognizer is
// created on the first Start and reused afterwards. If a previous worker has
// not exited within the join timeout, Start returns [ErrWorkerBusy].
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	if !d.joinLocked() {
		return ErrWorkerBusy
	}

	if d.rec == nil {
		rec, err := d.engine.NewRecognizer(ctx, recognizer.Config{
			SampleRate: d.src.Format().SampleRate,
			Grammar:    d.Grammar(),
		})
		if err != nil {
			return fmt.Errorf("wake: create recognizer: %w", err)
		}
		d.rec = rec
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.sub = d.src.Subscribe(d.cfg.QueueCapacity)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.state.Store(int32(StateListening))

	go d.run(wctx, d.sub, d.rec, d.done)
	slog.Info("wake detector listening", "phrases", d.variants.Len())
	return nil
}

// Pause stops feeding the recognizer. Frames keep being dequeued and are
// discarded. Pause applies in every state.
func (d *Detector) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if State(d.state.Swap(int32(StatePaused))) != StatePaused {
		slog.Debug("wake detector paused")
	}
}

// Resume returns a paused detector to listening. It is a no-op unless the
// detector is paused. A detector paused while stopped returns to stopped.
func (d *Detector) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != StatePaused {
		return
	}
	if d.cancel == nil {
		d.state.Store(int32(StateStopped))
		return
	}
	d.state.Store(int32(StateListening))
	slog.Debug("wake detector resumed")
}

// Stop halts the worker, releases the subscription and waits up to the join
// timeout for the worker to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Store(int32(StateStopped))
	if d.cancel == nil {
		return
	}

	d.cancel()
	d.src.Unsubscribe(d.sub)
	d.sub, d.cancel = nil, nil
	if !d.joinLocked() {
		slog.Error("wake detector worker did not exit in time", "timeout", d.cfg.JoinTimeout)
		return
	}
	slog.Info("wake detector stopped")
}

// Close stops the detector and releases the recognizer. The recognizer is
// kept, and [ErrWorkerBusy] returned, while the worker may still use it.
func (d *Detector) Close() error {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.joinLocked() {
		return ErrWorkerBusy
	}
	if d.rec == nil {
		return nil
	}
	err := d.rec.Close()
	d.rec = nil
	return err
}

// joinLocked waits up to the join timeout for the last worker to exit and
// reports whether it has.
func (d *Detector) joinLocked() bool {
	if d.done == nil {
		return true
	}
	select {
	case <-d.done:
	case <-time.After(d.cfg.JoinTimeout):
		return false
	}
	d.done = nil
	return true
}

func (d *Detector) run(ctx context.Context, sub *audio.Subscription, rec recognizer.Recognizer, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(d.cfg.FrameWait)
	defer timer.Stop()

	stale := false
	for {
		timer.Reset(d.cfg.FrameWait)
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			if d.State() != StateListening {
				stale = true
				continue
			}
			if stale {
				if r, ok := rec.(Resetter); ok {
					r.Reset()
				}
				stale = false
			}
			if d.process(rec, f) {
				stale = true
			}
		case <-timer.C:
		}
	}
}

// process feeds one frame and reports whether it completed a wake phrase.
func (d *Detector) process(rec recognizer.Recognizer, f audio.Frame) bool {
	res, err := rec.AcceptFrame(f.Data)
	if err != nil {
		if !errors.Is(err, recognizer.ErrClosed) {
			slog.Warn("wake recognizer failed, skipping frame", "seq", f.Seq, "err", err)
		}
		return false
	}
	if res.Text == "" {
		return false
	}

	if !d.variants.Match(res.Text) {
		if res.Final {
			if nm, ok := d.nearMiss.score(res.Text); ok {
				slog.Debug("wake near miss",
					"text", res.Text,
					"closest", nm.Phrase,
					"score", nm.Score,
					"phonetic", nm.Phonetic,
				)
			}
		}
		return false
	}

	trig := Trigger{Text: res.Text, Final: res.Final}
	slog.Info("wake phrase detected", "text", res.Text, "kind", trig.Kind())
	if d.observer != nil {
		d.observer.WakeTriggered(trig.Kind())
	}
	d.state.CompareAndSwap(int32(StateListening), int32(StatePaused))
	if d.onWake != nil {
		d.onWake(trig)
	}
	return true
}
