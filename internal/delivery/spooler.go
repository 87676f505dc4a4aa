package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/kaylistener/internal/observe"
)

// DefaultSpoolInterval is the period between automatic flush passes.
const DefaultSpoolInterval = 60 * time.Second

// Flusher runs one flush pass. *Manager satisfies it.
type Flusher interface {
	FlushOnce(ctx context.Context) FlushReport
}

// SpoolerOption configures a [Spooler].
type SpoolerOption func(*Spooler)

// WithBreaker skips periodic passes for cooldown once maxFailures passes in a
// row have stopped on a delivery failure. maxFailures <= 0 disables it.
func WithBreaker(maxFailures int, cooldown time.Duration) SpoolerOption {
	return func(s *Spooler) {
		if maxFailures <= 0 {
			s.breaker = nil
			return
		}
		s.breaker = newPassBreaker(maxFailures, cooldown)
	}
}

// Spooler drives periodic flush passes. A pass runs immediately on Start and
// then every interval. Passes never overlap: a slow pass delays the next tick
// and a manual [Spooler.Flush] joins the pass in flight.
type Spooler struct {
	flusher  Flusher
	interval time.Duration
	breaker  *passBreaker
	group    singleflight.Group

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}
	last   *FlushReport
	lastAt time.Time
}

// NewSpooler creates a stopped Spooler.
func NewSpooler(f Flusher, interval time.Duration, opts ...SpoolerOption) *Spooler {
	if interval <= 0 {
		interval = DefaultSpoolInterval
	}
	s := &Spooler{
		flusher:  f,
		interval: interval,
		base:     context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the periodic loop. It is a no-op while running.
func (s *Spooler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.base, s.cancel = ctx, cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	slog.Info("outbox spooler started", "interval", s.interval)
}

// Stop ends the loop and waits for an in-flight pass to notice cancellation.
func (s *Spooler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.base = context.Background()
	s.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
	slog.Info("outbox spooler stopped")
}

// Running reports whether the periodic loop is active.
func (s *Spooler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Flush runs a pass now, or waits for the one in flight. The pass itself runs
// under the spooler's lifetime, so ctx only bounds the wait; a pass started
// here joins ctx's trace.
func (s *Spooler) Flush(ctx context.Context) FlushReport {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	ch := s.group.DoChan("flush", func() (any, error) {
		rep := s.flusher.FlushOnce(observe.Carry(base, ctx))
		s.mu.Lock()
		s.last, s.lastAt = &rep, time.Now()
		s.mu.Unlock()
		return rep, nil
	})
	select {
	case res := <-ch:
		return res.Val.(FlushReport)
	case <-ctx.Done():
		return FlushReport{Stopped: true, Error: ctx.Err().Error()}
	}
}

// LastReport returns the most recent pass result and when it finished.
func (s *Spooler) LastReport() (FlushReport, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return FlushReport{}, time.Time{}, false
	}
	return *s.last, s.lastAt, true
}

func (s *Spooler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.tick(ctx)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Spooler) tick(ctx context.Context) {
	if !s.breaker.allow() {
		slog.Debug("outbox flush skipped, breaker open")
		return
	}
	rep := s.Flush(ctx)
	if ctx.Err() != nil {
		// Stopped mid-pass: says nothing about the endpoint.
		s.breaker.abandon()
		return
	}
	s.breaker.record(rep.Failed())
}

// BreakerState returns "closed", "open" or "half-open", or "disabled" when
// the spooler has no breaker.
func (s *Spooler) BreakerState() string {
	if s.breaker == nil {
		return "disabled"
	}
	return s.breaker.current().String()
}
