package delivery

import (
	"log/slog"
	"sync"
	"time"
)

// breakerState is the scheduling mode of periodic flushes.
type breakerState int

const (
	// breakerClosed runs a pass on every tick.
	breakerClosed breakerState = iota

	// breakerOpen skips ticks until the cooldown has elapsed.
	breakerOpen

	// breakerHalfOpen lets one trial pass through.
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// passBreaker stops periodic flushes from hammering an endpoint that has
// failed maxFailures passes in a row. After cooldown one trial pass runs; its
// result closes or re-opens the breaker. Manual flushes bypass it.
type passBreaker struct {
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
	trialActive bool
}

func newPassBreaker(maxFailures int, cooldown time.Duration) *passBreaker {
	return &passBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// allow reports whether a periodic pass may run now. A nil breaker always
// allows.
func (b *passBreaker) allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.trialActive = false
		slog.Info("outbox flush breaker half-open, probing endpoint")
		fallthrough
	case breakerHalfOpen:
		if b.trialActive {
			return false
		}
		b.trialActive = true
	}
	return true
}

// record feeds back the outcome of an allowed pass.
func (b *passBreaker) record(failed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		if b.state != breakerClosed {
			slog.Info("outbox flush breaker closed")
		}
		b.state, b.failures, b.trialActive = breakerClosed, 0, false
		return
	}

	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.maxFailures {
		if b.state != breakerOpen {
			slog.Warn("outbox flush breaker opened",
				"consecutive_failures", b.failures,
				"cooldown", b.cooldown,
			)
		}
		b.state = breakerOpen
		b.openedAt = b.now()
		b.trialActive = false
	}
}

// abandon forgets an allowed pass that was cancelled before it finished. A
// half-open trial slot is handed back without changing state.
func (b *passBreaker) abandon() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialActive = false
}

func (b *passBreaker) current() breakerState {
	if b == nil {
		return breakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
