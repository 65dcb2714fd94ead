package hook

import (
	"sync"
	"time"
)

// BreakerConfig configures the circuit breaker guarding each handler.
type BreakerConfig struct {
	// Threshold of consecutive faults that opens the breaker. Zero or
	// negative disables it.
	Threshold int
	// Cooldown the breaker stays open before a single trial call is let
	// through.
	Cooldown time.Duration
}

func (c BreakerConfig) enabled() bool { return c.Threshold > 0 }

// BreakerState is the position of a handler's circuit breaker.
type BreakerState int

const (
	// BreakerClosed runs the handler on every dispatch.
	BreakerClosed BreakerState = iota
	// BreakerOpen skips the handler until the cooldown elapsed.
	BreakerOpen
	// BreakerHalfOpen lets one trial call decide between closed and open.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker counts consecutive faults of one registration. Vetoes are
// answers, not faults, and reset the count like a success.
type breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    BreakerState
	faults   int
	openedAt time.Time
	trial    bool
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg}
}

// allow reports whether the handler may run at now. Leaving the open state
// admits exactly one trial until its result is recorded.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.trial = true
		return true
	default:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
}

// record feeds one handler result and reports whether it opened the
// breaker.
func (b *breaker) record(fault bool, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	if !fault {
		b.state = BreakerClosed
		b.faults = 0
		return false
	}
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = now
		return true
	}
	b.faults++
	if b.faults >= b.cfg.Threshold {
		b.state = BreakerOpen
		b.openedAt = now
		b.faults = 0
		return true
	}
	return false
}

func (b *breaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
