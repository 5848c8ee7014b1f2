// Package breaker implements a windowed circuit breaker: closed, open,
// and half-open states gated on N failures within a trailing time
// window rather than N consecutive failures.
package breaker

import (
	"sync"
	"time"
)

// State is one of closed, open, half-open.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls when a breaker trips and how long it stays open.
type Config struct {
	FailureThreshold     int           // failures within Window before tripping
	Window               time.Duration // trailing window the threshold is counted over
	CooldownPeriod       time.Duration // time open before a half-open probe is allowed
	HalfOpenCloseOnNSucc int           // consecutive half-open successes needed to close; 0 means 1
	OnStateChange        func(from, to State)
}

// Breaker is a single named circuit.
type Breaker struct {
	mu                sync.Mutex
	state             State
	failures          []time.Time // timestamps within the window, closed-state only
	openedAt          time.Time
	halfOpenSuccesses int // consecutive successes seen while half-open
	cfg               Config
	onStateChange     func(from, to State)
}

// New creates a Breaker with cfg. Zero-valued fields are left as-is;
// callers should supply explicit thresholds per category.
func New(cfg Config) *Breaker {
	return &Breaker{
		state:         StateClosed,
		cfg:           cfg,
		onStateChange: cfg.OnStateChange,
	}
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.CooldownPeriod {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call. In half-open state, the
// breaker closes once HalfOpenCloseOnNSucc consecutive probes succeed
// (default 1); a failed probe in between resets the count to zero.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		need := b.cfg.HalfOpenCloseOnNSucc
		if need <= 0 {
			need = 1
		}
		if b.halfOpenSuccesses >= need {
			b.transitionTo(StateClosed)
		}
	case StateClosed:
		b.failures = nil
	}
}

// RecordFailure reports a failed call, tripping the breaker if the
// failure threshold is reached within Window (or immediately, if
// currently half-open).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.failures = trimWindow(b.failures, now, b.cfg.Window)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateOpen:
		// already open; nothing to do
	}
}

func trimWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for i, t := range ts {
		if now.Sub(t) <= window {
			cut = i
			break
		}
		cut = i + 1
	}
	if cut >= len(ts) {
		return ts[:0]
	}
	return ts[cut:]
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	switch newState {
	case StateOpen:
		b.openedAt = time.Now()
		b.failures = nil
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.failures = nil
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(old, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed, e.g. on administrative override.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}
