package circuitbreaker

import (
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs and metrics
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker stops calls to a failing dependency for a cool-down period.
// After maxFailures consecutive failures it opens; once timeout has elapsed
// a single probe is let through (half-open) and its outcome decides whether
// the breaker closes again or re-opens.
type Breaker struct {
	maxFailures int
	timeout     time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	// now is replaced in tests
	now func() time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		// one probe at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == StateHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
