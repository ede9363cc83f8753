package resilience

import (
	"sync"
	"time"
)

// State is a circuit breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breaker is a per-target circuit breaker. Transitions:
//
//	CLOSED    -> OPEN       after `threshold` consecutive failures
//	OPEN      -> HALF_OPEN  once `cooldown` has elapsed since the last failure
//	HALF_OPEN -> CLOSED     on probe success (counters reset)
//	HALF_OPEN -> OPEN       on probe failure (cooldown restarts)
//
// While HALF_OPEN, exactly one probe call is admitted; concurrent
// callers are rejected until the probe settles.
type breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time // test hook
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// allow reports whether a call may proceed. When denied it returns the
// remaining cooldown so callers can surface a retry hint.
func (b *breaker) allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, 0

	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.cooldown {
			return false, b.cooldown - elapsed
		}
		// Cooldown elapsed: admit a single probe.
		b.state = StateHalfOpen
		b.probing = true
		return true, 0

	case StateHalfOpen:
		if b.probing {
			return false, b.cooldown
		}
		b.probing = true
		return true, 0
	}
	return false, b.cooldown
}

// recordSuccess closes the breaker and resets counters.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// recordFailure counts a failure; the probe failing or the threshold
// being reached opens the breaker and restarts the cooldown.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.probing = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// current returns the state for observability.
func (b *breaker) current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
