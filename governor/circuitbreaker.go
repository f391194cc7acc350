package governor

import (
	"sync"
	"time"

	"github.com/bitcraps/core/bcerr"
)

// State is a CircuitBreaker's current disposition.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips to Open after failureThreshold consecutive
// failures, refusing calls until recoveryTimeout elapses, then allows
// a trial run in HalfOpen; successThreshold consecutive trial
// successes close it again, any failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration

	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// NewCircuitBreaker returns a Closed circuit breaker.
func NewCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed, transitioning Open to
// HalfOpen once recoveryTimeout has elapsed.
func (c *CircuitBreaker) Allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpen:
		if c.now().Sub(c.openedAt) >= c.recoveryTimeout {
			c.state = StateHalfOpen
			c.successes = 0
			return nil
		}
		return bcerr.New(bcerr.KindResourceExhaustion, "governor.CircuitBreaker", bcerr.ErrCircuitOpen)
	default:
		return nil
	}
}

// RecordSuccess reports a successful call, closing the circuit once
// successThreshold trial successes accumulate in HalfOpen.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHalfOpen:
		c.successes++
		if c.successes >= c.successThreshold {
			c.state = StateClosed
			c.failures = 0
			c.successes = 0
		}
	case StateClosed:
		c.failures = 0
	}
}

// RecordFailure reports a failed call, tripping the circuit open
// after failureThreshold consecutive failures (or immediately on any
// failure while HalfOpen, since that disproves recovery).
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = c.now()
		c.failures = 0
	case StateClosed:
		c.failures++
		if c.failures >= c.failureThreshold {
			c.state = StateOpen
			c.openedAt = c.now()
			c.failures = 0
		}
	}
}

// State returns the breaker's current state.
func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
