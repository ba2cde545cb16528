package resilience

import (
	"context"
	"sync"
	"time"

	memerrors "github.com/trapias/memoria/internal/errors"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitBreaker trips open after FailureThreshold consecutive failures,
// refuses calls immediately while open, and after RecoveryTimeout moves to
// half-open and lets calls through: successThreshold consecutive successes
// close it, any failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker builds a breaker for a named external dependency.
// successThreshold is how many consecutive half-open successes are needed
// to close the breaker again; values <= 0 default to 1 (a single probe
// success closes it).
func NewCircuitBreaker(name string, failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// State reports the current breaker state, checking for recovery first.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecovery()
	return b.state
}

func (b *CircuitBreaker) checkRecovery() {
	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.recoveryTimeout {
		b.state = StateHalfOpen
		b.successCount = 0
	}
}

// Call runs fn guarded by the breaker. It refuses to invoke fn at all when
// the breaker is open and recovery has not yet elapsed, returning a
// CircuitOpenError. A half-open probe that fails reopens the breaker and
// resets the recovery clock; half-open probes close it once
// successThreshold of them have succeeded in a row.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	b.checkRecovery()
	if b.state == StateOpen {
		retryAfter := b.recoveryTimeout - time.Since(b.lastFailureTime)
		if retryAfter < 0 {
			retryAfter = 0
		}
		b.mu.Unlock()
		return &memerrors.CircuitOpenError{Service: b.name, RetryAfter: retryAfter}
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failureCount++
		b.successCount = 0
		b.lastFailureTime = time.Now()
		if b.state == StateHalfOpen || b.failureCount >= b.failureThreshold {
			b.state = StateOpen
		}
		return err
	}

	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = StateClosed
			b.successCount = 0
		}
		return nil
	}
	b.state = StateClosed
	return nil
}

// Reset forces the breaker back to closed, clearing failure history. Useful
// in tests and for operator-triggered recovery.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
}
