package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memerrors "github.com/trapias/memoria/internal/errors"
)

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker("svc", 3, 1, time.Hour)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		err := cb.Call(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateClosed, cb.State(), "should stay closed below threshold")
	}

	err := cb.Call(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, cb.State(), "third consecutive failure should open the breaker")

	err = cb.Call(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	var circuitOpen *memerrors.CircuitOpenError
	assert.ErrorAs(t, err, &circuitOpen, "refused calls while open should surface CircuitOpenError")
}

func TestCircuitBreakerHalfOpensAfterRecoveryTimeout(t *testing.T) {
	cb := NewCircuitBreaker("svc", 1, 1, 20*time.Millisecond)
	boom := errors.New("boom")

	_ = cb.Call(context.Background(), func(context.Context) error { return boom })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State(), "should transition to half-open once recovery_timeout elapses")

	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State(), "success in half-open should close the breaker")
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("svc", 1, 1, 10*time.Millisecond)
	boom := errors.New("boom")

	_ = cb.Call(context.Background(), func(context.Context) error { return boom })
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Call(context.Background(), func(context.Context) error { return boom })
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State(), "a half-open probe failure must reopen the breaker")
}

func TestCircuitBreakerRequiresSuccessThresholdToClose(t *testing.T) {
	cb := NewCircuitBreaker("svc", 1, 2, 10*time.Millisecond)
	boom := errors.New("boom")

	_ = cb.Call(context.Background(), func(context.Context) error { return boom })
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Call(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State(), "one success below success_threshold should not close yet")

	require.NoError(t, cb.Call(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State(), "reaching success_threshold should close the breaker")
}

func TestCircuitBreakerSuccessInClosedResetsFailureCounter(t *testing.T) {
	cb := NewCircuitBreaker("svc", 2, 1, time.Hour)
	boom := errors.New("boom")

	_ = cb.Call(context.Background(), func(context.Context) error { return boom })
	require.NoError(t, cb.Call(context.Background(), func(context.Context) error { return nil }))

	err := cb.Call(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateClosed, cb.State(), "failure counter should have reset after the intervening success")
}
