package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream unavailable")

func failing(context.Context) error    { return errDownstream }
func succeeding(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []CircuitState
	cb := NewCircuitBreaker("broker", &CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, func(_ string, s CircuitState) { transitions = append(transitions, s) })

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), failing), errDownstream)
	}

	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), succeeding), ErrCircuitOpen)
	assert.Equal(t, []CircuitState{CircuitOpen}, transitions)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("broker", &CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, nil)

	_ = cb.Execute(context.Background(), failing)
	require.NoError(t, cb.Execute(context.Background(), succeeding))
	_ = cb.Execute(context.Background(), failing)

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("broker", &CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}, nil)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), failing)
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeeding))
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), succeeding))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("broker", &CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second}, nil)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), failing)
	now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), failing)

	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, "open", cb.Metrics().State)
}

func TestCircuitBreaker_AppliesRequestTimeout(t *testing.T) {
	cb := NewCircuitBreaker("broker", &CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		RequestTimeout:   20 * time.Millisecond,
	}, nil)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, cb.Metrics().Failures)
}
