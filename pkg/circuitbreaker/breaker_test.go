package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/migadu/ruled/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("broker unavailable")

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return errBroker })
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New("test-open", 3, time.Minute, 1)

	trip(cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	trip(cb, 1)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("test-open")))

	called := false
	err := cb.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, IsOpen(err))
	assert.False(t, called)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb := New("test-cancel", 2, time.Minute, 1)
	for i := 0; i < 5; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(Settings{
		Name:        "test-timeout",
		MaxRequests: 1,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	trip(cb, 1)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Call(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New("test-reopen", 3, time.Minute, 2)
	trip(cb, 3)
	cb.ForceHalfOpen()
	require.Equal(t, StateHalfOpen, cb.State())

	trip(cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsTrialRequests(t *testing.T) {
	cb := New("test-limit", 1, time.Minute, 1)
	trip(cb, 1)
	cb.ForceHalfOpen()

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()

	require.Eventually(t, func() bool { return cb.Counts().Requests == 1 }, time.Second, 5*time.Millisecond)
	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestForceHalfOpenIdempotent(t *testing.T) {
	cb := New("test-idempotent", 2, time.Minute, 2)
	trip(cb, 2)
	require.Equal(t, StateOpen, cb.State())

	cb.ForceHalfOpen()
	cb.ForceHalfOpen()
	assert.Equal(t, StateHalfOpen, cb.State())

	closed := New("test-closed", 2, time.Minute, 2)
	closed.ForceHalfOpen()
	assert.Equal(t, StateClosed, closed.State())
}

func TestExecutePanicCountsAsFailure(t *testing.T) {
	cb := New("test-panic", 1, time.Minute, 1)
	assert.Panics(t, func() {
		_, _ = cb.Execute(func() (any, error) { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}
