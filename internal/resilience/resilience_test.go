package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, Timeout: time.Hour, HalfOpenMax: 1})
	boom := errors.New("boom")

	require.ErrorIs(t, cb.Execute(context.Background(), func() error { return boom }), boom)
	require.ErrorIs(t, cb.Execute(context.Background(), func() error { return boom }), boom)

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ClosesAfterHalfOpenSuccess(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

	require.Error(t, cb.Execute(context.Background(), func() error { return errors.New("fail") }))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OnStateChangeFires(t *testing.T) {
	var transitions []State
	cb := New(Config{
		MaxFailures: 1,
		Timeout:     time.Hour,
		HalfOpenMax: 1,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, to)
		},
	})

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	require.Len(t, transitions, 1)
	assert.Equal(t, StateOpen, transitions[0])
}

func TestRetry_SucceedsWithinBound(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	err := Retry(ctx, cfg, func() error { return errors.New("fails") })
	assert.Error(t, err)
}
