package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func newTestBreaker(reset time.Duration) *Breaker {
	return New("test", Config{
		FailureThreshold: 3,
		ResetTimeout:     reset,
		SuccessThreshold: 2,
		CallTimeout:      time.Second,
	}, nil)
}

func fail(ctx context.Context) error { return errBackend }
func ok(ctx context.Context) error   { return nil }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	}
	assert.Equal(t, StateOpen, b.State())

	start := time.Now()
	err := b.Execute(ctx, fail)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Less(t, time.Since(start), time.Millisecond, "open breaker must fail fast")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, ok))
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures must not trip")
}

func TestBreakerHalfOpenCloseAfterSuccesses(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, ok))
	require.Equal(t, StateHalfOpen, b.State(), "one success is not enough")
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrOpen)
}

func TestBreakerCallTimeout(t *testing.T) {
	b := New("slow", Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
		CallTimeout:      10 * time.Millisecond,
	}, nil)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, b.State())
}
