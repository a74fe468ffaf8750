package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
		MaxJitter:    time.Millisecond,
		TotalTimeout: time.Second,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "first attempt plus three retries")
}

func TestDoStopsOnPermanentError(t *testing.T) {
	wrapped := errors.New("duplicate key value violates unique constraint")
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return NonRetryable(wrapped)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, wrapped, err)
}

func TestDoStopsOnNonTransientError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return pgx.ErrNoRows
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"no rows", pgx.ErrNoRows, false},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"validation", errors.New("invalid room code"), false},
		{"permanent-wrapped timeout", NonRetryable(context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Config{MaxRetries: 100, BaseDelay: 20 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}
