// Package retry provides exponential backoff with full jitter for transient
// backend faults. Non-retryable faults (constraint violations, not-found,
// validation) fail immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Config controls the retry loop.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is doubled each attempt: delay = base * 2^attempt + jitter.
	BaseDelay time.Duration
	// MaxJitter is the upper bound of the random jitter added to each delay.
	MaxJitter time.Duration
	// TotalTimeout bounds the whole loop including sleeps.
	TotalTimeout time.Duration
}

// DefaultConfig: 3 retries, 100ms base, 100ms jitter, 30s total.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxJitter:    100 * time.Millisecond,
		TotalTimeout: 30 * time.Second,
	}
}

// Permanent wraps an error so the retry loop gives up immediately.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// NonRetryable marks err as permanent.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Transient reports whether err is worth retrying: connection faults,
// timeouts, deadlocks and serialization failures.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var perm *Permanent
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01",                   // deadlock_detected
			"53300",                   // too_many_connections
			"57P03",                   // cannot_connect_now
			"08000", "08003", "08006": // connection exceptions
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Do runs fn with exponential backoff and full jitter until it succeeds, the
// error is non-transient, attempts are exhausted, or the total timeout hits.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TotalTimeout)
		defer cancel()
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if !Transient(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
		}

		delay := cfg.BaseDelay * (1 << uint(attempt))
		if cfg.MaxJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}
