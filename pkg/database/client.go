package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/pkg/breaker"
	"github.com/aura-connect/backend/pkg/retry"
)

// ErrNotFound is the storage-agnostic "no rows" error repositories return.
var ErrNotFound = errors.New("record not found")

// Observer receives per-operation latency in seconds. Satisfied by
// prometheus histograms.
type Observer interface {
	Observe(float64)
}

// Client routes every database operation through circuit breaker, retry loop
// and per-operation timeout, in that order. Retries apply only to transient
// faults; unique violations and not-found fail immediately.
type Client struct {
	pool    *pgxpool.Pool
	breaker *breaker.Breaker
	retry   retry.Config
	timeout time.Duration
	latency Observer
	logger  *zap.Logger
}

// NewClient wraps a pgx pool with the protective runtime.
func NewClient(pool *pgxpool.Pool, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		pool: pool,
		breaker: breaker.New("database", breaker.Config{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
			CallTimeout:      10 * time.Second,
		}, logger),
		retry:   retry.DefaultConfig(),
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

// Pool exposes the raw pool for migrations and readiness pings.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// ObserveLatency registers o to receive the elapsed time of every Run call.
// Set once during wiring, before traffic.
func (c *Client) ObserveLatency(o Observer) { c.latency = o }

// Ping verifies connectivity within the operation timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.pool.Ping(ctx)
}

// Run executes fn under breaker, retry and timeout. fn must be idempotent or
// guarded by ON CONFLICT, since a transient fault retries the whole closure.
func (c *Client) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retry, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			err := fn(opCtx)
			if err != nil && !retry.Transient(err) {
				return retry.NonRetryable(err)
			}
			return err
		})
	})
	if c.latency != nil {
		c.latency.Observe(time.Since(start).Seconds())
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		c.logger.Warn("database operation failed",
			zap.String("op", op), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// IsUnavailable reports whether err means the database breaker is open.
func IsUnavailable(err error) bool { return errors.Is(err, breaker.ErrOpen) }

// IsUniqueViolation reports a 23505 unique-constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
