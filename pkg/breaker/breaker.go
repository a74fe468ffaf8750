// Package breaker implements a three-state circuit breaker used around the
// shared store and the database so that a dead backend fails fast instead of
// stacking up blocked callers.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name for logs and metrics.
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

// ErrOpen is returned immediately while the breaker is open. Callers use
// errors.Is to distinguish it from the wrapped backend error and downgrade
// gracefully on non-critical paths.
var ErrOpen = errors.New("circuit breaker open: service temporarily unavailable")

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before a probe call
	// is allowed through (half-open).
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int
	// CallTimeout bounds every call made through the breaker.
	CallTimeout time.Duration
}

// DefaultConfig matches the shared-store breaker: trip after 5 failures,
// probe after 30s, close after 2 good probes, 5s per call.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      5 * time.Second,
	}
}

// Breaker wraps calls to a single backend.
type Breaker struct {
	name string
	cfg  Config
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a breaker. Zero-valued config fields fall back to defaults.
func New(name string, cfg Config, log *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{name: name, cfg: cfg, log: log, state: StateClosed}
}

// State returns the current state, promoting open to half-open when the
// reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.successes = 0
		b.log.Info("circuit breaker half-open", zap.String("breaker", b.name))
	}
	return b.state
}

// Execute runs fn through the breaker with the configured call timeout.
// While open it returns ErrOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.stateLocked() == StateOpen {
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	err := fn(callCtx)
	cancel()

	b.record(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
				b.log.Info("circuit breaker closed", zap.String("breaker", b.name))
			}
		default:
			b.failures = 0
		}
		return
	}

	// Caller-side cancellation is not a backend failure.
	if errors.Is(err, context.Canceled) {
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.successes = 0
	b.log.Warn("circuit breaker open", zap.String("breaker", b.name),
		zap.Duration("reset_timeout", b.cfg.ResetTimeout))
}
