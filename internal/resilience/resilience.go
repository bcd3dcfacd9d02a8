// Package resilience provides the fault-tolerance primitives the worker
// manager and dispatcher lean on: a circuit breaker around isolated
// module execution (spec §4.8) and a bounded exponential-backoff retry
// for the dispatcher's version-CAS loop (spec §4.7 step 6). Grounded on
// the teacher's infrastructure/resilience package, which itself settled
// on wrapping github.com/sony/gobreaker/v2 and
// github.com/cenkalti/backoff/v4 behind its original hand-rolled API
// surface rather than keeping the hand-rolled implementation; this
// package keeps that same choice (the teacher tree also carried an
// older, now-superseded hand-rolled circuit breaker and retry loop,
// dropped here in favor of the library-backed version it was replaced
// by).
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/nodalwatch/ace/pkg/logger"
)

// State mirrors gobreaker.State under the package's own name so callers
// don't need to import gobreaker directly.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced in place of gobreaker's own, so callers never
// import gobreaker to compare against them.
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int // consecutive failures before opening
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults for a circuit guarding an
// isolated-process module execution.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// WithLogger returns cfg with OnStateChange wired to log transitions at
// warn level, in the shape the worker manager wants per module pool.
func (cfg Config) WithLogger(log *logger.Logger, amtName string) Config {
	cfg.OnStateChange = func(from, to State) {
		log.WithField("amt", amtName).
			WithField("from_state", from.String()).
			WithField("to_state", to.String()).
			Warn("circuit breaker state changed")
	}
	return cfg
}

// CircuitBreaker wraps gobreaker.CircuitBreaker behind Execute(ctx, fn).
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New creates a CircuitBreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the circuit's current state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn with circuit breaker protection. ctx is accepted for
// API symmetry with the rest of this codebase; gobreaker does not
// itself observe it, so callers enforce any deadline on fn.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) { return nil, fn() })
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// RetryConfig configures Retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultRetryConfig returns the dispatcher's version-CAS retry bound
// (spec §4.7 step 6: "bounded, typically <= N=8 retries").
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  8,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry executes fn with exponential backoff via cenkalti/backoff,
// stopping after cfg.MaxAttempts total calls or on the first nil error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed wall time

	withMax := backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1))
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(fn, withCtx)
}
