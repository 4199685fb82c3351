package resilience

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// Guard protects one external dependency: a breaker shared by every caller,
// a semaphore bounding concurrent outbound calls, and a retry policy.
// Build one Guard per dependency and share it process-wide.
type Guard struct {
	name    string
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	policy  Policy
	logger  *slog.Logger
}

// GuardConfig sizes a Guard.
type GuardConfig struct {
	Concurrency int
	Policy      Policy
	Breaker     []BreakerOption
	Logger      *slog.Logger
}

// NewGuard builds a Guard for the named dependency.
func NewGuard(name string, cfg GuardConfig) *Guard {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("dependency", name)
	if cfg.Policy.Logger == nil {
		cfg.Policy.Logger = logger
	}
	opts := append([]BreakerOption{WithBreakerLogger(logger)}, cfg.Breaker...)
	return &Guard{
		name:    name,
		breaker: NewCircuitBreaker(name, opts...),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		policy:  cfg.Policy,
		logger:  logger,
	}
}

// Name returns the dependency name.
func (g *Guard) Name() string { return g.name }

// Breaker exposes the guard's breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Do runs fn under the guard's retry policy. Each attempt waits for a
// concurrency slot, then asks the breaker. An open breaker fails the call
// immediately without invoking fn.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Do(ctx, g.policy, func(ctx context.Context) error {
		return g.attempt(ctx, fn)
	})
}

func (g *Guard) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	if err := g.breaker.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil, dependencyAnswered(err):
		g.breaker.RecordSuccess()
	case IsRetryable(err):
		g.breaker.RecordFailure()
	default:
		g.breaker.Release()
	}
	return err
}

// Run is Guard.Do for functions that return a value.
func Run[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Guards holds the process-wide guard of each pipeline dependency.
type Guards struct {
	OCR           *Guard
	Summarization *Guard
	Search        *Guard
}
