// Package retry runs fallible calls with bounded exponential backoff.
//
// Only I/O calls against external collaborators go through an Executor.
// Pipeline stages are never retried automatically.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/lucasnoah/autodev/internal/log"
)

const jitterRatio = 0.3

// ErrAttemptTimeout is returned for an attempt that exceeded Config.Timeout.
var ErrAttemptTimeout = errors.New("attempt timeout exceeded")

// Config is the executor configuration.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Timeout bounds each attempt when positive.
	Timeout time.Duration
	// IsRetryable decides if a failed attempt is retried. Defaults to IsRetryable.
	IsRetryable func(err error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
	Logger  log.Logger

	// Sleep and Jitter are replaceable for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64
}

func (c *Config) defaults() error {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 2
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.BackoffFactor < 1 {
		return fmt.Errorf("invalid backoff: base=%s max=%s factor=%v", c.BaseDelay, c.MaxDelay, c.BackoffFactor)
	}
	if c.IsRetryable == nil {
		c.IsRetryable = IsRetryable
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "retry.Executor"})
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.Jitter == nil {
		c.Jitter = rand.Float64
	}
	return nil
}

// Executor retries operations according to its Config.
type Executor struct {
	cfg Config
}

// New returns an Executor with defaults applied to cfg.
func New(cfg Config) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Executor{cfg: cfg}, nil
}

// MustNew is New for static configurations known to be valid.
func MustNew(cfg Config) *Executor {
	e, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// Run invokes op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The last attempt's error is returned unchanged.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err = e.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if attempt == e.cfg.MaxAttempts || !e.cfg.IsRetryable(err) {
			return err
		}

		delay := e.Delay(attempt)
		if e.cfg.OnRetry != nil {
			e.cfg.OnRetry(attempt, err, delay)
		}
		e.cfg.Logger.Debugf("attempt %d/%d failed, retrying in %s: %s", attempt, e.cfg.MaxAttempts, delay, err)

		if sleepErr := e.cfg.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// Do is Run for operations that return a value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Run(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Delay returns the jittered backoff used after the given failed attempt.
func (e *Executor) Delay(attempt int) time.Duration {
	base := BackoffDelay(e.cfg.BaseDelay, e.cfg.MaxDelay, e.cfg.BackoffFactor, attempt)
	return base + time.Duration(float64(base)*jitterRatio*e.cfg.Jitter())
}

// BackoffDelay returns min(base*factor^(attempt-1), max) without jitter.
func BackoffDelay(base, maxDelay time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		return maxDelay
	}
	return time.Duration(d)
}

func (e *Executor) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if e.cfg.Timeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(actx) }()

	var err error
	select {
	case err = <-done:
	case <-actx.Done():
		err = actx.Err()
	}
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrAttemptTimeout, e.cfg.Timeout)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
