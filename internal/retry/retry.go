// Package retry provides the backoff-with-jitter policy shared by every
// component that talks to an external system.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy defines how failed operations are retried.
type Policy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       bool
	logger       *zap.Logger
	retryIf      func(error) bool
}

// Option configures retry behavior.
type Option func(*Policy)

// WithMaxAttempts sets the total attempt budget, including the first try.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		p.maxAttempts = n
	}
}

// WithInitialDelay sets the delay before the second attempt.
func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.initialDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.maxDelay = d
	}
}

// WithJitter enables jitter to prevent thundering herd.
func WithJitter(enabled bool) Option {
	return func(p *Policy) {
		p.jitter = enabled
	}
}

// WithLogger adds logging to retry attempts.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// WithRetryIf restricts retries to errors the classifier accepts. Errors it
// rejects surface immediately.
func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) {
		p.retryIf = fn
	}
}

// NewPolicy creates a retry policy.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts:  3,
		initialDelay: 100 * time.Millisecond,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		jitter:       true,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the attempt budget.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do surfaces it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (p *Policy) retryable(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if p.retryIf != nil {
		return p.retryIf(err)
	}
	return true
}

// Do runs fn until it succeeds, the attempt budget is spent, the error is
// classified permanent, or ctx is cancelled. It returns the number of
// attempts actually made alongside the final error.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Debug("operation succeeded after retry",
					zap.Int("attempt", attempt),
					zap.Int("maxAttempts", p.maxAttempts))
			}
			return attempt, nil
		}
		lastErr = err

		if !p.retryable(err) {
			var pe *permanentError
			if errors.As(err, &pe) {
				lastErr = pe.err
			}
			return attempt, lastErr
		}
		if attempt == p.maxAttempts {
			break
		}

		delay := p.delay(attempt - 1)
		p.logger.Debug("operation failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", p.maxAttempts),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}

	p.logger.Debug("operation failed after all retries",
		zap.Error(lastErr),
		zap.Int("attempts", p.maxAttempts))
	return p.maxAttempts, lastErr
}

// delay computes the backoff before the attempt following zero-based
// attempt n.
func (p *Policy) delay(n int) time.Duration {
	d := float64(p.initialDelay) * math.Pow(p.multiplier, float64(n))
	if d > float64(p.maxDelay) {
		d = float64(p.maxDelay)
	}
	if p.jitter {
		// Jitter between 0.5x and 1.5x the delay.
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}
