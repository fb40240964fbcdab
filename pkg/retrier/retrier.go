// Package retrier retries calls to flaky remote collaborators (price feeds,
// transfer webhooks) with capped exponential backoff and jitter.
package retrier

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultInitialInterval = 1 * time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultMaxRetries      = 5
	defaultJitter          = 0.1
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as final: Do returns it unwrapped without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryHook is called before each wait with the failed attempt number (starting at 1),
// its error and the upcoming delay.
type RetryHook func(attempt int, err error, wait time.Duration)

// Retrier is a backoff policy. It holds no per-call state and is safe for concurrent use.
type Retrier struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	maxRetries      int
	jitter          float64
	onRetry         RetryHook
}

type Option func(*Retrier)

func WithInitialInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.initialInterval = d
	}
}

func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.maxInterval = d
	}
}

func WithMultiplier(m float64) Option {
	return func(r *Retrier) {
		r.multiplier = m
	}
}

// WithMaxRetries sets how many attempts follow the first one.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		r.maxRetries = n
	}
}

// WithJitter sets the jitter as a fraction of the interval, 0 to 1.
func WithJitter(j float64) Option {
	return func(r *Retrier) {
		r.jitter = j
	}
}

// WithOnRetry registers a hook, typically for logging.
func WithOnRetry(hook RetryHook) Option {
	return func(r *Retrier) {
		r.onRetry = hook
	}
}

func New(opts ...Option) *Retrier {
	r := &Retrier{
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		multiplier:      defaultMultiplier,
		maxRetries:      defaultMaxRetries,
		jitter:          defaultJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	if r.jitter < 0 {
		r.jitter = 0
	}

	return r
}

// Attempts is the maximum number of calls Do makes.
func (r *Retrier) Attempts() int {
	return r.maxRetries + 1
}

// backoff returns the delay after the given failed attempt (1-based).
func (r *Retrier) backoff(attempt int) time.Duration {
	interval := float64(r.initialInterval)
	for i := 1; i < attempt; i++ {
		interval *= r.multiplier
		if interval >= float64(r.maxInterval) {
			interval = float64(r.maxInterval)
			break
		}
	}

	wait := interval + (rand.Float64()*2-1)*r.jitter*interval
	if wait < 0 {
		return 0
	}
	return time.Duration(wait)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run out
// or ctx is done. The last error is returned wrapped with the attempt count.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		if attempt >= r.Attempts() {
			return errors.Wrapf(err, "gave up after %d attempts", attempt)
		}

		wait := r.backoff(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// DoWithData is Do for functions that produce a value. The zero value is returned on failure.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
