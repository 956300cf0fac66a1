package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	RandomizationFactor float64
}

// Do runs fn until it succeeds, returns an error retryable rejects, the
// attempts are exhausted, or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := ExponentialBackOff(p.InitialInterval, p.MaxInterval)
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor > 0 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	b.Reset()

	var last error
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case last != nil:
		return last
	default:
		return err
	}
}

// ExponentialBackOff returns a backoff that grows from initial up to max and
// never gives up on its own.
func ExponentialBackOff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	if max > 0 {
		b.MaxInterval = max
	}
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
