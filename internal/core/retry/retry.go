// Package retry centralizes the retry policy for outbound network calls.
// Every provider call goes through the same Policy instead of wrapping
// backoff ad hoc at each call site.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes bounded exponential backoff with jitter. Retryable decides
// whether an error is transient; anything else stops the loop immediately.
type Policy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Retryable       func(error) bool
}

// DefaultPolicy is the ingestion-side budget: generous enough to absorb a
// rate-limit burst, bounded enough to fail a document eventually.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Retryable:       retryable,
	}
}

// Do runs op, retrying transient failures with exponential backoff until the
// attempt cap is hit or ctx is done. The last error is returned unwrapped so
// callers can classify it.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0 // bounded by attempts, not wall clock

	wrapped := func() error {
		if err := op(); err != nil {
			if p.Retryable != nil && !p.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	// MaxAttempts counts total tries, WithMaxRetries counts retries after
	// the first.
	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}

	// backoff.Retry unwraps Permanent errors, so the provider's original
	// error comes back either way.
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
}
