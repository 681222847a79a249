package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures exponential backoff retry, unchanged from the
// teacher's internal/orchestrator/resilience.go RetryConfig.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig matches the teacher's defaults, reused for IoError/
// GitError retries per spec.md §7 ("retried up to max_retries with linear
// backoff" - approximated here, as the teacher did, with exponential backoff
// and a max-elapsed-time ceiling rather than a fixed retry count).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Do runs fn through the breaker, retrying transient failures with
// exponential backoff. A CircuitOpen rejection or context cancellation is
// never retried (spec.md §7: "Not an error from the caller's perspective
// once breakers are open"). fn's error decides retryability: wrap an error
// in backoff.Permanent to stop retrying early for structural failures.
func Do(ctx context.Context, b *Breaker, retryCfg RetryConfig, fn func() (interface{}, error)) (interface{}, error) {
	var result interface{}

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		r, err := b.Execute(fn)
		if err != nil {
			var openErr *OpenError
			if errors.As(err, &openErr) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		result = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return result, err
}
