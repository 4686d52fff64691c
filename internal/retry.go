package internal

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	exporter "github.com/port-experimental/datalake-entities-exporter"
)

// Retry runs op under the given policy, sleeping the exponential schedule
// between attempts. Errors the classifier rejects stop the loop immediately;
// context cancellation stops it between attempts. The last error is returned
// after exhaustion.
func Retry(ctx context.Context, policy exporter.RetryPolicy, retryable func(error) bool, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = policy.Multiplier
	b.MaxInterval = policy.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var wrapped backoff.BackOff = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))
	wrapped = backoff.WithContext(wrapped, ctx)
	return backoff.Retry(attempt, wrapped)
}
