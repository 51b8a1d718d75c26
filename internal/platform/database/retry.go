package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
	retryMaxElapsed      = 10 * time.Second
)

// RunWithRetry executes op, retrying with randomized exponential backoff while
// the failure classifies as unavailable. Conflicts, not-found and plain errors
// fail immediately. Each attempt runs the whole op, so callers pass the full
// transaction body and rely on its idempotence.
func RunWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	policy.MaxElapsedTime = retryMaxElapsed

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsUnavailable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}
