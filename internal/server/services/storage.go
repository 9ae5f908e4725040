package services

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// storagePolicy bounds one storage round-trip: each attempt has its own
// timeout and failed attempts back off exponentially.
type storagePolicy struct {
	timeout   time.Duration
	retries   uint64
	baseDelay time.Duration
}

func (p storagePolicy) do(ctx context.Context, fn func(ctx context.Context) error) error {
	base := p.baseDelay
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(p.retries, retry.NewExponential(base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		if err := fn(attemptCtx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
