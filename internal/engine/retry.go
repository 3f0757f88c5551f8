package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// minRetryWait keeps the constant backoff valid; go-retry rejects zero waits.
const minRetryWait = time.Millisecond

// RetryPolicy is the per-node retry configuration.
type RetryPolicy struct {
	MaxTries int
	Wait     time.Duration
}

// PolicyFromSettings derives the retry policy from node settings. Without
// retryOnFail a node gets exactly one attempt.
func PolicyFromSettings(s nodes.Settings) RetryPolicy {
	p := RetryPolicy{MaxTries: 1, Wait: s.WaitBetweenTries}
	if s.RetryOnFail && s.MaxTries > 1 {
		p.MaxTries = s.MaxTries
	}
	return p
}

// IsRetryableError classifies whether a failed attempt should be retried.
// Cancellation and input problems (bad data, unknown type) are final;
// timeouts and executor failures are retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch schema.ErrorCode(err) {
	case schema.ErrCodeValidation, schema.ErrCodeLookup, schema.ErrCodeCancelled:
		return false
	}
	return true
}

// DoWithRetry calls fn until it succeeds, returns a non-retryable error or
// the policy runs out of tries. It returns the value of the last successful
// call and the number of attempts made.
func DoWithRetry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	maxTries := max(policy.MaxTries, 1)
	wait := max(policy.Wait, minRetryWait)

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(maxTries-1), retry.NewConstant(wait))
	v, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (T, error) {
		attempts++
		v, err := fn(ctx, attempts)
		if err != nil && IsRetryableError(err) && ctx.Err() == nil {
			return v, retry.RetryableError(err)
		}
		return v, err
	})
	return v, attempts, err
}
