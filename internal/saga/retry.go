package saga

import (
	"context"
	"time"
)

// RetryPolicy bounds the retries of a step whose outcome cannot be abandoned:
// a ledger write that may have committed, or the persist that follows one.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetry is used when a saga is configured with a zero RetryPolicy.
var DefaultRetry = RetryPolicy{Attempts: 4, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.Attempts <= 0 {
		return DefaultRetry
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetry.Backoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// Retry calls fn until it succeeds, retryable reports false for its error, or
// the attempts run out. A nil retryable retries every error. The last error
// is returned.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	p = p.normalize()
	backoff := p.Backoff
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return err
			}
			backoff *= 2
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}

// Detach returns a context that keeps ctx's values but not its cancellation.
// A saga that has started runs to completion or terminal failure whatever
// happens to the caller.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
