package datasync

import (
	"context"
	"time"
)

// RetryPolicy controls Retry. Delays start at BaseDelay and double after
// every failed attempt up to MaxDelay, or five minutes when MaxDelay is zero.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes up to three attempts starting at 500ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

// maxRetryDelay caps the backoff of a policy without MaxDelay.
const maxRetryDelay = 5 * time.Minute

func (p RetryPolicy) delay(attempt int) time.Duration {
	limit := p.MaxDelay
	if limit <= 0 {
		limit = maxRetryDelay
	}
	d := p.BaseDelay
	for i := 0; i < attempt && d < limit; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Retry calls fn until it succeeds, the attempts run out, ctx is done, or fn
// returns a permanent error (see IsPermanent). The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil || IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
