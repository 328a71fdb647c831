// Package retry runs provider calls with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/pkg/errs"
)

const maxBackoff = 30 * time.Second

// CalculateBackoff returns exponential backoff with jitter.
// Base delay is doubled each attempt, with random jitter up to 25%.
func CalculateBackoff(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 || baseDelay <= 0 {
		return 0
	}
	// Cap attempt to avoid overflow in bit shift
	if attempt > 30 {
		attempt = 30
	}
	backoff := baseDelay * time.Duration(1<<uint(attempt))
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(backoff)/2+1)) - backoff/4
	return backoff + jitter
}

// Policy bounds a retry loop.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Sleep waits between attempts. Nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns an error that is not retryable,
// or the retries are used up. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	logger := contextutil.LoggerFromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(p.BaseDelay, attempt)
			logger.DebugContext(ctx, "retrying provider call",
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr)
			if err := p.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry aborted: %w", lastErr)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxRetries+1, lastErr)
}
