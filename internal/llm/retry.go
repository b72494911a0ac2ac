package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"novelloop/internal/config"
	"novelloop/internal/errs"
	"novelloop/internal/logging"
)

// RetryPolicy is exponential backoff with jitter for upstream calls.
// Only errors that errs.IsRetryable accepts are retried.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      float64 // fraction of the computed delay added at random

	// Sleep and Rand are replaceable so tests run without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// NewRetryPolicy builds a policy from configuration.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.GetBaseDelay(),
		Max:         cfg.GetMaxDelay(),
		Jitter:      cfg.Jitter,
	}
}

// Delay returns the wait before retry number n (0-based). A server-provided
// retry-after replaces the computed value; both are capped at Max.
func (p RetryPolicy) Delay(n int, lastErr error) time.Duration {
	if d, ok := errs.RetryAfterOf(lastErr); ok {
		if p.Max > 0 && d > p.Max {
			return p.Max
		}
		return d
	}

	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += time.Duration(r() * p.Jitter * float64(d))
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// context ends, or MaxAttempts is reached.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt-1, lastErr)
			logging.Get(logging.CategoryAPI).Warn("%s: attempt %d/%d failed (%v), retrying in %v", op, attempt, attempts, lastErr, delay)
			logging.Audit().Log(logging.AuditLLMRetry, op)
			if err := p.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !errs.IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, lastErr)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
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
