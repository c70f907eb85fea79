package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds every store call and retries transient failures with
// exponential backoff.
type RetryPolicy struct {
	// Timeout bounds a single store call.
	Timeout time.Duration
	// Initial is the first backoff interval.
	Initial time.Duration
	// MaxElapsed caps total retry time; zero means a single attempt.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy matches the config defaults.
var DefaultRetryPolicy = RetryPolicy{Timeout: 5 * time.Second, Initial: 100 * time.Millisecond, MaxElapsed: 30 * time.Second}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.MaxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = p.MaxElapsed
	return b
}

// do runs fn until it succeeds, fails permanently, or the policy gives up.
// Only domain.ErrStoreUnavailable is retried; a timeout is never success.
func (p RetryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
		}
		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s timed out: %w: %w", op, domain.ErrStoreUnavailable, err)
		}
		if domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(p.newBackOff(), ctx))

	if err != nil && !domain.IsTransient(err) && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return err
}
