package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/dynsched/pkg/schema"
)

// IsRetryableError classifies whether a failed step invocation may be
// attempted again. Cancellation and engine-level contract violations are
// final; everything else, including per-invocation timeouts, is retried up
// to the step's budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errScheduleCancelled) || errors.Is(err, errShutdown) {
		return false
	}
	switch schema.CodeOf(err) {
	case schema.ErrCodeUndeclaredContextKey,
		schema.ErrCodeMissingContextKey,
		schema.ErrCodeValidation,
		schema.ErrCodeInvalidTransition,
		schema.ErrCodeCancelled:
		return false
	}
	return true
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry calls fn until it succeeds, returns a non-retryable error, or the
// extra attempts are spent. onRetry runs before each wait.
func retry(ctx context.Context, extra int, wait time.Duration, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= extra || !IsRetryableError(err) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		if WaitForBackoff(ctx, wait) != nil {
			return err
		}
	}
}
