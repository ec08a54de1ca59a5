package providers

import (
	"context"
	"log/slog"
	"time"
)

// Retry attempts per adapter call and the pause between them. The loop's
// model fallback handles anything more persistent.
const (
	retryAttempts = 3
	retryBackoff  = 2 * time.Second
)

// retryDo runs fn up to retryAttempts times, sleeping between attempts when
// the failure is retryable. Context cancellation ends retries immediately.
func retryDo[T any](ctx context.Context, provider, model string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		pe := AsError(provider, model, err)
		if !pe.Retryable() || attempt == retryAttempts {
			return zero, pe
		}
		slog.Warn("provider call failed, retrying",
			"provider", provider, "model", model,
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return zero, AsError(provider, model, ctx.Err())
		case <-time.After(retryBackoff):
		}
	}
	return zero, AsError(provider, model, lastErr)
}
