package util

import (
	"context"
	"fmt"
	"time"

	log "github.com/nghyane/qwen-proxy/internal/logging"
)

// WithRetry executes fn up to maxRetries times with a linear backoff of
// attempt seconds between tries. The function should be idempotent.
// Returns the first successful result, or the last error wrapped with the
// log prefix once every attempt has failed.
func WithRetry[T any](ctx context.Context, maxRetries int, logPrefix string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err
		log.Warnf("%s attempt %d failed: %v", logPrefix, attempt+1, err)
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", logPrefix, maxRetries, lastErr)
}
