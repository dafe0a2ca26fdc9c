package gro

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"
)

// Retry configuration is read from the environment on every call so live
// tuning takes effect without a restart.
const (
	defaultMaxAttempts  = 3
	defaultRetryBaseMS  = 500
	maxRetryDelay       = 30 * time.Second
	envMaxRetries       = "GRO_MAX_RETRIES"
	envRetryBaseMS      = "GRO_RETRY_BASE_MS"
)

// IsRetryableStatus reports whether an HTTP status is worth retrying:
// 429 (rate limited), 502/503 (upstream flapping), 529 (overloaded).
func IsRetryableStatus(status int) bool {
	switch status {
	case 429, 502, 503, 529:
		return true
	}
	return false
}

// RetryMaxAttempts returns the configured attempt cap (GRO_MAX_RETRIES,
// default 3).
func RetryMaxAttempts() int {
	if v := os.Getenv(envMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxAttempts
}

// RetryBase returns the configured backoff base (GRO_RETRY_BASE_MS,
// default 500ms).
func RetryBase() time.Duration {
	if v := os.Getenv(envRetryBaseMS); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultRetryBaseMS * time.Millisecond
}

// RetryDelay computes the delay before retry attempt i (0-indexed). A
// positive server Retry-After hint wins; otherwise exponential backoff
// base × 2^i plus up to base/2 of uniform jitter. Capped at 30s.
func RetryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > maxRetryDelay {
			return maxRetryDelay
		}
		return retryAfter
	}
	base := RetryBase()
	d := base * (1 << attempt)
	d += time.Duration(rand.Int63n(int64(base)/2 + 1))
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// isTransient reports whether err is a retryable HTTP error or a
// connection-class failure.
func isTransient(err error) bool {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return IsRetryableStatus(e.Status)
	}
	return IsConnectionError(err)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// RetryCall calls fn up to the configured attempt count, sleeping between
// transient failures. Non-transient errors surface immediately.
func RetryCall[T any](ctx context.Context, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = nopLogger
	}
	var zero T
	var last error
	maxAttempts := RetryMaxAttempts()
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			timer := time.NewTimer(RetryDelay(i, retryAfterOf(err)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}
