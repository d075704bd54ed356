package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/avelara/machina/pkg/schema"
)

// IsRetryableError classifies whether a provider error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, not-found, typed MachinaErrors with
// non-retryable codes, and context.Canceled (the caller is shutting down).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// MachinaError checks its own code.
	var mErr *schema.MachinaError
	if errors.As(err, &mErr) {
		return mErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"rate limit",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (let the caller's attempt budget limit damage).
	return true
}
