package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cascadehq/cascade/pkg/schema"
)

// IsRetryableError classifies whether an action invocation error should be
// retried under the step's retry policy. Network errors and timeouts are
// retryable; validation errors and typed errors with non-transient codes
// are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step timeout, not workflow shutdown.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the execution is going away.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var cascErr *schema.CascadeError
	if errors.As(err, &cascErr) {
		switch cascErr.Code {
		case schema.ErrCodeValidation, schema.ErrCodeUnresolvedReference,
			schema.ErrCodeNotFound, schema.ErrCodeCancelled,
			schema.ErrCodeInvalidTransition:
			return false
		}
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

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
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Conservative default: retry and let the policy bound attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n (0-based count
// of failures so far). Supports none, constant, linear, and exponential
// backoff with an optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // none or constant
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// sleepBackoff waits for d or until ctx is done, whichever comes first.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
