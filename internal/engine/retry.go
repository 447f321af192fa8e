package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ghostworker/flow/pkg/schema"
)

// RetryPolicy bounds dispatch-level retries of a whole run. Node errors are
// handled inside the run per node policy; this only covers infrastructure
// failures that prevented the run from recording an outcome.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     string // none, constant, linear, exponential
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the queue behavior the engine was built for:
// three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Backoff:     "exponential",
		MaxDelay:    time.Minute,
	}
}

// IsRetryableError classifies whether a dispatch failure should be retried.
// Retryable: store/timeout FlowErrors, network errors, context.DeadlineExceeded.
// Non-retryable: validation and node-policy FlowErrors, context.Canceled.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means shutdown, not a transient fault.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
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
		"temporary failure",
		"i/o timeout",
		"database is locked",
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors default retryable; MaxAttempts bounds the damage.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
func (p RetryPolicy) ComputeBackoff(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = p.Delay * multiplier
	case "linear":
		delay = p.Delay * time.Duration(attempt+1)
	default: // none, constant
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff or returns early if the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
