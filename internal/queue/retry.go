package queue

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

func isSuspensionErr(err error) bool {
	return schema.IsSuspension(err)
}

// errHandlerPanic marks a contained handler panic. A panic is a bug in the
// handler, not a transient condition, so it is never retried.
var errHandlerPanic = errors.New("handler panic")

// IsRetryableError classifies whether a handler failure should be retried.
// Suspension is never a failure and must be handled before this is consulted.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errHandlerPanic) {
		return false
	}

	// A step-level deadline is retryable; cancellation means shutdown or an
	// operator stop and is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var re *schema.RunError
	if errors.As(err, &re) {
		switch re.Code {
		case schema.ErrCodeNotFound, schema.ErrCodeValidation, schema.ErrCodeUnprocessable,
			schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeCancelled,
			schema.ErrCodeMaxAttemptsExceeded:
			return false
		case schema.ErrCodeTimeout:
			return true
		}
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
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default retryable; the attempt budget bounds it.
	return true
}

// ComputeBackoff calculates the delay before the next attempt of a job.
// attempt is the number of attempts already made (1 after the first failure).
func ComputeBackoff(backoff, delay string, attempt int) time.Duration {
	if delay == "" {
		return 0
	}
	base, err := time.ParseDuration(delay)
	if err != nil {
		return 0
	}

	switch backoff {
	case "exponential":
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > maxBackoff {
				return maxBackoff
			}
		}
		return d
	case "linear":
		d := base * time.Duration(attempt)
		if d > maxBackoff {
			return maxBackoff
		}
		return d
	default: // "constant", "none" or empty
		return base
	}
}

const maxBackoff = 5 * time.Minute
