package retry

import (
	"time"

	"github.com/Sumit189/cronhook/common/models"
)

// MaxDelay caps a single retry delay.
const MaxDelay = 24 * time.Hour

const maxBackoffSeconds = int(MaxDelay / time.Second)

// BaseDelay converts a policy's backoff_seconds without overflowing.
func BaseDelay(seconds int) time.Duration {
	if seconds > maxBackoffSeconds {
		return MaxDelay
	}
	return time.Duration(seconds) * time.Second
}

// Delay is the wait before attempt+1 after attempt failed. Attempts are 1-based.
func Delay(kind models.BackoffType, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch kind {
	case models.BackoffFixed:
		d = base
	case models.BackoffLinear:
		if base > MaxDelay/time.Duration(attempt) {
			return MaxDelay
		}
		d = base * time.Duration(attempt)
	default:
		d = base
		for i := 1; i < attempt; i++ {
			if d >= MaxDelay/2 {
				return MaxDelay
			}
			d *= 2
		}
	}
	if d > MaxDelay || d < 0 {
		return MaxDelay
	}
	return d
}

// ValidatePolicy rejects policies that could never be applied.
func ValidatePolicy(p models.RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return models.Invalid("max_attempts", "must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BackoffSeconds < 0 {
		return models.Invalid("backoff_seconds", "must not be negative, got %d", p.BackoffSeconds)
	}
	if p.BackoffSeconds > maxBackoffSeconds {
		return models.Invalid("backoff_seconds", "must be at most %d, got %d", maxBackoffSeconds, p.BackoffSeconds)
	}
	if !p.BackoffType.Valid() {
		return models.Invalid("backoff_type", "unknown type %q", p.BackoffType)
	}
	return nil
}
