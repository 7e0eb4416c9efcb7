package queue

import "time"

// maxShift caps the exponent so the shift cannot overflow a Duration.
const maxShift = 20

// NextDelay computes the retry delay for a failed attempt (1-based):
// base * 2^(attempt-1), capped at max.
func NextDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	delay := base << shift
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
