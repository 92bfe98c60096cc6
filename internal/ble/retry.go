package ble

import "time"

// BackoffDelay returns the reconnection delay for attempt n (1s, 2s, 4s, ...),
// capped at maxSeconds.
func BackoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
