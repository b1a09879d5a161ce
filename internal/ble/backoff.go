package ble

import "time"

// BackoffDelay returns the delay before reconnect attempt n (0-based):
// 1s, 2s, 4s, ... capped at maxSeconds. The manager never retries on its
// own; callers that want reconnection schedule it with this.
func BackoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt < 0 {
		attempt = 0
	}
	// Past 2^30 seconds every sane cap has been reached.
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
