package queue

import (
	"math"
	"math/rand"
	"time"
)

// retryBackoff computes the delay before re-queuing a failed task:
// base * 2^(attempt-1), capped at max, with optional jitter.
func retryBackoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(cfg.RetryBase) * math.Pow(2, float64(attempt-1))
	if backoff > float64(cfg.RetryMax) {
		backoff = float64(cfg.RetryMax)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
