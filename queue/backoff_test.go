package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryBackoffDoubles(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMax: time.Hour, Jitter: 0}

	assert.Equal(t, time.Second, retryBackoff(cfg, 1))
	assert.Equal(t, 2*time.Second, retryBackoff(cfg, 2))
	assert.Equal(t, 4*time.Second, retryBackoff(cfg, 3))
	assert.Equal(t, 8*time.Second, retryBackoff(cfg, 4))
}

func TestRetryBackoffCapped(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMax: 5 * time.Second, Jitter: 0}

	assert.Equal(t, 5*time.Second, retryBackoff(cfg, 10))
	assert.Equal(t, 5*time.Second, retryBackoff(cfg, 60))
}

func TestRetryBackoffJitterBounds(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMax: time.Hour, Jitter: 0.1}

	for i := 0; i < 100; i++ {
		b := retryBackoff(cfg, 3)
		assert.GreaterOrEqual(t, b, 3600*time.Millisecond)
		assert.LessOrEqual(t, b, 4400*time.Millisecond)
	}
}

func TestRetryBackoffClampsAttempt(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMax: time.Hour, Jitter: 0}

	assert.Equal(t, time.Second, retryBackoff(cfg, 0))
}
