package peer

import (
	"math"
	"time"
)

// ReconnectConfig contains configuration for reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // failures beyond this count are permanent
}

// DefaultReconnectConfig returns the standard reconnect policy: 0.5s
// doubling per failure, capped at 30s, permanent after 10 failures.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
}

// BackoffCalculator calculates backoff delays.
type BackoffCalculator struct {
	cfg ReconnectConfig
}

// NewBackoffCalculator creates a new backoff calculator.
func NewBackoffCalculator(cfg ReconnectConfig) *BackoffCalculator {
	return &BackoffCalculator{cfg: cfg}
}

// CalculateDelay calculates the delay for the given attempt number (0-indexed).
func (b *BackoffCalculator) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.cfg.InitialDelay
	}

	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}

	return time.Duration(delay)
}

// DelayAfterFailures returns the reconnect delay once a remote has failed
// failCount times in a row (1-indexed).
func (b *BackoffCalculator) DelayAfterFailures(failCount int) time.Duration {
	return b.CalculateDelay(failCount - 1)
}

// Exhausted reports whether failCount is past the retry limit.
func (b *BackoffCalculator) Exhausted(failCount int) bool {
	return b.cfg.MaxAttempts > 0 && failCount > b.cfg.MaxAttempts
}
