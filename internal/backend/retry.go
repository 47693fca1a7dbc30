package backend

import (
	"math"
	"net/http"
	"time"
)

// RetryConfig controls how requests answered with 503 are repeated
type RetryConfig struct {
	MaxRetries     int
	InitialDelayMs int
	MaxDelayMs     int
	Multiplier     float64
}

// SetDefaults fills unset fields: 3 retries, 50ms apart
func (c *RetryConfig) SetDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelayMs <= 0 {
		c.InitialDelayMs = 50
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 1
	}
	if c.MaxDelayMs < c.InitialDelayMs {
		c.MaxDelayMs = c.InitialDelayMs
	}
}

// RetryStrategy decides whether and when a request is repeated.
// Only 503 responses are retried; the backend uses them while a resource is
// still being prepared.
type RetryStrategy struct {
	config RetryConfig
}

// NewRetryStrategy creates a new retry strategy
func NewRetryStrategy(config RetryConfig) *RetryStrategy {
	config.SetDefaults()
	return &RetryStrategy{config: config}
}

// CalculateDelay returns the delay before retry number attempt (1-based):
// min(initial * multiplier^(attempt-1), max)
func (rs *RetryStrategy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delayMs := float64(rs.config.InitialDelayMs) * math.Pow(rs.config.Multiplier, float64(attempt-1))
	if delayMs > float64(rs.config.MaxDelayMs) {
		delayMs = float64(rs.config.MaxDelayMs)
	}

	return time.Duration(delayMs) * time.Millisecond
}

// ShouldRetry reports whether a response after the given number of retries
// should be retried
func (rs *RetryStrategy) ShouldRetry(retries int, statusCode int, err error) bool {
	if err != nil {
		return false
	}
	return statusCode == http.StatusServiceUnavailable && retries < rs.config.MaxRetries
}

// MaxRetries returns the retry budget
func (rs *RetryStrategy) MaxRetries() int {
	return rs.config.MaxRetries
}
