package webhook

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dandantas/gatekeeper/internal/model"
)

// RetryStrategy handles exponential backoff retry logic
type RetryStrategy struct {
	config model.RetryConfig
}

// NewRetryStrategy creates a new retry strategy
func NewRetryStrategy(config model.RetryConfig) *RetryStrategy {
	config.SetDefaults()
	return &RetryStrategy{
		config: config,
	}
}

// CalculateDelay calculates the delay for a given attempt using exponential backoff
// Formula: delay = min(initial_delay * (multiplier ^ (attempt-1)), max_delay)
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

// DelayFor returns the wait before the next attempt, honouring a Retry-After
// header given in seconds, still capped at the max delay.
func (rs *RetryStrategy) DelayFor(attempt int, header http.Header) time.Duration {
	delay := rs.CalculateDelay(attempt)
	if header == nil {
		return delay
	}

	secs, err := strconv.Atoi(header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return delay
	}

	retryAfter := time.Duration(secs) * time.Second
	maxDelay := time.Duration(rs.config.MaxDelayMs) * time.Millisecond
	if retryAfter > maxDelay {
		retryAfter = maxDelay
	}
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

// ShouldRetry determines if a retry should be attempted based on the outcome of attempt
func (rs *RetryStrategy) ShouldRetry(attempt int, statusCode int, err error) bool {
	if attempt >= rs.config.MaxAttempts {
		return false
	}

	switch {
	case err != nil && statusCode == 0:
		// Network error
		return true
	case statusCode >= 500:
		return true
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout:
		return true
	case statusCode >= 400:
		// The consumer rejected the event; resending the same body will not help
		return false
	case statusCode >= 300:
		return true
	}

	return false
}

// GetMaxAttempts returns the maximum number of attempts
func (rs *RetryStrategy) GetMaxAttempts() int {
	return rs.config.MaxAttempts
}
