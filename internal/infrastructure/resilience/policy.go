package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Config tunes retries and the per-operation circuit breaker.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled     bool
	BreakerMinRequests uint32
	// BreakerFailureRatio trips the breaker once reached over at least
	// BreakerMinRequests calls.
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:        3,
		RetryInitialBackoff:     100 * time.Millisecond,
		RetryMaxBackoff:         400 * time.Millisecond,
		RetryMultiplier:         2.0,
		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// normalize replaces unusable values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	pickInt := func(v, fallback int) int {
		if v <= 0 {
			return fallback
		}
		return v
	}
	pickDur := func(v, fallback time.Duration) time.Duration {
		if v <= 0 {
			return fallback
		}
		return v
	}
	pickU32 := func(v, fallback uint32) uint32 {
		if v == 0 {
			return fallback
		}
		return v
	}

	out := c
	out.RetryMaxAttempts = pickInt(c.RetryMaxAttempts, def.RetryMaxAttempts)
	out.RetryInitialBackoff = pickDur(c.RetryInitialBackoff, def.RetryInitialBackoff)
	out.RetryMaxBackoff = max(pickDur(c.RetryMaxBackoff, def.RetryMaxBackoff), out.RetryInitialBackoff)
	if c.RetryMultiplier < 1 {
		out.RetryMultiplier = def.RetryMultiplier
	}
	out.BreakerMinRequests = pickU32(c.BreakerMinRequests, def.BreakerMinRequests)
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	out.BreakerOpenTimeout = pickDur(c.BreakerOpenTimeout, def.BreakerOpenTimeout)
	out.BreakerHalfOpenMaxCalls = pickU32(c.BreakerHalfOpenMaxCalls, def.BreakerHalfOpenMaxCalls)
	return out
}

// ErrorClassification tells the executor whether to retry an error and
// whether the breaker should count it.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

var (
	// Transient failures are retried and counted.
	Transient = ErrorClassification{Retryable: true, RecordFailure: true}
	// Permanent failures are counted but not retried.
	Permanent = ErrorClassification{Retryable: false, RecordFailure: true}
	// Ignored errors are neither retried nor held against the dependency.
	Ignored = ErrorClassification{}
)

// ClassifyCommon handles errors every classifier treats alike: caller
// cancellation and short-circuited calls. ok is false for anything else.
func ClassifyCommon(err error) (class ErrorClassification, ok bool) {
	switch {
	case err == nil:
		return Ignored, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Ignored, true
	case IsCircuitOpen(err):
		return Ignored, true
	default:
		return ErrorClassification{}, false
	}
}

// RetryableHTTPStatus reports whether an upstream status is worth a retry.
func RetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
