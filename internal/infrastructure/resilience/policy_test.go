package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestNormalizeFillsUnusableValues(t *testing.T) {
	got := Config{RetryInitialBackoff: time.Second, RetryMaxBackoff: time.Millisecond, BreakerFailureRatio: 3}.normalize()
	if got.RetryMaxAttempts != 3 || got.RetryMultiplier != 2 {
		t.Fatalf("expected retry defaults, got %+v", got)
	}
	if got.RetryMaxBackoff != time.Second {
		t.Fatalf("max backoff must not be below the initial backoff, got %s", got.RetryMaxBackoff)
	}
	if got.BreakerFailureRatio != 0.5 || got.BreakerMinRequests != 10 || got.BreakerHalfOpenMaxCalls != 2 {
		t.Fatalf("expected breaker defaults, got %+v", got)
	}
}

func TestClassifyCommon(t *testing.T) {
	tests := []struct {
		name string
		err  error
		ok   bool
	}{
		{"nil", nil, true},
		{"cancelled", fmt.Errorf("call: %w", context.Canceled), true},
		{"deadline", context.DeadlineExceeded, true},
		{"open circuit", gobreaker.ErrOpenState, true},
		{"half-open saturation", gobreaker.ErrTooManyRequests, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		class, ok := ClassifyCommon(tt.err)
		if ok != tt.ok {
			t.Fatalf("%s: ok = %v, want %v", tt.name, ok, tt.ok)
		}
		if ok && class != Ignored {
			t.Fatalf("%s: expected ignored classification, got %+v", tt.name, class)
		}
	}
	if defaultClassifier(errors.New("boom")) != Permanent {
		t.Fatalf("unknown errors must count against the breaker without retry")
	}
}

func TestRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable} {
		if !RetryableHTTPStatus(code) {
			t.Fatalf("expected %d to be retryable", code)
		}
	}
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized} {
		if RetryableHTTPStatus(code) {
			t.Fatalf("expected %d not to be retryable", code)
		}
	}
}
