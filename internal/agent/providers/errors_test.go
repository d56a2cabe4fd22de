package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   Reason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonOverloaded, true},
		{ReasonConnection, true},
		{ReasonServerError, true},
		{ReasonBilling, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("Reason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Reason
	}{
		{"nil error", nil, ReasonUnknown},
		{"timeout", errors.New("request timeout"), ReasonTimeout},
		{"deadline exceeded", errors.New("context deadline exceeded"), ReasonTimeout},
		{"rate limit", errors.New("rate limit exceeded"), ReasonRateLimit},
		{"too many requests", errors.New("too many requests"), ReasonRateLimit},
		{"429 status", errors.New("HTTP 429"), ReasonRateLimit},
		{"overloaded", errors.New("Overloaded"), ReasonOverloaded},
		{"529 status", errors.New("HTTP 529"), ReasonOverloaded},
		{"unauthorized", errors.New("unauthorized"), ReasonAuth},
		{"invalid api key", errors.New("invalid api key"), ReasonAuth},
		{"billing", errors.New("billing issue"), ReasonBilling},
		{"quota exceeded", errors.New("quota exceeded"), ReasonBilling},
		{"content filter", errors.New("content_filter triggered"), ReasonContentFilter},
		{"content blocked", errors.New("content blocked by safety"), ReasonContentFilter},
		{"model not found", errors.New("model not found"), ReasonModelUnavailable},
		{"connection refused", errors.New("dial tcp 127.0.0.1:443: connect: connection refused"), ReasonConnection},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ReasonConnection},
		{"no such host", errors.New("dial tcp: lookup api.example.com: no such host"), ReasonConnection},
		{"network unreachable", errors.New("connect: network is unreachable"), ReasonConnection},
		{"server error", errors.New("internal server error"), ReasonServerError},
		{"500 status", errors.New("HTTP 500"), ReasonServerError},
		{"service unavailable", errors.New("503 Service Unavailable"), ReasonServerError},
		{"unknown", errors.New("something went wrong"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status   int
		expected Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{500, ReasonServerError},
		{502, ReasonServerError},
		{503, ReasonServerError},
		{529, ReasonOverloaded},
		{200, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			if got := classifyStatusCode(tt.status); got != tt.expected {
				t.Errorf("classifyStatusCode(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewProviderError("anthropic", "claude-sonnet-4-5", cause).
		WithStatus(429).
		WithCode("rate_limit_error").
		WithRequestID("req-123")

	errStr := err.Error()
	for _, want := range []string{"[rate_limit]", "anthropic", "model=claude-sonnet-4-5", "status=429", "code=rate_limit_error"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("Error() = %q, missing %q", errStr, want)
		}
	}

	if err.Reason != ReasonRateLimit {
		t.Errorf("Reason = %v, want %v", err.Reason, ReasonRateLimit)
	}
	if err.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want req-123", err.RequestID)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should see the cause through Unwrap")
	}
}

func TestWithCodeReclassifies(t *testing.T) {
	err := NewProviderError("anthropic", "claude-sonnet-4-5", errors.New("request failed"))
	if err.Reason != ReasonUnknown {
		t.Fatalf("Reason = %v before WithCode, want unknown", err.Reason)
	}

	err = err.WithCode("overloaded_error")
	if err.Reason != ReasonOverloaded {
		t.Errorf("Reason = %v after WithCode(overloaded_error), want overloaded", err.Reason)
	}

	// An unknown code must not clobber an existing classification.
	err = err.WithCode("mystery_code")
	if err.Reason != ReasonOverloaded {
		t.Errorf("Reason = %v after unknown code, want overloaded preserved", err.Reason)
	}
}

func TestGetProviderErrorThroughWrap(t *testing.T) {
	providerErr := NewProviderError("openai", "gpt-5.1", errors.New("boom"))
	wrapped := fmt.Errorf("turn failed: %w", providerErr)

	got, ok := GetProviderError(wrapped)
	if !ok || got != providerErr {
		t.Error("GetProviderError should extract through a fmt.Errorf wrap")
	}

	if _, ok := GetProviderError(errors.New("plain")); ok {
		t.Error("GetProviderError should return false for a plain error")
	}

	if !IsProviderError(wrapped) {
		t.Error("IsProviderError should be true for a wrapped ProviderError")
	}
}

func TestIsRetryable(t *testing.T) {
	rateLimited := NewProviderError("anthropic", "claude-sonnet-4-5", nil).WithStatus(429)
	if !IsRetryable(rateLimited) {
		t.Error("429 should be retryable")
	}

	overloaded := NewProviderError("anthropic", "claude-sonnet-4-5", nil).WithStatus(529)
	if !IsRetryable(overloaded) {
		t.Error("529 should be retryable")
	}

	authErr := NewProviderError("openai", "gpt-5.1", nil).WithStatus(401)
	if IsRetryable(authErr) {
		t.Error("auth errors should not be retryable")
	}

	badRequest := NewProviderError("anthropic", "claude-sonnet-4-5", nil).WithStatus(400)
	if IsRetryable(badRequest) {
		t.Error("invalid request should not be retryable")
	}

	// Raw errors fall back to message classification.
	if !IsRetryable(errors.New("dial tcp: connection refused")) {
		t.Error("connection errors should be retryable")
	}
	if IsRetryable(errors.New("invalid api key")) {
		t.Error("auth message should not be retryable")
	}
}
