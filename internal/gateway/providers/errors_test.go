package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReasonRetryable(t *testing.T) {
	retryable := []Reason{ReasonRateLimit, ReasonTimeout, ReasonServerError}
	for _, r := range retryable {
		if !r.Retryable() {
			t.Errorf("%s should be retryable", r)
		}
	}
	terminal := []Reason{ReasonBilling, ReasonAuth, ReasonInvalidRequest, ReasonModelUnavailable, ReasonContentFilter, ReasonUnknown}
	for _, r := range terminal {
		if r.Retryable() {
			t.Errorf("%s should not be retryable", r)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    string
		reason Reason
	}{
		{"context deadline exceeded", ReasonTimeout},
		{"request timeout", ReasonTimeout},
		{"rate limit exceeded", ReasonRateLimit},
		{"429 too many requests", ReasonRateLimit},
		{"invalid api key provided", ReasonAuth},
		{"unauthorized", ReasonAuth},
		{"insufficient quota", ReasonBilling},
		{"payment required", ReasonBilling},
		{"content_filter triggered", ReasonContentFilter},
		{"model not found", ReasonModelUnavailable},
		{"internal server error", ReasonServerError},
		{"upstream returned 503", ReasonServerError},
		{"connection refused", ReasonUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.err)); got != tc.reason {
			t.Errorf("Classify(%q) = %s, want %s", tc.err, got, tc.reason)
		}
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != ReasonUnknown {
		t.Errorf("Classify(nil) = %s, want unknown", got)
	}
}

func TestClassifyStatusCode(t *testing.T) {
	cases := []struct {
		status int
		reason Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{500, ReasonServerError},
		{503, ReasonServerError},
		{418, ReasonUnknown},
		{0, ReasonUnknown},
	}
	for _, tc := range cases {
		if got := classifyStatusCode(tc.status); got != tc.reason {
			t.Errorf("classifyStatusCode(%d) = %s, want %s", tc.status, got, tc.reason)
		}
	}
}

func TestClassifyErrorCode(t *testing.T) {
	cases := []struct {
		code   string
		reason Reason
	}{
		{"rate_limit_error", ReasonRateLimit},
		{"overloaded_error", ReasonServerError},
		{"OVERLOADED_ERROR", ReasonServerError},
		{"api_error", ReasonServerError},
		{"permission_error", ReasonAuth},
		{"invalid_api_key", ReasonAuth},
		{"not_found_error", ReasonModelUnavailable},
		{"insufficient_quota", ReasonBilling},
		{"content_policy_violation", ReasonContentFilter},
		{"invalid_request_error", ReasonInvalidRequest},
		{"something_else", ReasonUnknown},
	}
	for _, tc := range cases {
		if got := classifyErrorCode(tc.code); got != tc.reason {
			t.Errorf("classifyErrorCode(%q) = %s, want %s", tc.code, got, tc.reason)
		}
	}
}

func TestNewProviderErrorClassifiesCause(t *testing.T) {
	cause := errors.New("rate limit exceeded, retry after 2s")
	err := NewProviderError("deepseek", "deepseek-chat", cause)

	if err.Reason != ReasonRateLimit {
		t.Errorf("reason = %s, want rate_limit", err.Reason)
	}
	if err.Provider != "deepseek" || err.Model != "deepseek-chat" {
		t.Errorf("provider/model not carried: %+v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", errors.New("opaque failure")).WithStatus(429)
	if err.Reason != ReasonRateLimit {
		t.Errorf("reason = %s, want rate_limit", err.Reason)
	}
	if err.Status != 429 {
		t.Errorf("status = %d, want 429", err.Status)
	}
}

func TestWithCodeKeepsReasonWhenUnrecognised(t *testing.T) {
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", errors.New("opaque")).
		WithStatus(429).
		WithCode("mystery_code")
	if err.Reason != ReasonRateLimit {
		t.Errorf("unrecognised code downgraded reason to %s", err.Reason)
	}
	if err.Code != "mystery_code" {
		t.Errorf("code = %q", err.Code)
	}
}

func TestProviderErrorString(t *testing.T) {
	err := NewProviderError("anthropic", "claude-opus-4-20250514", errors.New("boom")).
		WithStatus(529).
		WithCode("overloaded_error").
		WithMessage("Overloaded")

	s := err.Error()
	for _, want := range []string{"[server_error]", "anthropic", "model=claude-opus-4-20250514", "status=529", "code=overloaded_error", "Overloaded"} {
		if !strings.Contains(s, want) {
			t.Errorf("error string %q missing %q", s, want)
		}
	}
}

func TestGetProviderErrorWrapped(t *testing.T) {
	inner := NewProviderError("openai", "gpt-4o", errors.New("boom"))
	wrapped := fmt.Errorf("attempt 2: %w", inner)

	got, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("provider error not found in chain")
	}
	if got != inner {
		t.Error("extracted a different provider error")
	}

	if _, ok := GetProviderError(errors.New("plain")); ok {
		t.Error("found a provider error in a plain error")
	}
}

func TestIsRetryable(t *testing.T) {
	rateLimited := NewProviderError("openai", "gpt-4o", errors.New("x")).WithStatus(429)
	if !IsRetryable(rateLimited) {
		t.Error("rate-limited provider error should be retryable")
	}

	denied := NewProviderError("openai", "gpt-4o", errors.New("x")).WithStatus(401)
	if IsRetryable(denied) {
		t.Error("auth failure should not be retryable")
	}

	if !IsRetryable(errors.New("connection timeout")) {
		t.Error("raw timeout should be retryable")
	}
	if IsRetryable(errors.New("parse failure")) {
		t.Error("unclassified error should not be retryable")
	}
}
