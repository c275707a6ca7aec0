package bifrost

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "api key",
			in:   "request failed with api_key=abc123 attached",
			want: "request failed with api_key=[REDACTED] attached",
		},
		{
			name: "api key variants are case insensitive",
			in:   "APIKEY: s3cr3t and Api-Key=x",
			want: "api_key=[REDACTED] and api_key=[REDACTED]",
		},
		{
			name: "token",
			in:   "bad token=deadbeef",
			want: "bad token=[REDACTED]",
		},
		{
			name: "password and secret",
			in:   "password: hunter2 secret=shh",
			want: "password=[REDACTED] secret=[REDACTED]",
		},
		{
			name: "nothing to redact",
			in:   "Upstream returned status 500",
			want: "Upstream returned status 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPayloadRedactsCredentials(t *testing.T) {
	e := UpstreamError("upstream said api_key=abc123 is invalid", 400)

	b, err := json.Marshal(e.Payload())
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	if strings.Contains(string(b), "abc123") {
		t.Fatalf("payload leaks credential: %s", b)
	}
	if !strings.Contains(string(b), "[REDACTED]") {
		t.Errorf("payload missing redaction marker: %s", b)
	}
	if !strings.Contains(string(b), `"upstreamStatus":400`) {
		t.Errorf("payload missing upstream status: %s", b)
	}
}

func TestPayloadDetails(t *testing.T) {
	if p := AuthRequired().Payload(); p.Details != nil {
		t.Errorf("AUTH_REQUIRED should carry no details, got %+v", p.Details)
	}

	p := RateLimited(7).Payload()
	if p.Code != CodeRateLimited {
		t.Errorf("Expected code %s, got %s", CodeRateLimited, p.Code)
	}
	if p.Details == nil || p.Details.RetryAfter != 7 {
		t.Errorf("Expected retryAfter 7, got %+v", p.Details)
	}
	if p.Message != "Rate limit exceeded. Retry after 7 seconds." {
		t.Errorf("Unexpected message %q", p.Message)
	}
}

func TestPayloadHidesCause(t *testing.T) {
	e := InternalError("", errors.New("dial tcp 10.0.0.7:6379: connection refused"))

	p := e.Payload()
	if p.Message != "An internal error occurred." {
		t.Errorf("Unexpected message %q", p.Message)
	}
	if !strings.Contains(e.Error(), "connection refused") {
		t.Errorf("Error() should keep the cause for logs, got %q", e.Error())
	}
}

func TestAsError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"session not found", ErrSessionNotFound, CodeAuthInvalid},
		{"wrapped decryption failure", fmt.Errorf("resolve: %w", ErrDecryption), CodeAuthInvalid},
		{"invalid handle", ErrInvalidHandle, CodeValidation},
		{"limiter unavailable", fmt.Errorf("%w: timeout", ErrRateLimiterUnavailable), CodeInternal},
		{"already typed", RateLimited(3), CodeRateLimited},
		{"unknown", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsError(tt.err)
			if got.Code != tt.want {
				t.Errorf("AsError(%v).Code = %s, want %s", tt.err, got.Code, tt.want)
			}
		})
	}

	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := AsError(fmt.Errorf("%w: redis down", ErrRateLimiterUnavailable))
	if !errors.Is(err, ErrRateLimiterUnavailable) {
		t.Error("mapped error should still match its sentinel")
	}
	if !IsCode(err, CodeInternal) {
		t.Error("IsCode should report INTERNAL_ERROR")
	}
}
