package bifrost

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrSessionNotFound is returned when a session is absent, expired, malformed
	// or cannot be decrypted.
	ErrSessionNotFound = errors.New("bifrost: session not found")

	// ErrInvalidHandle is returned when a session handle is not 64 hex characters.
	ErrInvalidHandle = errors.New("bifrost: invalid session handle")

	// ErrDecryption is returned for every credential decryption failure.
	ErrDecryption = errors.New("bifrost: credential decryption failed")

	// ErrRateLimiterUnavailable is returned when the owner's bucket state cannot be reached.
	ErrRateLimiterUnavailable = errors.New("bifrost: rate limiter unavailable")

	// ErrGeoIPDatabaseNotConfigured is returned when GeoIP lookup is attempted
	// without configuring the GeoIP database path.
	ErrGeoIPDatabaseNotConfigured = errors.New("bifrost: GeoIP database path not configured")

	// ErrGeoIPLookupFailed is returned when IP geolocation lookup fails.
	ErrGeoIPLookupFailed = errors.New("bifrost: GeoIP lookup failed")

	// ErrInvalidIP is returned when an invalid IP address is provided.
	ErrInvalidIP = errors.New("bifrost: invalid IP address")
)

// Code classifies errors surfaced to callers.
type Code string

const (
	CodeAuthRequired Code = "AUTH_REQUIRED"
	CodeAuthInvalid  Code = "AUTH_INVALID"
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeUpstream     Code = "UPSTREAM_ERROR"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is the caller-visible error type. Every error returned by Gateway
// methods is an *Error.
type Error struct {
	Code    Code
	Message string

	// UpstreamStatus is the upstream HTTP status, when known.
	UpstreamStatus int

	// RetryAfter is set for CodeRateLimited, in seconds.
	RetryAfter int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Details carries the optional structured fields of a Payload.
type Details struct {
	UpstreamStatus int `json:"upstreamStatus,omitempty"`
	RetryAfter     int `json:"retryAfter,omitempty"`
}

// Payload is the externally visible rendering of an Error.
type Payload struct {
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Details *Details `json:"details,omitempty"`
}

// Payload renders the error for callers. The message is sanitized and the
// wrapped cause is never included.
func (e *Error) Payload() Payload {
	p := Payload{Code: e.Code, Message: Sanitize(e.Message)}
	if e.UpstreamStatus != 0 || e.RetryAfter != 0 {
		p.Details = &Details{UpstreamStatus: e.UpstreamStatus, RetryAfter: e.RetryAfter}
	}
	return p
}

// AuthRequired reports that no session handle was supplied.
func AuthRequired() *Error {
	return &Error{Code: CodeAuthRequired, Message: "Authentication required. Call auth_login first."}
}

// AuthInvalid reports an unknown, expired or undecryptable session, or
// credentials rejected by the upstream API.
func AuthInvalid(message string) *Error {
	if message == "" {
		message = "Invalid or expired session."
	}
	return &Error{Code: CodeAuthInvalid, Message: message}
}

// ValidationError reports malformed input.
func ValidationError(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

// RateLimited reports a denied admission.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("Rate limit exceeded. Retry after %d seconds.", retryAfter),
		RetryAfter: retryAfter,
	}
}

// UpstreamError reports a non-2xx upstream response (status > 0) or a
// transport failure (status == 0).
func UpstreamError(message string, status int) *Error {
	return &Error{Code: CodeUpstream, Message: Sanitize(message), UpstreamStatus: status}
}

// InternalError reports an unexpected failure. cause is kept for logging
// and errors.Is, never rendered.
func InternalError(message string, cause error) *Error {
	if message == "" {
		message = "An internal error occurred."
	}
	return &Error{Code: CodeInternal, Message: Sanitize(message), cause: cause}
}

// AsError maps any error onto the taxonomy.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrDecryption):
		return AuthInvalid("")
	case errors.Is(err, ErrInvalidHandle):
		return ValidationError("Session token must be a 64-character hex string.")
	case errors.Is(err, ErrRateLimiterUnavailable):
		return InternalError("Rate limiter unavailable.", err)
	}
	return InternalError("", err)
}

// IsCode reports whether err maps to code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

var redactions = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`(?i)api[_-]?key[=:]\s*\S+`), "api_key=[REDACTED]"},
	{regexp.MustCompile(`(?i)token[=:]\s*\S+`), "token=[REDACTED]"},
	{regexp.MustCompile(`(?i)password[=:]\s*\S+`), "password=[REDACTED]"},
	{regexp.MustCompile(`(?i)secret[=:]\s*\S+`), "secret=[REDACTED]"},
}

// Sanitize redacts credential-looking key/value pairs from msg.
func Sanitize(msg string) string {
	for _, r := range redactions {
		msg = r.pattern.ReplaceAllString(msg, r.repl)
	}
	return msg
}
