// Package resilience classifies upstream failures and provides the retry and
// circuit-breaking primitives used around provider calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (429, 5xx, timeouts).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// AuthError reports that an upstream rejected the credential.
type AuthError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// StatusError converts a non-2xx HTTP response into the matching error type:
// 401/403 become AuthError, retryable statuses become TransientError.
func StatusError(provider string, statusCode int, body string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	base := fmt.Errorf("%s: unexpected status %d: %s", provider, statusCode, body)
	switch {
	case statusCode == 401 || statusCode == 403:
		return &AuthError{Provider: provider, StatusCode: statusCode, Err: base}
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(base, statusCode)
	default:
		return base
	}
}

var authPatterns = []string{
	"401",
	"403",
	"unauthorized",
	"invalid api key",
	"invalid x-api-key",
	"incorrect api key",
	"api key not valid",
	"authentication",
	"permission denied",
}

// IsAuth reports whether err signals a rejected credential, either through an
// AuthError in the chain or a recognizable message.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether err is an upstream throttling response.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) && te.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var networkPatterns = []string{
	"connection reset by peer",
	"connection refused",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError or a network failure that is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAuth(err) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return IsNetwork(err) && !errors.Is(err, context.Canceled)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ErrorClass is the diagnostic bucket for a failed job.
type ErrorClass string

const (
	ClassAuth      ErrorClass = "auth"
	ClassRateLimit ErrorClass = "rate_limit"
	ClassNetwork   ErrorClass = "network"
	ClassOther     ErrorClass = "other"
)

// Classify buckets err for diagnostics. Authentication wins over rate
// limiting, which wins over network.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassOther
	case IsAuth(err):
		return ClassAuth
	case IsRateLimited(err):
		return ClassRateLimit
	case IsNetwork(err):
		return ClassNetwork
	default:
		return ClassOther
	}
}
