// Package errmap translates domain errors into transport responses.
package errmap

import (
	"errors"
	"net/http"

	"github.com/amlakpars/marketplace-auth/internal/domain"
)

// HTTPError represents an HTTP error response body.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`

	// RetryAfterSeconds is set for rate-limited responses.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`

	// RemainingAttempts is set for code-mismatch responses. Pointer so that
	// a spent budget still serializes as 0 instead of disappearing.
	RemainingAttempts *int `json:"remaining_attempts,omitempty"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is), so data-carrying wrappers
// must precede the bare sentinels they unwrap to.
var httpMappings = []httpMapping{
	// Account/login gates
	{domain.ErrAccountNotFound, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
	{domain.ErrAccountInactive, http.StatusForbidden, "ACCOUNT_INACTIVE"},
	{domain.ErrPhoneUnverified, http.StatusForbidden, "PHONE_UNVERIFIED"},
	{domain.ErrBadCredential, http.StatusUnauthorized, "BAD_CREDENTIAL"},

	// OTP outcomes
	{domain.ErrCodeMismatch, http.StatusBadRequest, "CODE_MISMATCH"},
	{domain.ErrInvalidOTP, http.StatusBadRequest, "INVALID_OTP"},
	{domain.ErrAttemptsExceeded, http.StatusLocked, "ATTEMPTS_EXCEEDED"},

	// Validation errors — 400
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidPurpose, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrUnknownLoginType, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Rate limiting — 429
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},

	// Delivery and availability
	{domain.ErrDeliveryFailed, http.StatusBadGateway, "DELIVERY_FAILED"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},

	// Generic resource errors
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
}

// ToHTTPError converts a domain error to an HTTP error. Data carried by
// typed errors (remaining window, remaining attempts) is lifted into the
// response body.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}

	for _, m := range httpMappings {
		if !errors.Is(err, m.err) {
			continue
		}

		// The sentinel's own message goes to the client; the wrap chain
		// stays server-side.
		he := HTTPError{StatusCode: m.statusCode, Code: m.code, Message: m.err.Error()}

		var rle *domain.RateLimitedError
		if errors.As(err, &rle) {
			he.RetryAfterSeconds = int64(rle.RetryAfter.Seconds())
		}
		var cme *domain.CodeMismatchError
		if errors.As(err, &cme) {
			remaining := cme.RemainingAttempts
			he.RemainingAttempts = &remaining
		}

		return he
	}

	// Never expose internal error details to clients.
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
