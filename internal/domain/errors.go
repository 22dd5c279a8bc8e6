package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Validation errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidPhoneNumber = errors.New("invalid phone number format")
	ErrInvalidPurpose     = errors.New("invalid challenge purpose")

	// Challenge outcomes. ErrInvalidOTP deliberately covers missing, expired,
	// already-verified and exhausted challenges so a caller probing the verify
	// endpoint cannot tell which case applies.
	ErrInvalidOTP       = errors.New("invalid or expired verification code")
	ErrCodeMismatch     = errors.New("verification code mismatch")
	ErrAttemptsExceeded = errors.New("verification attempts exceeded")

	// Issuance outcomes
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrDeliveryFailed = errors.New("verification code delivery failed")

	// Login outcomes
	ErrAccountNotFound  = errors.New("no account for this phone number")
	ErrAccountInactive  = errors.New("account is inactive")
	ErrPhoneUnverified  = errors.New("phone number not verified")
	ErrBadCredential    = errors.New("wrong password")
	ErrUnknownLoginType = errors.New("unknown login type")

	// Operational errors
	ErrUnavailable = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// RateLimitedError carries the remaining window time alongside ErrRateLimited.
// errors.Is(err, ErrRateLimited) matches; errors.As extracts the cooldown.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// CodeMismatchError carries the remaining attempt budget alongside
// ErrCodeMismatch. RemainingAttempts of 0 means this submission exhausted
// the challenge.
type CodeMismatchError struct {
	RemainingAttempts int
}

func (e *CodeMismatchError) Error() string {
	return fmt.Sprintf("verification code mismatch, %d attempts remaining", e.RemainingAttempts)
}

func (e *CodeMismatchError) Unwrap() error { return ErrCodeMismatch }

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrInvalidInput,
	ErrInvalidPhoneNumber,
	ErrInvalidPurpose,
	ErrInvalidOTP,
	ErrCodeMismatch,
	ErrAttemptsExceeded,
	ErrAccountNotFound,
	ErrAccountInactive,
	ErrPhoneUnverified,
	ErrBadCredential,
	ErrUnknownLoginType,
	ErrNotFound,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrDeliveryFailed)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
