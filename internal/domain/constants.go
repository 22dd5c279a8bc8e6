package domain

import "time"

// OTP policy constants. These are compiled defaults carried over from the
// marketplace's reference policy; configuration may not weaken them.
const (
	// OTPLength is the number of digits in a verification code.
	OTPLength = 6

	// OTPValidityDuration is how long an issued code remains valid.
	OTPValidityDuration = 10 * time.Minute

	// MaxOTPVerifyAttempts is the wrong-code budget per challenge. The
	// attempt that reaches this count permanently invalidates the challenge.
	MaxOTPVerifyAttempts = 3

	// OTPSendLimitPerWindow caps code issuance per phone per window.
	OTPSendLimitPerWindow = 3

	// OTPSendWindow is the issuance rate-limit window.
	OTPSendWindow = time.Hour
)

// Timeout contracts for external calls.
const (
	SMSTimeout      = 10 * time.Second // Max time for a gateway send
	DynamoDBTimeout = 5 * time.Second  // Max time for DynamoDB operations
	RedisTimeout    = 2 * time.Second  // Max time for Redis operations
)

// Session token configuration.
const (
	AccessTokenLifetime = 1 * time.Hour // JWT access token validity
)

// Graceful shutdown budget.
const (
	ShutdownDrainDelay  = 3 * time.Second  // Let the LB propagate endpoint removal
	ShutdownHTTPTimeout = 15 * time.Second // Max time to drain in-flight requests
	ShutdownOTELTimeout = 5 * time.Second  // Max time to flush telemetry

	// GracefulShutdownTimeout bounds the whole drain sequence end to end.
	GracefulShutdownTimeout = 30 * time.Second
)

// Purpose is the context a verification challenge is issued for. Challenges
// for different purposes are independent lifecycles.
type Purpose string

const (
	PurposeLogin    Purpose = "login"
	PurposeRegister Purpose = "register"
	PurposeVerify   Purpose = "verify"
)

// ParsePurpose validates a raw purpose string. An empty string defaults to
// login, matching the reference API behavior.
func ParsePurpose(raw string) (Purpose, error) {
	if raw == "" {
		return PurposeLogin, nil
	}
	switch p := Purpose(raw); p {
	case PurposeLogin, PurposeRegister, PurposeVerify:
		return p, nil
	default:
		return "", ErrInvalidPurpose
	}
}

func (p Purpose) String() string { return string(p) }

// LoginType selects the credential path for /login.
type LoginType string

const (
	LoginTypePassword LoginType = "password"
	LoginTypeOTP      LoginType = "otp"
)
