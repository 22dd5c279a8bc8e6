package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/observability"
	"github.com/amlakpars/marketplace-auth/internal/otp"
)

// VerifyResult is returned by VerifyOTP on success.
type VerifyResult struct {
	VerifiedAt time.Time
}

// VerifyOTP validates a submitted code against the active challenge for the
// (phone, purpose) pair. Missing, expired, already-verified and exhausted
// challenges all surface as domain.ErrInvalidOTP so the endpoint leaks
// nothing about which case applies. A wrong code returns CodeMismatchError
// with the remaining budget; the submission that spends the last attempt
// permanently invalidates the challenge.
func (s *AuthService) VerifyOTP(ctx context.Context, phone, candidate string, purpose domain.Purpose) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "auth.verify_otp")
	defer span.End()
	span.SetAttributes(attribute.String("otp.purpose", purpose.String()))

	logger := observability.WithTraceID(ctx, s.logger)

	if _, err := domain.NewPhoneNumber(phone); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	phoneHash := otp.HashPhone(phone)

	ch, err := s.challenges.FindActive(ctx, phoneHash, purpose)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_otp")))
			logger.InfoContext(ctx, "auth.otp_rejected", "phone_hash", phoneHash, "purpose", purpose.String())
			return nil, domain.ErrInvalidOTP
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find active challenge: %w", err)
	}

	// Exhausted challenges are deleted by IncrementAttempts, so this guards
	// stale reads only.
	if ch.Attempts >= domain.MaxOTPVerifyAttempts {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "attempts_exceeded")))
		return nil, domain.ErrAttemptsExceeded
	}

	if !otp.VerifyCodeMAC(s.pepper.Expose(), candidate, phoneHash, ch.ExpiresAt, ch.CodeMAC) {
		newCount, incErr := s.challenges.IncrementAttempts(ctx, phoneHash, purpose)
		if incErr != nil {
			// A concurrent submission exhausted or superseded the challenge
			// between the read and the increment.
			if errors.Is(incErr, domain.ErrNotFound) {
				authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_otp")))
				return nil, domain.ErrInvalidOTP
			}
			span.RecordError(incErr)
			span.SetStatus(codes.Error, incErr.Error())
			return nil, fmt.Errorf("record failed attempt: %w", incErr)
		}

		remaining := domain.MaxOTPVerifyAttempts - newCount
		if remaining < 0 {
			remaining = 0
		}

		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "code_mismatch")))
		logger.InfoContext(ctx, "auth.otp_mismatch",
			"phone_hash", phoneHash, "purpose", purpose.String(), "remaining_attempts", remaining)
		return nil, &domain.CodeMismatchError{RemainingAttempts: remaining}
	}

	verifiedAt := s.clock.Now().UTC()
	won, err := s.challenges.MarkVerified(ctx, phoneHash, purpose, verifiedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("mark challenge verified: %w", err)
	}
	if !won {
		// A concurrent call with the same correct code got there first; the
		// code must not validate twice.
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "already_verified")))
		return nil, domain.ErrInvalidOTP
	}

	otpVerifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose.String())))
	logger.InfoContext(ctx, "auth.otp_verified", "phone_hash", phoneHash, "purpose", purpose.String())

	return &VerifyResult{VerifiedAt: verifiedAt}, nil
}

// RegistrationResult is returned by VerifyRegistrationOTP on success.
type RegistrationResult struct {
	UserID     string
	VerifiedAt time.Time
}

// VerifyRegistrationOTP completes phone verification for a newly registered
// account: it consumes the register-purpose challenge, flips the account's
// phone-verified flag, and fires the welcome SMS. The welcome notice is
// best-effort and runs on a service-owned goroutine so a slow gateway never
// delays the response.
func (s *AuthService) VerifyRegistrationOTP(ctx context.Context, phone, candidate string) (*RegistrationResult, error) {
	ctx, span := tracer.Start(ctx, "auth.verify_registration")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	res, err := s.VerifyOTP(ctx, phone, candidate, domain.PurposeRegister)
	if err != nil {
		return nil, err
	}

	ident, err := s.directory.FindByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find account: %w", err)
	}

	if err := s.directory.MarkPhoneVerified(ctx, phone, res.VerifiedAt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("mark phone verified: %w", err)
	}

	// Detach from the request context so cancellation of the HTTP request
	// does not kill the in-flight send. WithoutCancel preserves trace values
	// for structured logging.
	smsCtx := context.WithoutCancel(ctx)
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		sendCtx, cancel := context.WithTimeout(smsCtx, domain.SMSTimeout)
		defer cancel()
		if sendErr := s.gateway.Send(sendCtx, phone, otp.RenderWelcomeMessage(ident.FullName)); sendErr != nil {
			s.logger.ErrorContext(smsCtx, "failed to send welcome SMS",
				"error", sendErr, "user_id", ident.UserID)
		}
	}()

	logger.InfoContext(ctx, "auth.phone_verified", "user_id", ident.UserID)

	return &RegistrationResult{UserID: ident.UserID, VerifiedAt: res.VerifiedAt}, nil
}
