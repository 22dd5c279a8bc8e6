package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/observability"
	"github.com/amlakpars/marketplace-auth/internal/otp"
)

// IssueResult is returned by IssueOTP on success. The code itself is never
// part of the result; it only travels over the SMS gateway.
type IssueResult struct {
	ExpiresAt time.Time
}

// IssueOTP reserves a rate-limit slot, supersedes any active challenge for
// the (phone, purpose) pair, persists a fresh challenge, and delivers the
// code. A failed delivery rolls the challenge back: a code the user never
// received must not stay guessable. The consumed rate-limit slot is not
// refunded on delivery failure; that mirrors the reference policy.
func (s *AuthService) IssueOTP(ctx context.Context, phone string, purpose domain.Purpose) (*IssueResult, error) {
	ctx, span := tracer.Start(ctx, "auth.issue_otp")
	defer span.End()
	span.SetAttributes(attribute.String("otp.purpose", purpose.String()))

	logger := observability.WithTraceID(ctx, s.logger)

	if _, err := domain.NewPhoneNumber(phone); err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_phone")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	phoneHash := otp.HashPhone(phone)

	// Atomic check-and-increment; Redis errors deny issuance (fail-closed).
	allowed, retryAfter, err := s.limiter.Reserve(
		ctx,
		rateLimitKeyPrefix+phoneHash,
		s.sendLimit,
		s.sendWindow,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reserve rate limit slot: %w", err)
	}
	if !allowed {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", "issue_otp"),
		))
		span.SetStatus(codes.Error, "phone rate limited")
		return nil, &domain.RateLimitedError{RetryAfter: retryAfter}
	}

	if err := s.challenges.InvalidateActive(ctx, phoneHash, purpose); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("invalidate previous challenge: %w", err)
	}

	code, err := otp.GenerateCode(domain.OTPLength)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate code: %w", err)
	}

	now := s.clock.Now().UTC()
	expiresAt := now.Add(domain.OTPValidityDuration)
	expiresAtStr := expiresAt.Format(time.RFC3339)

	ch := Challenge{
		PhoneHash: phoneHash,
		Purpose:   purpose,
		CodeMAC:   otp.ComputeCodeMAC(s.pepper.Expose(), code, phoneHash, expiresAtStr),
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: expiresAtStr,
		Attempts:  0,
	}
	if err := s.challenges.Create(ctx, ch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	// Delivery is synchronous and bounded: the challenge only survives if the
	// gateway accepted the message.
	sendCtx, cancel := context.WithTimeout(ctx, domain.SMSTimeout)
	defer cancel()
	validityMinutes := int(domain.OTPValidityDuration.Minutes())
	if sendErr := s.gateway.Send(sendCtx, phone, otp.RenderCodeMessage(code, validityMinutes)); sendErr != nil {
		otpDeliveryFailsTotal.Add(ctx, 1)
		logger.ErrorContext(ctx, "otp delivery failed, rolling back challenge",
			"error", sendErr, "phone_hash", phoneHash, "purpose", purpose.String())

		// The rollback must run even when the request context is already
		// canceled (client gone mid-send); an undelivered code must not stay
		// guessable for the rest of its validity window.
		delCtx, delCancel := context.WithTimeout(context.WithoutCancel(ctx), domain.DynamoDBTimeout)
		defer delCancel()
		if delErr := s.challenges.Delete(delCtx, phoneHash, purpose); delErr != nil {
			logger.ErrorContext(ctx, "failed to roll back undelivered challenge",
				"error", delErr, "phone_hash", phoneHash)
		}

		span.RecordError(sendErr)
		span.SetStatus(codes.Error, sendErr.Error())
		return nil, fmt.Errorf("send code: %w", domain.ErrDeliveryFailed)
	}

	otpIssuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose.String())))
	logger.InfoContext(ctx, "auth.otp_issued", "phone_hash", phoneHash, "purpose", purpose.String())

	return &IssueResult{ExpiresAt: expiresAt}, nil
}
