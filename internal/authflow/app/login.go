package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"

	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/observability"
)

// LoginResult is returned by Login. Either Session is set (authenticated) or
// Pending is true (an OTP was issued and a follow-up verify call completes
// the flow).
type LoginResult struct {
	Identity *Identity
	Session  *Session

	Pending      bool
	OTPExpiresAt time.Time
}

// Login is the top-level authentication flow: resolve the account, apply the
// account-state gates, then dispatch to the password or OTP path.
//
// For the OTP path an empty otpCode starts the flow (a code is issued and the
// caller receives a pending result); a non-empty otpCode completes it.
func (s *AuthService) Login(ctx context.Context, phone string, loginType domain.LoginType, password, otpCode string) (*LoginResult, error) {
	ctx, span := tracer.Start(ctx, "auth.login")
	defer span.End()
	span.SetAttributes(attribute.String("auth.login_type", string(loginType)))

	logger := observability.WithTraceID(ctx, s.logger)

	if _, err := domain.NewPhoneNumber(phone); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ident, err := s.identifyForLogin(ctx, phone)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "policy_gate")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	switch loginType {
	case domain.LoginTypePassword:
		return s.loginWithPassword(ctx, ident, password)

	case domain.LoginTypeOTP:
		if otpCode == "" {
			issued, issueErr := s.IssueOTP(ctx, phone, domain.PurposeLogin)
			if issueErr != nil {
				return nil, issueErr
			}
			logger.InfoContext(ctx, "auth.login_otp_requested", "user_id", ident.UserID)
			return &LoginResult{Identity: ident, Pending: true, OTPExpiresAt: issued.ExpiresAt}, nil
		}
		if _, verifyErr := s.VerifyOTP(ctx, phone, otpCode, domain.PurposeLogin); verifyErr != nil {
			return nil, verifyErr
		}
		return s.establishSession(ctx, ident, "otp")

	default:
		return nil, domain.ErrUnknownLoginType
	}
}

// identifyForLogin resolves the account and applies the policy gates:
// missing account, inactive account, never-verified phone.
func (s *AuthService) identifyForLogin(ctx context.Context, phone string) (*Identity, error) {
	ident, err := s.directory.FindByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}

	if !ident.Active {
		return nil, domain.ErrAccountInactive
	}
	if ident.PhoneVerifiedAt == "" {
		return nil, domain.ErrPhoneUnverified
	}

	return ident, nil
}

// loginWithPassword compares the submitted password against the stored
// bcrypt hash.
func (s *AuthService) loginWithPassword(ctx context.Context, ident *Identity, password string) (*LoginResult, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(ident.CredentialHash), []byte(password)); err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "bad_credential")))
		observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "auth.password_rejected", "user_id", ident.UserID)
		return nil, domain.ErrBadCredential
	}
	return s.establishSession(ctx, ident, "password")
}

// establishSession calls the external SessionIssuer for an authenticated
// identity.
func (s *AuthService) establishSession(ctx context.Context, ident *Identity, method string) (*LoginResult, error) {
	sess, err := s.sessions.Issue(ctx, *ident)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	sessionsIssuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "auth.session_issued",
		"user_id", ident.UserID, "method", method)

	return &LoginResult{Identity: ident, Session: sess}, nil
}
