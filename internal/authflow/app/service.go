// Package app contains the authentication flows: OTP issuance, OTP
// verification, and login orchestration. It depends only on interfaces;
// adapters provide Redis, DynamoDB, and SMS implementations.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/otp"
)

var tracer = otel.Tracer("authflow/app")

var (
	otpIssuedTotal        metric.Int64Counter
	otpDeliveryFailsTotal metric.Int64Counter
	otpVerifiedTotal      metric.Int64Counter
	authFailuresTotal     metric.Int64Counter
	rateLimitsTotal       metric.Int64Counter
	sessionsIssuedTotal   metric.Int64Counter
)

func init() {
	m := otel.Meter("authflow/app")

	otpIssuedTotal, _ = m.Int64Counter("auth_otp_issued_total",
		metric.WithDescription("Total OTP challenges issued"))
	otpDeliveryFailsTotal, _ = m.Int64Counter("auth_otp_delivery_failures_total",
		metric.WithDescription("Total OTP SMS delivery failures"))
	otpVerifiedTotal, _ = m.Int64Counter("auth_otp_verified_total",
		metric.WithDescription("Total OTP challenges successfully verified"))
	authFailuresTotal, _ = m.Int64Counter("security_auth_failures_total",
		metric.WithDescription("Total authentication failures"))
	rateLimitsTotal, _ = m.Int64Counter("security_rate_limits_total",
		metric.WithDescription("Total rate limit hits"))
	sessionsIssuedTotal, _ = m.Int64Counter("auth_sessions_issued_total",
		metric.WithDescription("Total session tokens issued"))
}

// rateLimitKeyPrefix namespaces issuance counters in the shared Redis keyspace.
const rateLimitKeyPrefix = "otp_rate_limit:"

// Challenge represents one outstanding verification challenge as the app
// layer sees it. Structurally mirrors the adapter record; the code itself is
// stored only as a MAC.
type Challenge struct {
	PhoneHash string
	Purpose   domain.Purpose
	CodeMAC   string
	CreatedAt string
	ExpiresAt string
	Attempts  int
}

// Identity is the account view the login flow needs: the boolean gates that
// decide whether login may proceed, plus the stored credential hash.
type Identity struct {
	UserID          string
	Phone           string
	FullName        string
	Active          bool
	PhoneVerifiedAt string // RFC3339; empty means never verified
	CredentialHash  string // bcrypt hash of the password
}

// Session is the caller-facing credential produced by the SessionIssuer.
type Session struct {
	Token     string
	ExpiresIn time.Duration
}

// ChallengeStore persists verification challenges, one row per
// (phone, purpose) lifecycle. All mutations that affect an invariant are
// single atomic operations at the storage layer.
type ChallengeStore interface {
	// InvalidateActive removes any existing challenge for the pair so a new
	// one can supersede it. Idempotent: missing rows are not an error.
	InvalidateActive(ctx context.Context, phoneHash string, purpose domain.Purpose) error

	// Create persists a new challenge.
	Create(ctx context.Context, ch Challenge) error

	// FindActive returns the challenge only if it is unverified and unexpired;
	// anything else reports domain.ErrNotFound.
	FindActive(ctx context.Context, phoneHash string, purpose domain.Purpose) (*Challenge, error)

	// IncrementAttempts atomically increments the attempt count and returns
	// the new value. When the count reaches the attempt budget the store
	// removes the challenge as part of the same call.
	IncrementAttempts(ctx context.Context, phoneHash string, purpose domain.Purpose) (int, error)

	// MarkVerified performs the one-way verified transition. Returns false if
	// the challenge was already verified or has expired - at most one caller
	// ever sees true.
	MarkVerified(ctx context.Context, phoneHash string, purpose domain.Purpose, verifiedAt time.Time) (bool, error)

	// Delete removes a challenge unconditionally (delivery-failure rollback).
	Delete(ctx context.Context, phoneHash string, purpose domain.Purpose) error
}

// RateLimiter reserves one slot of the per-key request quota. The
// check-and-increment is a single atomic operation; retryAfter is the
// remaining window time when the reservation is denied.
type RateLimiter interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// IdentityDirectory looks up marketplace accounts. Account CRUD lives
// elsewhere; the auth core only reads the login gates and flips the
// phone-verified flag after registration verification.
type IdentityDirectory interface {
	FindByPhone(ctx context.Context, phone string) (*Identity, error)
	MarkPhoneVerified(ctx context.Context, phone string, verifiedAt time.Time) error
}

// SessionIssuer mints the caller-facing bearer credential once
// authentication succeeds. Opaque to the auth core.
type SessionIssuer interface {
	Issue(ctx context.Context, identity Identity) (*Session, error)
}

// AuthServiceConfig holds the dependencies for AuthService.
type AuthServiceConfig struct {
	Challenges ChallengeStore
	Limiter    RateLimiter
	Directory  IdentityDirectory
	Sessions   SessionIssuer
	Gateway    otp.MessageGateway
	Clock      domain.Clock
	Pepper     domain.SecretBytes
	Logger     *slog.Logger

	// SendLimit and SendWindow override the issuance rate-limit policy.
	// Zero values fall back to the domain defaults.
	SendLimit  int
	SendWindow time.Duration
}

// AuthService orchestrates OTP issuance, OTP verification, and login.
type AuthService struct {
	challenges ChallengeStore
	limiter    RateLimiter
	directory  IdentityDirectory
	sessions   SessionIssuer
	gateway    otp.MessageGateway
	clock      domain.Clock
	pepper     domain.SecretBytes
	logger     *slog.Logger
	sendLimit  int
	sendWindow time.Duration
	bgWG       sync.WaitGroup // owns background goroutines (welcome SMS)
}

// NewAuthService creates a new AuthService with the given dependencies.
func NewAuthService(cfg AuthServiceConfig) *AuthService {
	if cfg.SendLimit <= 0 {
		cfg.SendLimit = domain.OTPSendLimitPerWindow
	}
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = domain.OTPSendWindow
	}
	return &AuthService{
		challenges: cfg.Challenges,
		limiter:    cfg.Limiter,
		directory:  cfg.Directory,
		sessions:   cfg.Sessions,
		gateway:    cfg.Gateway,
		clock:      cfg.Clock,
		pepper:     cfg.Pepper,
		logger:     cfg.Logger,
		sendLimit:  cfg.SendLimit,
		sendWindow: cfg.SendWindow,
	}
}

// Wait blocks until all background goroutines owned by this service complete.
// The caller (wiring layer) must invoke this during graceful shutdown.
func (s *AuthService) Wait() {
	s.bgWG.Wait()
}
