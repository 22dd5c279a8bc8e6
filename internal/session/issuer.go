package session

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/amlakpars/marketplace-auth/internal/authflow/app"
	"github.com/amlakpars/marketplace-auth/internal/domain"
)

// Claims is the access token claim set. Phone is carried so downstream
// services can address the holder without a directory round trip.
type Claims struct {
	jwt.RegisteredClaims
	Phone string `json:"phone"`
}

// Compile-time interface satisfaction check.
var _ app.SessionIssuer = (*Issuer)(nil)

// Issuer mints signed RS256 access tokens for authenticated identities.
type Issuer struct {
	keyStore  KeyStore
	accessTTL time.Duration
	issuer    string
	audience  string
	clock     domain.Clock
}

// IssuerConfig holds configuration for creating an Issuer.
type IssuerConfig struct {
	KeyStore  KeyStore
	AccessTTL time.Duration
	Issuer    string
	Audience  string
	Clock     domain.Clock
}

// NewIssuer creates a new access token issuer. A zero AccessTTL falls back
// to the compiled default.
func NewIssuer(cfg IssuerConfig) *Issuer {
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = domain.AccessTokenLifetime
	}
	return &Issuer{
		keyStore:  cfg.KeyStore,
		accessTTL: ttl,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		clock:     cfg.Clock,
	}
}

// Issue creates a signed RS256 access token for the given identity.
func (i *Issuer) Issue(_ context.Context, identity app.Identity) (*app.Session, error) {
	privateKey, keyID, err := i.keyStore.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("get signing key: %w", err)
	}

	now := i.clock.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
			ID:        uuid.NewString(),
		},
		Phone: identity.Phone,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	return &app.Session{
		Token:     signed,
		ExpiresIn: i.accessTTL,
	}, nil
}

// Parse validates a signed access token and returns its claims. The key is
// resolved through the KeyStore by the kid header.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return i.keyStore.PublicKey(kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithTimeFunc(func() time.Time { return i.clock.Now() }),
	)
	if err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}
