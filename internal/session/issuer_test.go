package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amlakpars/marketplace-auth/internal/authflow/app"
	"github.com/amlakpars/marketplace-auth/internal/domain/domaintest"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func testIdentity() app.Identity {
	return app.Identity{
		UserID: "u-7",
		Phone:  "09123456789",
		Active: true,
	}
}

func newTestIssuer(t *testing.T) (*Issuer, *domaintest.FakeClock) {
	t.Helper()
	clock := domaintest.NewFakeClock(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	iss := NewIssuer(IssuerConfig{
		KeyStore:  NewStaticKeyStore(testKey(t), "key-1"),
		AccessTTL: time.Hour,
		Issuer:    "marketplace-auth",
		Audience:  "marketplace-api",
		Clock:     clock,
	})
	return iss, clock
}

func TestIssuer_Issue(t *testing.T) {
	t.Run("round trip preserves the claims", func(t *testing.T) {
		iss, _ := newTestIssuer(t)

		sess, err := iss.Issue(context.Background(), testIdentity())
		require.NoError(t, err)
		assert.Equal(t, time.Hour, sess.ExpiresIn)
		require.NotEmpty(t, sess.Token)

		claims, err := iss.Parse(sess.Token)
		require.NoError(t, err)
		assert.Equal(t, "u-7", claims.Subject)
		assert.Equal(t, "09123456789", claims.Phone)
		assert.Equal(t, "marketplace-auth", claims.Issuer)
		assert.NotEmpty(t, claims.ID, "every token carries a unique jti")
	})

	t.Run("tokens get distinct jtis", func(t *testing.T) {
		iss, _ := newTestIssuer(t)

		first, err := iss.Issue(context.Background(), testIdentity())
		require.NoError(t, err)
		second, err := iss.Issue(context.Background(), testIdentity())
		require.NoError(t, err)

		a, err := iss.Parse(first.Token)
		require.NoError(t, err)
		b, err := iss.Parse(second.Token)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("expired tokens fail to parse", func(t *testing.T) {
		iss, clock := newTestIssuer(t)

		sess, err := iss.Issue(context.Background(), testIdentity())
		require.NoError(t, err)

		clock.Advance(time.Hour + time.Minute)

		_, err = iss.Parse(sess.Token)
		require.Error(t, err)
	})

	t.Run("token signed by an unknown key fails to parse", func(t *testing.T) {
		iss, _ := newTestIssuer(t)
		other, _ := newTestIssuer(t)

		sess, err := other.Issue(context.Background(), testIdentity())
		require.NoError(t, err)

		_, err = iss.Parse(sess.Token)
		require.Error(t, err)
	})

	t.Run("zero TTL falls back to the default", func(t *testing.T) {
		clock := domaintest.NewFakeClock(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
		iss := NewIssuer(IssuerConfig{
			KeyStore: NewStaticKeyStore(testKey(t), "key-1"),
			Issuer:   "marketplace-auth",
			Audience: "marketplace-api",
			Clock:    clock,
		})

		sess, err := iss.Issue(context.Background(), testIdentity())
		require.NoError(t, err)
		assert.Greater(t, sess.ExpiresIn, time.Duration(0))
	})
}

func TestNewKeyStoreFromPEM(t *testing.T) {
	t.Run("parses a PKCS#1 key", func(t *testing.T) {
		key := testKey(t)
		pemBytes := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})

		ks, err := NewKeyStoreFromPEM(pemBytes, "key-1")
		require.NoError(t, err)

		got, kid, err := ks.SigningKey()
		require.NoError(t, err)
		assert.Equal(t, "key-1", kid)
		assert.True(t, key.Equal(got))
	})

	t.Run("parses a PKCS#8 key", func(t *testing.T) {
		key := testKey(t)
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

		_, err = NewKeyStoreFromPEM(pemBytes, "key-1")
		require.NoError(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := NewKeyStoreFromPEM([]byte("not a key"), "key-1")
		require.Error(t, err)
	})
}
