// Package otp provides the cryptographic primitives of the verification-code
// flow: code generation, phone hashing, and MAC computation for codes at rest.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// GenerateCode generates a cryptographically random numeric code of the given
// length, zero-padded (e.g. "000123"). crypto/rand with rejection sampling
// (via big.Int) avoids modulo bias; codes are never sequential or time-derived.
func GenerateCode(length int) (string, error) {
	if length < 4 || length > 10 {
		return "", fmt.Errorf("generate code: unsupported length %d", length)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// HashPhone returns the SHA-256 hex digest of a phone number. Used as the
// partition key in the challenge table and in rate-limit keys so raw numbers
// never reach the storage keyspace.
func HashPhone(phone string) string {
	h := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(h[:])
}

// ComputeCodeMAC computes HMAC-SHA256(pepper, code || phoneHash || expiresAt).
// The MAC binds the code to the specific challenge context (phone and expiry
// window), so a code can only ever validate against the challenge it was
// issued for.
func ComputeCodeMAC(pepper []byte, code, phoneHash, expiresAt string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(code))
	mac.Write([]byte(phoneHash))
	mac.Write([]byte(expiresAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCodeMAC verifies a code candidate against a stored MAC using
// constant-time comparison to prevent timing side-channels.
func VerifyCodeMAC(pepper []byte, candidate, phoneHash, expiresAt, storedMAC string) bool {
	candidateMAC := ComputeCodeMAC(pepper, candidate, phoneHash, expiresAt)
	return subtle.ConstantTimeCompare([]byte(candidateMAC), []byte(storedMAC)) == 1
}
