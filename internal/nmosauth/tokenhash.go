// This file implements secure hashing for client secrets and PKCE state
// values handled by the Authorization Controller.
//
// bcrypt is used for the confidential client secret issued during Dynamic
// Client Registration (long-lived, low volume, benefits from a slow,
// adaptive hash); SHA256 is used for the short-lived `state` value used
// in the authorization_code flow's CSRF check (high volume, needs fast
// constant-size comparison, and the value itself is already
// high-entropy random data rather than a human-chosen secret).
package nmosauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretHasher hashes and verifies client secrets and state values.
type SecretHasher struct {
	bcryptCost int
}

// NewSecretHasher creates a secret hasher using bcrypt's default cost.
func NewSecretHasher() *SecretHasher {
	return &SecretHasher{bcryptCost: bcrypt.DefaultCost}
}

// GenerateClientSecret generates a client secret for Dynamic Client
// Registration. Returns the plain secret (returned to the registrant once)
// and its bcrypt hash (persisted to the client registration record).
func (h *SecretHasher) GenerateClientSecret() (plain string, hashed string, err error) {
	bytes := make([]byte, 48)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("generate client secret: %w", err)
	}
	plain = base64.URLEncoding.EncodeToString(bytes)

	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(plain), h.bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("hash client secret: %w", err)
	}
	return plain, string(hashedBytes), nil
}

// VerifyClientSecret checks a presented client secret against its stored
// bcrypt hash.
func (h *SecretHasher) VerifyClientSecret(plain, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}

// GenerateState generates a random CSRF state value for the
// authorization_code flow, returned alongside its SHA256 hash so only the
// hash needs to be held server-side pending the callback.
func GenerateState() (plain string, hashed string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("generate state: %w", err)
	}
	plain = base64.URLEncoding.EncodeToString(bytes)
	hashed = hashSHA256(plain)
	return plain, hashed, nil
}

// VerifyState checks a returned state value against its stored hash.
func VerifyState(plain, hashed string) bool {
	return hashSHA256(plain) == hashed
}

func hashSHA256(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.URLEncoding.EncodeToString(sum[:])
}
