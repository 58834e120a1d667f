package nmosauth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertionSigner_Sign(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer := NewAssertionSigner("client-1", key, 0)
	token, err := signer.Sign("https://auth.example.com/token")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "client-1", claims.Issuer)
	assert.Equal(t, "client-1", claims.Subject)
	assert.Contains(t, claims.Audience, "https://auth.example.com/token")
	assert.NotEmpty(t, claims.ID)
}

func TestAssertionSigner_DefaultTTL(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer := NewAssertionSigner("client-1", key, 0)
	assert.Equal(t, 60*time.Second, signer.ttl)
}
