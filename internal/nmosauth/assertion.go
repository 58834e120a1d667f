package nmosauth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AssertionSigner mints short-lived JWT assertions this node presents as
// its own client credential under the private_key_jwt client
// authentication method, instead of a shared client secret.
//
// TOKEN STRUCTURE:
//
//	{
//	  "iss": "<client_id>",   // this node's registered client ID
//	  "sub": "<client_id>",   // same as issuer for self-asserting clients
//	  "aud": "<token_endpoint>",
//	  "jti": "<random>",      // single-use, prevents replay
//	  "exp": now + 60s        // deliberately short-lived
//	}
type AssertionSigner struct {
	clientID   string
	privateKey *rsa.PrivateKey
	ttl        time.Duration
}

// NewAssertionSigner creates a signer for the given client ID and RSA
// private key. ttl defaults to 60 seconds, matching the narrow validity
// window recommended for private_key_jwt assertions.
func NewAssertionSigner(clientID string, privateKey *rsa.PrivateKey, ttl time.Duration) *AssertionSigner {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &AssertionSigner{clientID: clientID, privateKey: privateKey, ttl: ttl}
}

// Sign produces a signed assertion for a request to tokenEndpoint.
func (s *AssertionSigner) Sign(tokenEndpoint string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{tokenEndpoint},
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

// ClientAssertionType is the value of the client_assertion_type form
// parameter for private_key_jwt, per RFC 7523.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
