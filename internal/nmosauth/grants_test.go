package nmosauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPKCEVerifier_ChallengeDerivedFromVerifier(t *testing.T) {
	pkce, err := NewPKCEVerifier()
	require.NoError(t, err)
	assert.NotEmpty(t, pkce.Verifier)
	assert.NotEmpty(t, pkce.Challenge)
	assert.NotEqual(t, pkce.Verifier, pkce.Challenge)

	other, err := NewPKCEVerifier()
	require.NoError(t, err)
	assert.NotEqual(t, pkce.Verifier, other.Verifier, "verifiers should be random per call")
}

func TestAuthorizationCodeURL_ContainsPKCEAndState(t *testing.T) {
	meta := &ServerMetadata{AuthURL: "https://auth.example.com/authorize", TokenURL: "https://auth.example.com/token"}
	pkce, err := NewPKCEVerifier()
	require.NoError(t, err)

	url := AuthorizationCodeURL(meta, "client-1", "https://node.example.com/callback", "state-123", pkce, "urn:x-nmos:capability:registration")
	assert.Contains(t, url, "code_challenge="+pkce.Challenge)
	assert.Contains(t, url, "code_challenge_method=S256")
	assert.Contains(t, url, "state=state-123")
	assert.Contains(t, url, "client_id=client-1")
}
