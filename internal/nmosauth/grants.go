// This file implements the OAuth2 grant flows the token-issuer helper
// goroutine drives against the authorization server: client_credentials
// for service-to-service access, authorization_code with PKCE for flows
// that need a resource owner, and refresh_token to renew either without
// a fresh round trip through the resource owner.
package nmosauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ServerMetadata holds the subset of authorization server metadata the
// controller needs, resolved during the request_server_metadata state.
type ServerMetadata struct {
	Issuer        string
	TokenURL      string
	AuthURL       string
	JWKSURL       string
	RegisterURL   string
}

// DiscoverServer performs OIDC-flavoured discovery of an authorization
// server's metadata document, reusing go-oidc's provider discovery since
// IS-10's server metadata is a superset of the OIDC discovery document.
func DiscoverServer(ctx context.Context, issuerURL string) (*ServerMetadata, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover authorization server metadata: %w", err)
	}

	var claims struct {
		JWKSURI               string `json:"jwks_uri"`
		RegistrationEndpoint  string `json:"registration_endpoint"`
	}
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode authorization server metadata: %w", err)
	}

	endpoint := provider.Endpoint()
	return &ServerMetadata{
		Issuer:      issuerURL,
		TokenURL:    endpoint.TokenURL,
		AuthURL:     endpoint.AuthURL,
		JWKSURL:     claims.JWKSURI,
		RegisterURL: claims.RegistrationEndpoint,
	}, nil
}

// ClientCredentialsGrant fetches an access token using the
// client_credentials grant, optionally authenticating with a
// private_key_jwt assertion instead of a shared client secret.
func ClientCredentialsGrant(ctx context.Context, meta *ServerMetadata, clientID string, signer *AssertionSigner, scope string) (*oauth2.Token, error) {
	cfg := &clientcredentials.Config{
		TokenURL: meta.TokenURL,
		Scopes:   []string{scope},
	}

	if signer != nil {
		assertion, err := signer.Sign(meta.TokenURL)
		if err != nil {
			return nil, fmt.Errorf("sign client assertion: %w", err)
		}
		cfg.EndpointParams = map[string][]string{
			"client_assertion_type": {ClientAssertionType},
			"client_assertion":      {assertion},
		}
	} else {
		cfg.ClientID = clientID
	}

	token, err := cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client_credentials exchange: %w", err)
	}
	return token, nil
}

// PKCEVerifier generates the code_verifier/code_challenge pair for an
// authorization_code flow with PKCE (RFC 7636, S256 method).
type PKCEVerifier struct {
	Verifier  string
	Challenge string
}

// NewPKCEVerifier generates a fresh verifier/challenge pair.
func NewPKCEVerifier() (*PKCEVerifier, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return &PKCEVerifier{Verifier: verifier, Challenge: challenge}, nil
}

// AuthorizationCodeURL builds the authorization request URL for an
// authorization_code + PKCE flow.
func AuthorizationCodeURL(meta *ServerMetadata, clientID, redirectURI, state string, pkce *PKCEVerifier, scope string) string {
	cfg := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: meta.AuthURL, TokenURL: meta.TokenURL},
		Scopes:      []string{scope},
	}
	return cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeAuthorizationCode completes an authorization_code + PKCE flow.
func ExchangeAuthorizationCode(ctx context.Context, meta *ServerMetadata, clientID, redirectURI, code string, pkce *PKCEVerifier) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: meta.AuthURL, TokenURL: meta.TokenURL},
	}
	token, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", pkce.Verifier))
	if err != nil {
		return nil, fmt.Errorf("authorization_code exchange: %w", err)
	}
	return token, nil
}

// RefreshGrant renews a token using its refresh_token.
func RefreshGrant(ctx context.Context, meta *ServerMetadata, clientID string, refreshToken string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: meta.TokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh_token exchange: %w", err)
	}
	return token, nil
}
