// Package nmosauth implements the Authorization Controller described by
// the IS-10 profile: discovering an authorization server, obtaining and
// refreshing bearer tokens for outbound calls, and validating the bearer
// tokens presented by clients of this node's own served APIs.
//
// TOKEN VALIDATION OVERVIEW:
//
// Every protected endpoint on the node's served surface requires a bearer
// token signed by the authorization server this node trusts. Validation
// checks, in order: signature (against the server's published JWKS),
// expiration, issuer, audience, and the x-nmos-api scope claim for the
// specific API and privilege level the endpoint requires.
//
// Unlike a user-login token, these are machine-to-machine tokens: there is
// no notion of a logged-in session, only a validated claim set attached to
// the request for the duration of the handler.
package nmosauth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the x-nmos-api claim shape carried by IS-10 access
// tokens, alongside the standard registered claims.
type Claims struct {
	// NmosAPI lists the APIs this token grants access to, each with the
	// read/write privilege URNs it was issued for. Per-API entries look
	// like {"name": "connection", "read": ["*"], "write": ["*"]}.
	NmosAPI []APIScope `json:"x-nmos-api"`

	jwt.RegisteredClaims
}

// APIScope is a single entry in the x-nmos-api claim.
type APIScope struct {
	Name  string   `json:"name"`
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// HasPrivilege reports whether the claim set grants the given privilege
// ("read" or "write") on the named API.
func (c *Claims) HasPrivilege(api, privilege string) bool {
	for _, scope := range c.NmosAPI {
		if scope.Name != api {
			continue
		}
		var urns []string
		switch privilege {
		case "read":
			urns = scope.Read
		case "write":
			urns = scope.Write
		}
		if len(urns) > 0 {
			return true
		}
	}
	return false
}

// Result classifies the outcome of validating a request's bearer token,
// matching the vocabulary an IS-10 resource server is expected to report.
type Result int

const (
	// ResultSucceeded means the token is valid and grants the requested
	// privilege.
	ResultSucceeded Result = iota
	// ResultWithoutAuthentication means no bearer token was presented.
	ResultWithoutAuthentication
	// ResultInsufficientScope means the token is valid but does not grant
	// the requested privilege on the requested API.
	ResultInsufficientScope
	// ResultNoMatchingKeys means no key in the cached JWKS verified the
	// token's signature; the caller should refetch keys and retry once.
	ResultNoMatchingKeys
	// ResultFailed means the token is malformed, expired, or otherwise
	// invalid independent of key matching.
	ResultFailed
)

// KeySet resolves a key ID to the public key that should verify it. It is
// satisfied by a JWKS cache kept current by the Authorization Controller's
// main state machine.
type KeySet interface {
	LookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, bool)
}

// Validator validates bearer tokens presented to this node's served APIs.
type Validator struct {
	keys     KeySet
	issuer   string
	audience string
}

// NewValidator creates a token validator bound to the given key set.
// issuer and audience are checked against the token's iss/aud claims when
// non-empty; leave them blank in test harnesses that do not care.
func NewValidator(keys KeySet, issuer, audience string) *Validator {
	return &Validator{keys: keys, issuer: issuer, audience: audience}
}

// Validate parses and verifies tokenString, then checks that it grants the
// requested privilege on the requested API.
//
// SECURITY: the signing method is constrained to RSA (RS256/RS384/RS512)
// before any key lookup happens, exactly like the HMAC-only restriction a
// symmetric validator would apply — this rejects "alg": "none" and any
// attempt to substitute a weaker algorithm.
func (v *Validator) Validate(ctx context.Context, tokenString, api, privilege string) (*Claims, Result, error) {
	var keyErr error
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		key, ok := v.keys.LookupKey(ctx, kid)
		if !ok {
			keyErr = fmt.Errorf("no matching key for kid %q", kid)
			return nil, keyErr
		}
		return key, nil
	})

	if keyErr != nil {
		// jwt.ParseWithClaims has already unmarshalled claims (including
		// Issuer) by this point even though verification never ran; return
		// it so the caller can target a JWKS refresh at the right issuer.
		return claims, ResultNoMatchingKeys, keyErr
	}
	if err != nil {
		return nil, ResultFailed, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, ResultFailed, errors.New("token marked invalid after parse")
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ResultFailed, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if v.audience != "" && !slices.Contains(claims.Audience, v.audience) {
		return nil, ResultFailed, fmt.Errorf("token not issued for audience %q", v.audience)
	}

	if !claims.HasPrivilege(api, privilege) {
		return claims, ResultInsufficientScope, nil
	}

	return claims, ResultSucceeded, nil
}

// ValidateHeader is a convenience wrapper over Validate that extracts the
// bearer token from an Authorization header value ("Bearer <token>").
func (v *Validator) ValidateHeader(ctx context.Context, authHeader, api, privilege string) (*Claims, Result, error) {
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		return nil, ResultWithoutAuthentication, errors.New("missing bearer token")
	}
	return v.Validate(ctx, authHeader[len(prefix):], api, privilege)
}

// tokenRemainingLife returns how long claims.ExpiresAt has left, used by
// the token-issuer helper goroutine to decide when a cached outbound token
// needs renewing well before it actually expires.
func tokenRemainingLife(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	return time.Until(claims.ExpiresAt.Time)
}
