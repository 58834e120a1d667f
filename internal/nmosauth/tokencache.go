package nmosauth

import (
	"context"
	"time"

	"github.com/nmos-node/core/internal/cache"
)

// TokenCache caches the access tokens this node obtains from the
// authorization server, so the token-issuer helper does not request a new
// token on every outbound call while a previously issued one is still
// within its validity window.
//
// HOW IT WORKS:
//
//  1. Token Fetch: the token-issuer helper requests a token for a given
//     (client_id, scope) pair and stores it keyed by that pair.
//  2. Reuse: subsequent requests for the same pair return the cached
//     token until its TTL (matching the token's own expiry, minus a
//     safety margin) elapses.
//  3. Invalidation: a 401 from a downstream API forces immediate
//     eviction so the next request fetches fresh.
type TokenCache struct {
	cache *cache.Cache
}

// CachedToken is the value stored for a (client, scope) pair.
type CachedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewTokenCache creates a token cache backed by the given Redis wrapper.
// Passing a cache.Cache with Enabled: false degrades to always-miss, which
// the token-issuer helper treats the same as Redis being unreachable: it
// simply fetches a token every time.
func NewTokenCache(redis *cache.Cache) *TokenCache {
	return &TokenCache{cache: redis}
}

// Put stores a freshly obtained token, keyed by client and scope.
// expiresAt should be the token's own expiry; the store applies a 30
// second safety margin so a token is never handed out moments before it
// actually expires.
func (t *TokenCache) Put(ctx context.Context, clientID, scope string, token CachedToken) error {
	if !t.cache.IsEnabled() {
		return nil
	}

	ttl := time.Until(token.ExpiresAt) - 30*time.Second
	if ttl <= 0 {
		return nil
	}

	return t.cache.Set(ctx, cache.TokenKey(clientID, scope), token, ttl)
}

// Get returns a cached token for the given client and scope, if one is
// present and unexpired.
func (t *TokenCache) Get(ctx context.Context, clientID, scope string) (*CachedToken, bool) {
	if !t.cache.IsEnabled() {
		return nil, false
	}

	var token CachedToken
	if err := t.cache.Get(ctx, cache.TokenKey(clientID, scope), &token); err != nil {
		return nil, false
	}
	if time.Now().After(token.ExpiresAt) {
		return nil, false
	}
	return &token, true
}

// Invalidate evicts a cached token, e.g. after a downstream 401 tells us
// the token was revoked before its stated expiry.
func (t *TokenCache) Invalidate(ctx context.Context, clientID, scope string) error {
	if !t.cache.IsEnabled() {
		return nil
	}
	return t.cache.Delete(ctx, cache.TokenKey(clientID, scope))
}

// InvalidateAll clears every cached token, used when the authorization
// server's signing keys rotate and every previously issued token must be
// treated as suspect.
func (t *TokenCache) InvalidateAll(ctx context.Context) error {
	if !t.cache.IsEnabled() {
		return nil
	}
	return t.cache.DeletePattern(ctx, cache.AllTokensKey())
}

// IsEnabled reports whether the underlying cache is reachable.
func (t *TokenCache) IsEnabled() bool {
	return t.cache != nil && t.cache.IsEnabled()
}
