package nmosauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	josejwk "github.com/go-jose/go-jose/v4"

	"github.com/nmos-node/core/internal/cache"
)

// JWKSCache fetches and caches an authorization server's JSON Web Key Set,
// satisfying the Validator.KeySet interface. The Authorization
// Controller's periodic JWKS poll refreshes the cache it installed during
// establish(). The token-issuer helper's fetch after a ResultNoMatchingKeys
// builds a separate JWKSCache and discards it, so that fetch does not
// change the keys the validator sees.
type JWKSCache struct {
	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	issuer string
	jwksURL string
	client  *cache.Cache
	fetch   func(ctx context.Context, url string) ([]byte, error)
}

// NewJWKSCache creates a cache for the given issuer's key set. fetch
// performs the actual HTTP GET against jwksURL; passing a stub is how
// tests exercise refresh without a live authorization server.
func NewJWKSCache(issuer, jwksURL string, redis *cache.Cache, fetch func(ctx context.Context, url string) ([]byte, error)) *JWKSCache {
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		issuer:  issuer,
		jwksURL: jwksURL,
		client:  redis,
		fetch:   fetch,
	}
}

// Refresh fetches the current JWKS document and replaces the cached key
// set wholesale. Redis is consulted first (when enabled) so a process
// restart does not immediately hit the authorization server.
func (j *JWKSCache) Refresh(ctx context.Context) error {
	var raw []byte

	if j.client != nil && j.client.IsEnabled() {
		var cached struct {
			Raw []byte `json:"raw"`
		}
		if err := j.client.Get(ctx, cache.JWKSKey(j.issuer), &cached); err == nil {
			raw = cached.Raw
		}
	}

	if raw == nil {
		fetched, err := j.fetch(ctx, j.jwksURL)
		if err != nil {
			return fmt.Errorf("fetch jwks: %w", err)
		}
		raw = fetched
		if j.client != nil && j.client.IsEnabled() {
			_ = j.client.Set(ctx, cache.JWKSKey(j.issuer), struct {
				Raw []byte `json:"raw"`
			}{Raw: raw}, 10*time.Minute)
		}
	}

	var set josejwk.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, ok := k.Key.(*rsa.PublicKey)
		if !ok {
			continue
		}
		keys[k.KeyID] = pub
	}

	j.mu.Lock()
	j.keys = keys
	j.mu.Unlock()

	return nil
}

// LookupKey implements Validator.KeySet.
func (j *JWKSCache) LookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	key, ok := j.keys[keyID]
	return key, ok
}
