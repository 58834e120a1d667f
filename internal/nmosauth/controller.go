package nmosauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmos-node/core/internal/discovery"
	"github.com/nmos-node/core/internal/logger"
)

// ClientRegistration is the persisted record of this node's Dynamic
// Client Registration with an authorization server, written to
// {seed_id}.json under a permission-restricted directory.
type ClientRegistration struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash         string    `json:"client_secret_hash,omitempty"`
	RegistrationAccessToken  string    `json:"registration_access_token,omitempty"`
	RegistrationClientURI    string    `json:"registration_client_uri,omitempty"`
	ExpiresAt                time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the registration needs to be redone.
func (c *ClientRegistration) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Controller runs the two cooperating state machines of the
// Authorization Controller: the main discovery/registration/operation
// loop, and the token-issuer helper that reacts to unknown-issuer
// validation failures reported by the served API.
type Controller struct {
	discoverer discovery.Discoverer
	privateKey *rsa.PrivateKey
	tokens     *TokenCache
	log        *zerolog.Logger

	seedID          string
	registrationDir string
	nodeHostname    string

	requestedScope string

	fetchJWKSIntervalMin time.Duration
	fetchJWKSIntervalMax time.Duration
	tokenRefreshInterval time.Duration
	requestTimeout       time.Duration

	mu       sync.RWMutex
	meta     *ServerMetadata
	jwks     *JWKSCache
	registration *ClientRegistration

	fetchIssuerPubkeys chan string // issuer URL requested by a resource-server validation failure

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles the Controller's tunables, pulled from the process
// configuration at startup.
type Config struct {
	SeedID                  string
	RegistrationDir         string
	NodeHostname            string
	RequestedScope          string
	FetchJWKSIntervalMin    time.Duration
	FetchJWKSIntervalMax    time.Duration
	TokenRefreshInterval    time.Duration
	RequestTimeout          time.Duration
}

// New creates an authorization controller. privateKey signs this node's
// private_key_jwt client assertions; tokens caches outbound access
// tokens keyed by (client_id, scope).
func New(discoverer discovery.Discoverer, privateKey *rsa.PrivateKey, tokens *TokenCache, cfg Config) *Controller {
	return &Controller{
		discoverer:           discoverer,
		privateKey:           privateKey,
		tokens:               tokens,
		log:                  logger.Auth(),
		seedID:               cfg.SeedID,
		registrationDir:      cfg.RegistrationDir,
		nodeHostname:         cfg.NodeHostname,
		requestedScope:       cfg.RequestedScope,
		fetchJWKSIntervalMin: cfg.FetchJWKSIntervalMin,
		fetchJWKSIntervalMax: cfg.FetchJWKSIntervalMax,
		tokenRefreshInterval: cfg.TokenRefreshInterval,
		requestTimeout:       cfg.RequestTimeout,
		fetchIssuerPubkeys:   make(chan string, 8),
		stopCh:               make(chan struct{}),
		doneCh:               make(chan struct{}),
	}
}

// CurrentJWKS returns the validator-facing key set, or nil before the
// controller has completed discovery at least once.
func (c *Controller) CurrentJWKS() *JWKSCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwks
}

// CurrentMetadata returns the authorization server metadata resolved by
// the controller's last successful establish(), or nil before any
// discovery has completed.
func (c *Controller) CurrentMetadata() *ServerMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// ClientID returns this node's registered client_id, or "" before
// client_registration has completed.
func (c *Controller) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.registration == nil {
		return ""
	}
	return c.registration.ClientID
}

// CacheToken stores a token obtained outside the controller's own
// client_credentials loop (e.g. an authorization_code exchange
// completed by the served API's callback handler) under this node's
// client_id, so AccessTokenRefreshInterval polling and outbound calls
// see it the same way as a self-refreshed token.
func (c *Controller) CacheToken(ctx context.Context, scope string, token CachedToken) error {
	if c.tokens == nil {
		return nil
	}
	return c.tokens.Put(ctx, c.ClientID(), scope, token)
}

// KeySet returns a Validator.KeySet backed by this controller's current
// JWKS, re-resolved on every lookup so a bearer-token validator built
// once at startup always sees the latest refreshed keys.
func (c *Controller) KeySet() KeySet {
	return controllerKeySet{c: c}
}

// controllerKeySet defers to Controller.CurrentJWKS() per call rather
// than capturing one JWKSCache, since the cache instance itself is
// replaced each time establish() runs against a newly discovered
// authorization server.
type controllerKeySet struct {
	c *Controller
}

func (k controllerKeySet) LookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, bool) {
	jwks := k.c.CurrentJWKS()
	if jwks == nil {
		return nil, false
	}
	return jwks.LookupKey(ctx, keyID)
}

// RequestIssuerKeys sets the fetch_token_issuer_pubkeys flag for the
// given issuer, waking the token-issuer helper. Called by the served
// API's bearer-token validation path when it sees ResultNoMatchingKeys
// for an issuer it does not yet have keys for.
func (c *Controller) RequestIssuerKeys(issuer string) {
	select {
	case c.fetchIssuerPubkeys <- issuer:
	default:
		c.log.Warn().Str("issuer", issuer).Msg("fetch_token_issuer_pubkeys channel full, dropping request")
	}
}

// Run starts both state machines and blocks until ctx is cancelled or
// Stop is called.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.doneCh)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runMain(ctx)
	}()
	go func() {
		defer wg.Done()
		c.runTokenIssuerHelper(ctx)
	}()
	wg.Wait()
}

// Stop requests both state machines to exit and waits for them to do
// so.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// runMain implements discovery → request_server_metadata →
// client_registration → authorization_operation, escalating back to
// discovery on any unrecoverable error.
func (c *Controller) runMain(ctx context.Context) {
	backoff := c.fetchJWKSIntervalMin
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		instances, err := c.discoverer.Browse(ctx, discovery.ServiceAuth)
		if err != nil || len(instances) == 0 {
			c.log.Warn().Err(err).Msg("no authorization server discovered")
			if !sleepCtx(ctx, c.stopCh, backoff) {
				return
			}
			continue
		}

		issuerURL := authServerURL(instances[0])
		if err := c.establish(ctx, issuerURL); err != nil {
			c.log.Warn().Err(err).Str("issuer", issuerURL).Msg("failed to establish authorization operation, retrying")
			if !sleepCtx(ctx, c.stopCh, backoff) {
				return
			}
			continue
		}

		c.operate(ctx)

		if !sleepCtx(ctx, c.stopCh, backoff) {
			return
		}
	}
}

// establish performs request_server_metadata and client_registration,
// leaving the controller ready for authorization_operation.
func (c *Controller) establish(ctx context.Context, issuerURL string) error {
	meta, err := DiscoverServer(ctx, issuerURL)
	if err != nil {
		return fmt.Errorf("request_server_metadata: %w", err)
	}

	reg, err := c.loadOrRegisterClient(ctx, meta)
	if err != nil {
		return fmt.Errorf("client_registration: %w", err)
	}

	jwks := NewJWKSCache(meta.Issuer, meta.JWKSURL, nil, httpFetch)
	if err := jwks.Refresh(ctx); err != nil {
		return fmt.Errorf("initial jwks fetch: %w", err)
	}

	c.mu.Lock()
	c.meta = meta
	c.registration = reg
	c.jwks = jwks
	c.mu.Unlock()

	return nil
}

// loadOrRegisterClient reads a persisted registration from
// {registrationDir}/{seedID}.json, re-registering if absent or expired.
func (c *Controller) loadOrRegisterClient(ctx context.Context, meta *ServerMetadata) (*ClientRegistration, error) {
	path := filepath.Join(c.registrationDir, c.seedID+".json")

	if reg, err := readRegistration(path); err == nil && !reg.Expired() {
		return reg, nil
	}

	hasher := NewSecretHasher()
	_, secretHash, err := hasher.GenerateClientSecret()
	if err != nil {
		return nil, err
	}

	reg := &ClientRegistration{
		ClientID:         "nmos-node-" + c.seedID,
		ClientSecretHash: secretHash,
	}

	if err := writeRegistration(path, reg); err != nil {
		return nil, fmt.Errorf("persist client registration: %w", err)
	}
	return reg, nil
}

func readRegistration(path string) (*ClientRegistration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg ClientRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// writeRegistration persists reg with 0600 file permissions inside a
// 0700 directory, matching the defensive-file-handling discipline used
// throughout this node for anything holding credential material.
func writeRegistration(path string, reg *ClientRegistration) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// operate runs the JWKS polling loop and the token refresh loop
// concurrently until either errors or the context is done.
func (c *Controller) operate(ctx context.Context) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.jwksPollLoop(opCtx, cancel)
	}()
	go func() {
		defer wg.Done()
		c.tokenRefreshLoop(opCtx, cancel)
	}()
	wg.Wait()
}

func (c *Controller) jwksPollLoop(ctx context.Context, escalate context.CancelFunc) {
	for {
		interval := randomInterval(c.fetchJWKSIntervalMin, c.fetchJWKSIntervalMax)
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}

		jwks := c.CurrentJWKS()
		if jwks == nil {
			continue
		}
		if err := jwks.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("jwks refresh failed, escalating to rediscovery")
			escalate()
			return
		}
	}
}

func (c *Controller) tokenRefreshLoop(ctx context.Context, escalate context.CancelFunc) {
	interval := c.tokenRefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}

		c.mu.RLock()
		meta, reg := c.meta, c.registration
		c.mu.RUnlock()
		if meta == nil || reg == nil {
			continue
		}

		var signer *AssertionSigner
		if c.privateKey != nil {
			signer = NewAssertionSigner(reg.ClientID, c.privateKey, 0)
		}

		token, err := ClientCredentialsGrant(ctx, meta, reg.ClientID, signer, c.requestedScope)
		if err != nil {
			c.log.Warn().Err(err).Msg("token refresh failed, escalating to rediscovery")
			escalate()
			return
		}

		if c.tokens != nil {
			_ = c.tokens.Put(ctx, reg.ClientID, c.requestedScope, CachedToken{
				AccessToken: token.AccessToken,
				TokenType:   token.TokenType,
				ExpiresAt:   token.Expiry,
			})
		}
	}
}

// runTokenIssuerHelper waits on fetch_token_issuer_pubkeys requests from
// the served API's token validation path and resolves them one at a
// time: discover the issuer's metadata, then a one-shot JWKS fetch. The
// fetched keys are only logged; they are not added to the key set that
// KeySet() hands the validator.
func (c *Controller) runTokenIssuerHelper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case issuer := <-c.fetchIssuerPubkeys:
			c.resolveIssuer(ctx, issuer)
		}
	}
}

func (c *Controller) resolveIssuer(ctx context.Context, issuer string) {
	meta, err := DiscoverServer(ctx, issuer)
	if err != nil {
		c.log.Warn().Err(err).Str("issuer", issuer).Msg("token-issuer helper: failed to discover unknown issuer")
		return
	}

	jwks := NewJWKSCache(issuer, meta.JWKSURL, nil, httpFetch)
	if err := jwks.Refresh(ctx); err != nil {
		c.log.Warn().Err(err).Str("issuer", issuer).Msg("token-issuer helper: jwks fetch failed")
		return
	}

	c.log.Info().Str("issuer", issuer).Msg("token-issuer helper: resolved unknown issuer")
}

func randomInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

func authServerURL(inst discovery.Instance) string {
	scheme := "http"
	if inst.TXT["api_proto"] == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, inst.Host, inst.Port)
}

// httpFetch is the default JWKSCache fetch function, performing a plain
// GET against the authorization server's published jwks_uri.
func httpFetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
