package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	josejwk "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	apperrors "github.com/nmos-node/core/internal/errors"
	"github.com/nmos-node/core/internal/nmosauth"
)

// authHandlers implements the x-authorization surface: the endpoint
// that originates an authorization_code + PKCE flow (for the rare
// deployment where a resource owner must grant this node scope rather
// than client_credentials alone), the callback that completes it, and
// this node's own JWKS document for authorization servers validating
// its private_key_jwt client assertions.
type authHandlers struct {
	deps Deps

	mu      sync.Mutex
	pending map[string]pendingFlow
}

type pendingFlow struct {
	stateHash string
	pkce      *nmosauth.PKCEVerifier
	scope     string
	expires   time.Time
}

const pendingFlowTTL = 10 * time.Minute

func newAuthHandlers(deps Deps) *authHandlers {
	return &authHandlers{deps: deps, pending: make(map[string]pendingFlow)}
}

func (h *authHandlers) registerRoutes(group *gin.RouterGroup) {
	group.GET("/x-authorization/authorize", h.beginAuthorizationCode)
	group.GET("/x-authorization/callback", h.callback)
	group.GET("/x-authorization/jwks", h.jwks)
}

// beginAuthorizationCode starts an authorization_code + PKCE flow and
// redirects the caller to the authorization server's consent page.
// scope defaults to "connection" when the request does not give one.
func (h *authHandlers) beginAuthorizationCode(c *gin.Context) {
	if h.deps.AuthController == nil {
		apperrors.AbortWithError(c, apperrors.ServiceUnavailable("authorization"))
		return
	}
	meta := h.deps.AuthController.CurrentMetadata()
	if meta == nil {
		apperrors.AbortWithError(c, apperrors.ServiceUnavailable("authorization server"))
		return
	}

	pkce, err := nmosauth.NewPKCEVerifier()
	if err != nil {
		apperrors.AbortWithError(c, apperrors.InternalServer("failed to generate pkce challenge"))
		return
	}
	plainState, hashedState, err := nmosauth.GenerateState()
	if err != nil {
		apperrors.AbortWithError(c, apperrors.InternalServer("failed to generate state"))
		return
	}

	scope := c.Query("scope")
	if scope == "" {
		scope = "connection"
	}

	h.mu.Lock()
	h.evictExpiredLocked()
	flowID := uuid.NewString()
	h.pending[flowID] = pendingFlow{stateHash: hashedState, pkce: pkce, scope: scope, expires: time.Now().Add(pendingFlowTTL)}
	h.mu.Unlock()

	redirectURI := callbackURL(c)
	authURL := nmosauth.AuthorizationCodeURL(meta, h.deps.AuthController.ClientID(), redirectURI, flowID+"."+plainState, pkce, scope)
	c.Redirect(http.StatusFound, authURL)
}

// callback completes the authorization_code flow: it recovers the
// pending PKCE verifier by the flow id embedded in state, verifies the
// CSRF hash, exchanges the code, and caches the resulting token for the
// flow's scope so the Authorization Controller's normal token-refresh
// bookkeeping picks it up from there.
func (h *authHandlers) callback(c *gin.Context) {
	if h.deps.AuthController == nil {
		apperrors.AbortWithError(c, apperrors.ServiceUnavailable("authorization"))
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		apperrors.AbortWithError(c, apperrors.BadRequest("missing state or code"))
		return
	}

	flowID, plainState, ok := splitState(state)
	if !ok {
		apperrors.AbortWithError(c, apperrors.BadRequest("malformed state"))
		return
	}

	h.mu.Lock()
	flow, found := h.pending[flowID]
	if found {
		delete(h.pending, flowID)
	}
	h.mu.Unlock()

	if !found || time.Now().After(flow.expires) {
		apperrors.AbortWithError(c, apperrors.Unauthorized("authorization flow expired or unknown"))
		return
	}
	if !nmosauth.VerifyState(plainState, flow.stateHash) {
		apperrors.AbortWithError(c, apperrors.Unauthorized("state mismatch"))
		return
	}

	meta := h.deps.AuthController.CurrentMetadata()
	if meta == nil {
		apperrors.AbortWithError(c, apperrors.ServiceUnavailable("authorization server"))
		return
	}

	redirectURI := callbackURL(c)
	token, err := nmosauth.ExchangeAuthorizationCode(c.Request.Context(), meta, h.deps.AuthController.ClientID(), redirectURI, code, flow.pkce)
	if err != nil {
		apperrors.AbortWithError(c, apperrors.Wrap(apperrors.ErrCodeTokenInvalid, "authorization_code exchange failed", err))
		return
	}

	cached := nmosauth.CachedToken{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   token.Expiry,
	}
	if err := h.deps.AuthController.CacheToken(c.Request.Context(), flow.scope, cached); err != nil {
		apperrors.AbortWithError(c, apperrors.InternalServer("failed to cache access token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"scope": flow.scope, "token_type": token.TokenType})
}

// jwks publishes this node's own public key so an authorization server
// can verify the private_key_jwt client assertions this node signs.
func (h *authHandlers) jwks(c *gin.Context) {
	if h.deps.NodePublicKey == nil {
		c.JSON(http.StatusOK, josejwk.JSONWebKeySet{})
		return
	}
	set := josejwk.JSONWebKeySet{
		Keys: []josejwk.JSONWebKey{
			{
				Key:       h.deps.NodePublicKey,
				KeyID:     "node-key",
				Algorithm: "RS256",
				Use:       "sig",
			},
		},
	}
	c.JSON(http.StatusOK, set)
}

func (h *authHandlers) evictExpiredLocked() {
	now := time.Now()
	for id, flow := range h.pending {
		if now.After(flow.expires) {
			delete(h.pending, id)
		}
	}
}

func callbackURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + "/x-authorization/callback"
}

// splitState recovers the flow id this handler embedded ahead of the
// dot-separated CSRF state value it handed the authorization server,
// so the callback can look up the right pending flow without a shared
// store keyed by the opaque state alone.
func splitState(state string) (flowID string, plainState string, ok bool) {
	for i := 0; i < len(state); i++ {
		if state[i] == '.' {
			return state[:i], state[i+1:], true
		}
	}
	return "", "", false
}
