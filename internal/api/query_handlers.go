package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apperrors "github.com/nmos-node/core/internal/errors"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/query"
)

// queryHandlers implements the Query API: GET / index, GET /{type}s
// collections, GET /{type}s/{id}, and the subscription lifecycle
// backing real-time WebSocket delivery.
type queryHandlers struct {
	deps Deps
	ver  model.APIVersion
}

var upgrader = websocket.Upgrader{
	// Subscribers cross origins routinely (any NMOS client on the
	// network); the Query API has no session/cookie state for CSRF to
	// ride on, so the default same-origin check would only break
	// legitimate clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *queryHandlers) registerRoutes(group *gin.RouterGroup) {
	requireWrite := requireAuth(h.deps.Validator, h.deps.AuthController, "query", "write")

	group.GET("", h.index)
	group.GET("/:type", h.collection)
	group.GET("/:type/:id", h.byID)
	group.POST("/subscriptions", requireWrite, h.createSubscription)
	group.DELETE("/subscriptions/:id", requireWrite, h.deleteSubscription)
	group.GET("/ws/:id", h.serveWebSocket)
}

// index lists the resource type names this version serves, as the
// Query API root resource.
func (h *queryHandlers) index(c *gin.Context) {
	names := make([]string, 0, len(queryableTypes))
	for name := range queryableTypes {
		names = append(names, name+"/")
	}
	c.JSON(http.StatusOK, names)
}

func (h *queryHandlers) collection(c *gin.Context) {
	typeName := c.Param("type")
	resourceType, ok := queryableTypes[typeName]
	if !ok {
		apperrors.AbortWithError(c, apperrors.NotFound(typeName))
		return
	}

	result, err := query.Run(h.deps.Store, c.Request.URL.Query(), c.Request.URL.Path, resourceType, h.ver, h.deps.QuerySettings)
	if err != nil {
		apperrors.AbortWithError(c, apperrors.BadRequest(err.Error()))
		return
	}

	setPagingHeaders(c, c.Request.URL.Path, c.Request.URL.Query(), result.Page)

	body := make([]json.RawMessage, 0, len(result.Resources))
	for _, r := range result.Resources {
		body = append(body, r.Data)
	}
	c.JSON(http.StatusOK, body)
}

func (h *queryHandlers) byID(c *gin.Context) {
	typeName := c.Param("type")
	resourceType, ok := queryableTypes[typeName]
	if !ok {
		apperrors.AbortWithError(c, apperrors.NotFound(typeName))
		return
	}

	r, ok := h.deps.Store.Find(c.Param("id"), resourceType)
	if !ok {
		apperrors.AbortWithError(c, apperrors.NotFound(typeName))
		return
	}

	filter, err := query.Parse(c.Request.URL.Query(), c.Request.URL.Path, h.ver)
	if err != nil {
		apperrors.AbortWithError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if !query.VersionVisible(r.Version, h.ver, filter.Downgrade) {
		c.Header("Location", "/x-nmos/query/"+r.Version.String()+"/"+typeName+"/"+r.ID)
		apperrors.AbortWithError(c, apperrors.DowngradeConflict(r.ID, r.Version.String()))
		return
	}

	c.JSON(http.StatusOK, r.Data)
}

// createSubscription registers a new filtered grain and returns the
// NMOS subscription resource, including the ws_href the client dials
// to receive its events.
func (h *queryHandlers) createSubscription(c *gin.Context) {
	var sub model.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		apperrors.AbortWithError(c, apperrors.ValidationFailed(err.Error()))
		return
	}

	id, err := h.deps.Hub.CreateSubscription(sub)
	if err != nil {
		apperrors.AbortWithError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if claims, ok := claimsFromContext(c); ok {
		_ = claims // validated caller identity, available for future audit logging
	}

	r, ok := h.deps.Store.Find(id, model.TypeSubscription)
	if !ok {
		apperrors.AbortWithError(c, apperrors.InternalServer("subscription vanished immediately after creation"))
		return
	}

	doc := map[string]any{
		"id":                  r.ID,
		"resource_path":       sub.ResourcePath,
		"params":              sub.Params,
		"persist":             sub.Persist,
		"max_update_rate_ms":  sub.MaxUpdateRate,
		"secure":              sub.Secure,
		"ws_href":             wsHref(c, sub.Secure, id),
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *queryHandlers) deleteSubscription(c *gin.Context) {
	if err := h.deps.Hub.DeleteSubscription(c.Param("id")); err != nil {
		apperrors.AbortWithError(c, apperrors.NotFound("subscription"))
		return
	}
	c.Status(http.StatusNoContent)
}

// serveWebSocket upgrades the connection and blocks for its lifetime,
// delegating to the Hub's own read/write pumps.
func (h *queryHandlers) serveWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	_ = h.deps.Hub.Serve(c.Param("id"), ws)
}

func wsHref(c *gin.Context, secure bool, id string) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + c.Request.Host + "/x-nmos/query/" + queryVersionFromPath(c.Request.URL.Path) + "/ws/" + id
}

// queryVersionFromPath recovers the version segment from a Query API
// request path, e.g. "/x-nmos/query/v1.3/subscriptions" -> "v1.3".
func queryVersionFromPath(path string) string {
	const marker = "/query/"
	idx := indexOf(path, marker)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(marker):]
	for i, ch := range rest {
		if ch == '/' {
			return rest[:i]
		}
	}
	return rest
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
