package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-node/core/internal/eventbus"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/query"
	"github.com/nmos-node/core/internal/store"
	"github.com/nmos-node/core/internal/subscription"
)

func newTestQueryRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := eventbus.New(eventbus.Config{})
	s := store.New(bus)
	ver := model.APIVersion{Major: 1, Minor: 3}
	hub := subscription.New(s, bus, subscription.Config{RequestedVersion: ver})

	deps := Deps{
		Store:         s,
		Hub:           hub,
		QuerySettings: query.Settings{DefaultLimit: 10, MaxLimit: 100},
	}

	r := gin.New()
	h := &queryHandlers{deps: deps, ver: ver}
	group := r.Group("/x-nmos/query/v1.3")
	h.registerRoutes(group)
	return r, s
}

func insertNode(t *testing.T, s *store.Store, id string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"id": id, "label": id})
	require.NoError(t, err)
	require.NoError(t, s.Insert(&model.Resource{
		ID:      id,
		Type:    model.TypeNode,
		Version: model.APIVersion{Major: 1, Minor: 3},
		Data:    raw,
	}))
}

func TestQueryHandlers_IndexListsResourceTypes(t *testing.T) {
	r, _ := newTestQueryRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/query/v1.3", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var names []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &names))
	assert.Contains(t, names, "nodes/")
	assert.Contains(t, names, "subscriptions/")
}

func TestQueryHandlers_CollectionReturnsInsertedResources(t *testing.T) {
	r, s := newTestQueryRouter(t)
	insertNode(t, s, "node-1")

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/query/v1.3/nodes", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body []json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body, 1)
	assert.NotEmpty(t, w.Header().Get("X-Paging-Limit"))
}

func TestQueryHandlers_CollectionUnknownTypeIs404(t *testing.T) {
	r, _ := newTestQueryRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/query/v1.3/widgets", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryHandlers_ByIDReturnsResourceData(t *testing.T) {
	r, s := newTestQueryRouter(t)
	insertNode(t, s, "node-1")

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/query/v1.3/nodes/node-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "node-1", doc["id"])
}

func TestQueryHandlers_ByIDMissingIs404(t *testing.T) {
	r, _ := newTestQueryRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/query/v1.3/nodes/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryHandlers_CreateAndDeleteSubscription(t *testing.T) {
	r, _ := newTestQueryRouter(t)

	body := `{"resource_path":"/nodes","params":{},"persist":false,"max_update_rate_ms":100,"secure":false}`
	req := httptest.NewRequest(http.MethodPost, "/x-nmos/query/v1.3/subscriptions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Contains(t, created["ws_href"], "/ws/"+id)

	delReq := httptest.NewRequest(http.MethodDelete, "/x-nmos/query/v1.3/subscriptions/"+id, nil)
	delW := httptest.NewRecorder()
	r.ServeHTTP(delW, delReq)
	assert.Equal(t, http.StatusNoContent, delW.Code)
}

func TestQueryHandlers_DeleteUnknownSubscriptionIs404(t *testing.T) {
	r, _ := newTestQueryRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/x-nmos/query/v1.3/subscriptions/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
