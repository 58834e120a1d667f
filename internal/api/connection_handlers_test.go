package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-node/core/internal/activation"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/store"
)

func newTestConnectionRouter(t *testing.T) (*gin.Engine, *store.Store, *activation.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.New(nil)
	engine := activation.New(s, activation.Config{
		StagedSenderType:   model.TypeConnectionSender,
		StagedReceiverType: model.TypeConnectionReceiver,
		IOSenderType:       model.TypeSender,
		IOReceiverType:     model.TypeReceiver,
		Resolver:           activation.RTPResolver{AutoPort: 5000}.Resolve,
		PollInterval:       10 * time.Millisecond,
	})

	deps := Deps{Store: s, ConnectionEngine: engine, ActivationWaitMax: time.Second}

	r := gin.New()
	h := &connectionHandlers{deps: deps, ver: model.APIVersion{Major: 1, Minor: 3}}
	group := r.Group("/x-nmos/connection/v1.3")
	h.registerRoutes(group)
	return r, s, engine
}

func insertConnectionSender(t *testing.T, s *store.Store, ioID string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"id": ioID, "version": "0:0"})
	require.NoError(t, err)
	require.NoError(t, s.Insert(&model.Resource{ID: ioID, Type: model.TypeSender, Data: raw}))

	data := activation.ConnectionData{}
	cxRaw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, s.Insert(&model.Resource{
		ID:   activation.ConnectionResourceID(ioID),
		Type: model.TypeConnectionSender,
		Data: cxRaw,
	}))
}

func TestConnectionHandlers_GetStagedOnFreshSenderIsEmpty(t *testing.T) {
	r, s, _ := newTestConnectionRouter(t)
	insertConnectionSender(t, s, "sender-1")

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/connection/v1.3/single/senders/sender-1/staged", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Nil(t, doc["receiver_id"])
}

func TestConnectionHandlers_GetStagedUnknownRoleIs404(t *testing.T) {
	r, _, _ := newTestConnectionRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/connection/v1.3/single/widgets/sender-1/staged", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectionHandlers_PatchStagedImmediateActivationCommitsBeforeResponding(t *testing.T) {
	r, s, engine := newTestConnectionRouter(t)
	insertConnectionSender(t, s, "sender-1")

	// Run the engine for real: its WaitForUpdate wakes on the store's
	// condition variable the instant the PATCH below commits the staged
	// mutation, so this is event-driven rather than racing a poll timer.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	defer engine.Stop()

	receiverID := "receiver-9"
	body := `{
		"activation": {"mode": "activate_immediate"},
		"receiver_id": "` + receiverID + `",
		"transport_params": [{"source_port": "auto", "destination_port": "auto"}]
	}`
	req := httptest.NewRequest(http.MethodPatch, "/x-nmos/connection/v1.3/single/senders/sender-1/staged", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	r2, ok := s.Find(activation.ConnectionResourceID("sender-1"), "")
	require.True(t, ok)
	var data activation.ConnectionData
	require.NoError(t, json.Unmarshal(r2.Data, &data))
	require.NotNil(t, data.Active.Activation.ActivationTime)
	require.NotNil(t, data.Active.ReceiverID)
	assert.Equal(t, receiverID, *data.Active.ReceiverID)
}

func TestConnectionHandlers_PatchStagedWhileScheduledPendingIsLocked(t *testing.T) {
	r, s, _ := newTestConnectionRouter(t)
	insertConnectionSender(t, s, "sender-1")

	future := model.TimestampFromTime(time.Now().Add(time.Hour)).String()
	err := s.Modify(activation.ConnectionResourceID("sender-1"), func(res *model.Resource) {
		var data activation.ConnectionData
		_ = json.Unmarshal(res.Data, &data)
		data.Staged.Activation.Mode = activation.ModeScheduledAbsolute
		data.Staged.Activation.RequestedTime = &future
		data.Staged.Activation.ActivationTime = &future
		res.Data, _ = json.Marshal(data)
	})
	require.NoError(t, err)

	body := `{"activation": {"mode": "activate_immediate"}}`
	req := httptest.NewRequest(http.MethodPatch, "/x-nmos/connection/v1.3/single/senders/sender-1/staged", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusLocked, w.Code)
}

func TestConnectionHandlers_GetConstraintsDefaultsToEmptyArray(t *testing.T) {
	r, s, _ := newTestConnectionRouter(t)
	insertConnectionSender(t, s, "sender-1")

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/connection/v1.3/single/senders/sender-1/constraints", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var constraints []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &constraints))
	assert.Empty(t, constraints)
}

func TestConnectionHandlers_TransportTypeDefaultsToRTP(t *testing.T) {
	r, s, _ := newTestConnectionRouter(t)
	insertConnectionSender(t, s, "sender-1")

	req := httptest.NewRequest(http.MethodGet, "/x-nmos/connection/v1.3/single/senders/sender-1/transporttype", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var transport string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transport))
	assert.Equal(t, "urn:x-nmos:transport:rtp", transport)
}

func TestConnectionHandlers_BulkAppliesPatchToEachEntry(t *testing.T) {
	r, s, _ := newTestConnectionRouter(t)
	insertConnectionSender(t, s, "sender-1")
	insertConnectionSender(t, s, "sender-2")

	body := `[
		{"id": "sender-1", "params": {"receiver_id": "rx-1"}},
		{"id": "sender-2", "params": {"receiver_id": "rx-2"}}
	]`
	req := httptest.NewRequest(http.MethodPost, "/x-nmos/connection/v1.3/bulk/senders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var results []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, float64(http.StatusOK), results[0]["code"])
}
