package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-node/core/internal/eventbus"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/store"
)

func newTestHub(t *testing.T) (*Hub, *store.Store) {
	t.Helper()
	bus := eventbus.New(eventbus.Config{})
	s := store.New(bus)
	h := New(s, bus, Config{RequestedVersion: model.APIVersion{Major: 1, Minor: 3}})
	return h, s
}

func insertTestSender(t *testing.T, s *store.Store, id string, fields map[string]any) {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	require.NoError(t, s.Insert(&model.Resource{
		ID:      id,
		Type:    model.TypeSender,
		Version: model.APIVersion{Major: 1, Minor: 3},
		Data:    raw,
	}))
}

func TestHub_CreateSubscriptionInsertsResourceAndRegistersEntry(t *testing.T) {
	h, s := newTestHub(t)

	insertTestSender(t, s, "sender-1", map[string]any{"label": "a"})

	id, err := h.CreateSubscription(model.Subscription{ResourcePath: "/senders"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	r, ok := s.Find(id, model.TypeSubscription)
	require.True(t, ok)
	assert.Equal(t, model.TypeSubscription, r.Type)

	h.mu.RLock()
	e, ok := h.subs[id]
	h.mu.RUnlock()
	require.True(t, ok)

	assert.True(t, e.grain.Pending())
	events := e.grain.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventUnchanged, events[0].Kind)
}

func TestHub_DeleteSubscriptionErasesAndClosesConns(t *testing.T) {
	h, s := newTestHub(t)

	id, err := h.CreateSubscription(model.Subscription{ResourcePath: "/senders"})
	require.NoError(t, err)

	h.mu.RLock()
	e := h.subs[id]
	h.mu.RUnlock()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		if ws, err := upgrader.Upgrade(w, r, nil); err == nil {
			defer ws.Close()
			_, _, _ = ws.ReadMessage()
		}
	}))
	defer server.Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)

	c := newConn(h, e, ws)
	e.addConn(c)

	require.NoError(t, h.DeleteSubscription(id))

	_, ok := s.Find(id, model.TypeSubscription)
	assert.False(t, ok)

	h.mu.RLock()
	_, stillPresent := h.subs[id]
	h.mu.RUnlock()
	assert.False(t, stillPresent)

	assert.Equal(t, 0, e.connCount())
}

func TestHub_RouteAddedModifiedRemoved(t *testing.T) {
	h, s := newTestHub(t)

	id, err := h.CreateSubscription(model.Subscription{ResourcePath: "/senders"})
	require.NoError(t, err)
	h.mu.RLock()
	e := h.subs[id]
	h.mu.RUnlock()
	e.grain.Drain() // discard initial sync priming

	insertTestSender(t, s, "sender-1", map[string]any{"label": "a"})
	h.route(eventbus.MutationEvent{Kind: eventbus.MutationInsert, Resource: model.TypeSender, ID: "sender-1", Updated: s.MostRecentUpdate()})

	events := e.grain.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventAdded, events[0].Kind)
	assert.Nil(t, events[0].Pre)
	assert.NotNil(t, events[0].Post)

	require.NoError(t, s.Modify("sender-1", func(r *model.Resource) {
		r.Data = json.RawMessage(`{"label":"b"}`)
	}))
	h.route(eventbus.MutationEvent{Kind: eventbus.MutationModify, Resource: model.TypeSender, ID: "sender-1", Updated: s.MostRecentUpdate()})

	events = e.grain.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventModified, events[0].Kind)
	assert.JSONEq(t, `{"label":"a"}`, string(events[0].Pre))
	assert.JSONEq(t, `{"label":"b"}`, string(events[0].Post))

	require.NoError(t, s.Erase("sender-1", false))
	h.route(eventbus.MutationEvent{Kind: eventbus.MutationErase, Resource: model.TypeSender, ID: "sender-1", Updated: s.MostRecentUpdate()})

	events = e.grain.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRemoved, events[0].Kind)
	assert.Nil(t, events[0].Post)
}

func TestHub_RouteIgnoresSubscriptionAndGrainResources(t *testing.T) {
	h, _ := newTestHub(t)
	id, err := h.CreateSubscription(model.Subscription{ResourcePath: "/subscriptions"})
	require.NoError(t, err)
	h.mu.RLock()
	e := h.subs[id]
	h.mu.RUnlock()
	e.grain.Drain()

	h.route(eventbus.MutationEvent{Kind: eventbus.MutationInsert, Resource: model.TypeSubscription, ID: "other-sub", Updated: h.store.MostRecentUpdate()})
	assert.False(t, e.grain.Pending())
}

func TestHub_RunAndStop(t *testing.T) {
	h, _ := newTestHub(t)
	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	h.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
