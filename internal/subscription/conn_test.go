package subscription

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nmos-node/core/internal/eventbus"
	"github.com/nmos-node/core/internal/model"
)

// TestConn_ServeDeliversGrainEvents exercises a real WebSocket round
// trip: a client dials an httptest server that upgrades straight into
// Hub.Serve, the hub pushes a grain event, and the sender loop delivers
// it as a GrainMessage frame.
func TestConn_ServeDeliversGrainEvents(t *testing.T) {
	h, s := newTestHub(t)

	id, err := h.CreateSubscription(model.Subscription{ResourcePath: "/senders"})
	require.NoError(t, err)
	h.mu.RLock()
	e := h.subs[id]
	h.mu.RUnlock()
	e.grain.Drain() // discard initial sync

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_ = h.Serve(id, ws)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	// Give Serve's addConn a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)

	insertTestSender(t, s, "sender-1", map[string]any{"label": "a"})
	h.route(eventbus.MutationEvent{Kind: eventbus.MutationInsert, Resource: model.TypeSender, ID: "sender-1", Updated: s.MostRecentUpdate()})
	h.flushAll()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)

	var msg model.GrainMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Len(t, msg.Grain.Data, 1)
	require.Equal(t, model.EventAdded, msg.Grain.Data[0].Kind)
}
