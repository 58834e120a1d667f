package subscription

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nmos-node/core/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one WebSocket connection serving a single subscription's
// grain, modeled on the teacher's websocket.Client split between a
// read pump (health/heartbeat commands from the subscriber) and a
// write pump (outbound grain frames), each its own goroutine so a slow
// reader never blocks outbound delivery and vice versa.
type Conn struct {
	hub   *Hub
	entry *entry
	ws    *websocket.Conn

	send chan []byte

	limiter *rate.Limiter

	closeOnce sync.Once
	health    int64 // unix seconds, refreshed by the "health" command
}

func newConn(h *Hub, e *entry, ws *websocket.Conn) *Conn {
	return &Conn{
		hub:     h,
		entry:   e,
		ws:      ws,
		send:    make(chan []byte, 256),
		limiter: e.limiter(),
		health:  time.Now().Unix(),
	}
}

// Close unregisters the connection from its subscription and closes
// the underlying socket. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.entry.removeConn(c)
		close(c.send)
		c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer c.Close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleCommand(raw)
	}
}

// command is the shape of an inbound WebSocket control message: the
// only ones the grain protocol defines are a health refresh and the
// AMWA heartbeat ("{}" with no command field).
type command struct {
	Command string `json:"command"`
}

func (c *Conn) handleCommand(raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}
	now := time.Now()
	if cmd.Command == "health" {
		c.health = now.Unix()
		return
	}
	// Bare heartbeat: echo timing so the subscriber can measure
	// round-trip latency against its own clock.
	reply, _ := json.Marshal(map[string]any{
		"timing": map[string]any{
			"origin_timestamp":   now.UTC().Format(time.RFC3339Nano),
			"received_timestamp": now.UTC().Format(time.RFC3339Nano),
		},
	})
	select {
	case c.send <- reply:
	default:
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) deliver(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		logger.Subscription().Warn().Msg("subscriber send buffer full, closing connection")
		return false
	}
}
