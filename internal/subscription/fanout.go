package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nmos-node/core/internal/model"
)

// sendInterval bounds how often the sender loop re-checks every grain
// when no connection's throttle deadline gives it a tighter wake time.
const sendInterval = 50 * time.Millisecond

// sendLoop is the one task that drains every subscription's grain and
// delivers the batch to its connections, honoring each connection's
// own max_update_rate_ms token bucket. A grain with no connections is
// left untouched (nothing drains it) so a late-joining connection
// still sees everything queued since the subscription was created.
func (h *Hub) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.flushAll()
		}
	}
}

func (h *Hub) flushAll() {
	h.mu.RLock()
	entries := make([]*entry, 0, len(h.subs))
	for _, e := range h.subs {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	for _, e := range entries {
		h.flushEntry(e)
	}
}

func (h *Hub) flushEntry(e *entry) {
	if e.connCount() == 0 {
		return
	}
	if !e.grain.Pending() {
		return
	}

	e.forEachConn(func(c *Conn) {
		if c.limiter != nil && !c.limiter.Allow() {
			return
		}
		h.flushConn(e, c)
	})
}

// flushConn drains the grain once per connection pass. Since every
// connection on a grain shares the same buffered events, each
// connection gets its own drain; in practice grains back exactly one
// connection in the common case (one WebSocket per subscription), and
// the shared-grain case (several connections on one persistent
// subscription) trades a little duplicate work for not needing a
// per-connection read cursor into the grain.
func (h *Hub) flushConn(e *entry, c *Conn) {
	events := e.grain.Drain()
	if len(events) == 0 {
		return
	}

	now := h.store.MostRecentUpdate().String()
	msg := model.GrainMessage{
		GrainType:         "event",
		OriginTimestamp:   now,
		SyncTimestamp:     now,
		CreationTimestamp: now,
		Grain: model.GrainPayload{
			Type:  "urn:x-nmos:format:data.event",
			Topic: e.id,
			Data:  events,
		},
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("subscription", e.id).Msg("failed to marshal grain message")
		return
	}

	if !c.deliver(raw) {
		c.Close()
	}
}

// expirySweep is the separate long-lived task that deletes
// non-persistent subscriptions once every connection on them has
// dropped and the events_expiry_interval has elapsed. It does not
// garbage-collect the erased subscription resources: they stay in the
// store in the erased state.
func (h *Hub) expirySweep(ctx context.Context) {
	ticker := time.NewTicker(h.eventsExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepExpired()
		}
	}
}

func (h *Hub) sweepExpired() {
	h.mu.RLock()
	var expired []string
	for id, e := range h.subs {
		if e.persist {
			continue
		}
		if !e.expiredSince(h.eventsExpiryInterval) {
			continue
		}
		expired = append(expired, id)
	}
	h.mu.RUnlock()

	for _, id := range expired {
		if err := h.DeleteSubscription(id); err != nil {
			h.log.Warn().Err(err).Str("subscription", id).Msg("failed to expire subscription")
		} else {
			h.log.Info().Str("subscription", id).Msg("non-persistent subscription expired")
		}
	}
}
