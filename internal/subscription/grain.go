// Package subscription implements the Subscription Fan-out: the
// WebSocket grain delivery mechanism behind the Query API's
// /subscriptions resource. One Hub watches the Resource Store's
// mutation stream, routes each change into every subscription whose
// filter matches it, and drains each subscription's buffered events to
// its connections on a throttled cadence.
//
// Directly modeled on the teacher's internal/websocket Hub/Client
// split (one hub goroutine owns the connection table, one
// read/write-pump pair per connection), generalized from "broadcast to
// all/org" to "deliver this subscription's buffered grain, throttled
// by max_update_rate_ms, per connection".
package subscription

import (
	"sync"

	"github.com/nmos-node/core/internal/model"
)

// Grain buffers the event array for one subscription between flushes.
// Push/Drain swap the backing slice under a lock so a slow drain never
// blocks a concurrent Push, and a drain never races a partial append.
type Grain struct {
	mu     sync.Mutex
	events []model.GrainEvent
}

// Push appends one event to the grain's pending buffer.
func (g *Grain) Push(e model.GrainEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, e)
}

// Drain atomically swaps out the pending buffer, returning whatever
// had accumulated since the last Drain (nil if nothing had).
func (g *Grain) Drain() []model.GrainEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.events) == 0 {
		return nil
	}
	out := g.events
	g.events = nil
	return out
}

// Pending reports whether the grain has buffered events without
// draining them, used by the sender loop to decide whether a
// connection needs a wake at all.
func (g *Grain) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.events) > 0
}
