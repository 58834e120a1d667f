package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nmos-node/core/internal/eventbus"
	"github.com/nmos-node/core/internal/logger"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/store"
)

// Hub owns every live subscription's grain and connection set. One Hub
// per node: its Run method drives both the data-plane production loop
// (store mutation -> matching grains) and, via its own background
// goroutines, the throttled sender loop and the expiry sweep.
type Hub struct {
	store *store.Store
	bus   *eventbus.Bus
	log   *zerolog.Logger

	requested model.APIVersion

	mu   sync.RWMutex
	subs map[string]*entry

	// cache holds the last-observed Data for every resource the hub has
	// seen a mutation for, so a Modify/Erase event can report a "pre"
	// value even though the eventbus's MutationEvent itself carries
	// only the post-mutation id/kind.
	cacheMu sync.Mutex
	cache   map[string]json.RawMessage

	eventsExpiryInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config parameterizes a Hub.
type Config struct {
	RequestedVersion     model.APIVersion
	EventsExpiryInterval time.Duration
}

// New creates a Hub bound to the shared Resource Store and event bus.
func New(s *store.Store, bus *eventbus.Bus, cfg Config) *Hub {
	interval := cfg.EventsExpiryInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}
	return &Hub{
		store:                s,
		bus:                  bus,
		log:                  logger.Subscription(),
		requested:            cfg.RequestedVersion,
		subs:                 make(map[string]*entry),
		cache:                make(map[string]json.RawMessage),
		eventsExpiryInterval: interval,
		stopCh:               make(chan struct{}),
		doneCh:               make(chan struct{}),
	}
}

// CreateSubscription compiles sub into a new grain, inserts its
// backing Subscription resource into the store (so the Query API's
// POST /subscriptions handler can return it like any other resource),
// and begins routing matching mutations into its grain. It returns the
// new subscription's resource id.
func (h *Hub) CreateSubscription(sub model.Subscription) (string, error) {
	id := uuid.NewString()
	e, err := newEntry(id, sub, h.requested)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	if err := h.store.Insert(&model.Resource{
		ID:      id,
		Type:    model.TypeSubscription,
		Version: h.requested,
		Data:    raw,
		Health:  model.Health(time.Now().Unix()),
	}); err != nil {
		return "", err
	}

	h.mu.Lock()
	h.subs[id] = e
	h.mu.Unlock()

	h.primeInitialSync(e)
	return id, nil
}

// primeInitialSync seeds a freshly created subscription's grain with
// an "unchanged" event (pre == post) for every already-matching
// resource, so a subscriber that connects after creation still learns
// the current state rather than only future changes.
func (h *Hub) primeInitialSync(e *entry) {
	for _, r := range h.store.FindIf(func(r *model.Resource) bool { return r.Type != model.TypeSubscription && r.Type != model.TypeGrain }) {
		if !e.filter.Match(r) {
			continue
		}
		e.grain.Push(model.GrainEvent{
			Kind: model.EventUnchanged,
			Path: path(r),
			Pre:  r.Data,
			Post: r.Data,
		})
	}
}

// DeleteSubscription erases the subscription resource and drops its
// grain and connections. Non-persistent subscriptions are deleted
// automatically by the expiry sweep; this path also serves the
// explicit DELETE /subscriptions/{id} Query API operation.
func (h *Hub) DeleteSubscription(id string) error {
	h.mu.Lock()
	e, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown subscription %q", id)
	}

	e.forEachConn(func(c *Conn) { c.Close() })
	return h.store.Erase(id, false)
}

// Serve upgrades a raw connection onto subscriptionID's grain and
// blocks for the connection's lifetime, running its read and write
// pumps. Call from the Query API's WebSocket handler after Upgrade.
func (h *Hub) Serve(subscriptionID string, ws *websocket.Conn) error {
	h.mu.RLock()
	e, ok := h.subs[subscriptionID]
	h.mu.RUnlock()
	if !ok {
		ws.Close()
		return fmt.Errorf("unknown subscription %q", subscriptionID)
	}

	c := newConn(h, e, ws)
	e.addConn(c)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.readPump() }()
	wg.Wait()
	return nil
}

func path(r *model.Resource) string {
	return fmt.Sprintf("/%s/%s", r.Type.PathSegment(), r.ID)
}

// Run starts the hub's three long-lived tasks (production, sender,
// expiry sweep) and blocks until ctx is cancelled or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.doneCh)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); h.produce(ctx) }()
	go func() { defer wg.Done(); h.sendLoop(ctx) }()
	go func() { defer wg.Done(); h.expirySweep(ctx) }()
	wg.Wait()
}

// Stop requests every Hub task to exit and waits for them to do so.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

// produce is the data-plane task: it subscribes to the event bus and
// turns every mutation into a GrainEvent routed to each matching
// subscription's grain.
func (h *Hub) produce(ctx context.Context) {
	ch, unsubscribe := h.bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			h.route(event)
		}
	}
}

func (h *Hub) route(event eventbus.MutationEvent) {
	if event.Resource == model.TypeSubscription || event.Resource == model.TypeGrain {
		return
	}

	h.cacheMu.Lock()
	pre := h.cache[event.ID]
	h.cacheMu.Unlock()

	var (
		kind model.EventKind
		post json.RawMessage
	)

	current, ok := h.store.Find(event.ID, event.Resource)
	switch {
	case event.Kind == eventbus.MutationInsert:
		kind = model.EventAdded
		if ok {
			post = current.Data
		}
	case event.Kind == eventbus.MutationErase || !ok:
		kind = model.EventRemoved
		post = nil
	default:
		kind = model.EventModified
		if ok {
			post = current.Data
		}
	}

	h.cacheMu.Lock()
	if post == nil {
		delete(h.cache, event.ID)
	} else {
		h.cache[event.ID] = post
	}
	h.cacheMu.Unlock()

	var preRes, postRes *model.Resource
	if len(pre) > 0 {
		preRes = &model.Resource{ID: event.ID, Type: event.Resource, Data: pre}
	}
	if ok {
		postRes = current
	}

	ge := model.GrainEvent{Kind: kind, Path: fmt.Sprintf("/%s/%s", event.Resource.PathSegment(), event.ID), Pre: pre, Post: post}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.subs {
		if e.matches(preRes, postRes) {
			e.grain.Push(ge)
		}
	}
}
