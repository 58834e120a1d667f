// Package eventbus carries resource mutation notifications from the
// Resource Store to the components that react to them: the Subscription
// Fan-out (grain delivery) and the Node Registration Controller's
// pseudo-subscription and peer-to-peer version counters. The Activation
// Engine does not subscribe; it waits on the store's condition variable.
//
// When a NATS URL is configured the bus publishes on a real subject so a
// multi-process deployment can share one store's mutations; when it is
// not, every mutation still reaches in-process subscribers over a plain
// channel fan-out, exactly as the teacher's NATS-backed publisher
// degrades to a disabled no-op rather than failing startup.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nmos-node/core/internal/logger"
	"github.com/nmos-node/core/internal/model"
)

// Subject is the NATS subject mutations are published on.
const Subject = "nmos.resource.mutation"

// MutationKind tags the database-level operation behind a MutationEvent.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationModify MutationKind = "modify"
	MutationErase  MutationKind = "erase"
	MutationForget MutationKind = "forget"
)

// MutationEvent describes a single Resource Store write, published while
// the store still holds its exclusive lock, so events reach each
// subscriber in mutation order.
type MutationEvent struct {
	Kind     MutationKind        `json:"kind"`
	Resource model.ResourceType  `json:"resource_type"`
	ID       string              `json:"id"`
	Updated  model.Timestamp     `json:"updated"`
}

// Bus fans mutation events out to any number of in-process subscribers,
// and additionally publishes to NATS when configured.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan MutationEvent
	nextID int

	conn    *nats.Conn
	enabled bool
}

// Config configures the optional NATS connection.
type Config struct {
	URL string
}

// New creates a bus. If cfg.URL is empty or the connection attempt
// fails, the bus still works for in-process subscribers; only the NATS
// bridge is disabled.
func New(cfg Config) *Bus {
	b := &Bus{subs: make(map[int]chan MutationEvent)}

	if cfg.URL == "" {
		logger.Store().Info().Msg("eventbus: NATS_URL not configured, using in-process fan-out only")
		return b
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("nmos-node"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Store().Warn().Err(err).Msg("eventbus: NATS error")
		}),
	)
	if err != nil {
		logger.Store().Warn().Err(err).Str("url", cfg.URL).Msg("eventbus: failed to connect to NATS, falling back to in-process fan-out")
		return b
	}

	logger.Store().Info().Str("url", conn.ConnectedUrl()).Msg("eventbus: connected to NATS")
	b.conn = conn
	b.enabled = true
	return b
}

// IsEnabled reports whether the bus is bridging to NATS.
func (b *Bus) IsEnabled() bool {
	return b.enabled
}

// Publish fans out an event to in-process subscribers and, if enabled,
// onto the NATS subject. It never blocks on a slow subscriber: a
// subscriber's channel is buffered and a full channel drops the event
// for that subscriber rather than stall the store's mutation path.
func (b *Bus) Publish(event MutationEvent) {
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logger.Store().Warn().Str("id", event.ID).Msg("eventbus: subscriber channel full, dropping event")
		}
	}
	b.mu.RUnlock()

	if !b.enabled {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Store().Error().Err(err).Msg("eventbus: failed to marshal mutation event")
		return
	}
	if err := b.conn.Publish(Subject, data); err != nil {
		logger.Store().Warn().Err(err).Msg("eventbus: failed to publish mutation event")
	}
}

// Subscribe registers an in-process subscriber and returns its channel
// along with an unsubscribe function. The channel is closed only by
// Unsubscribe, never by the bus itself.
func (b *Bus) Subscribe(buffer int) (<-chan MutationEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan MutationEvent, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}
}

// Close drains and closes the NATS connection, if any.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
}
