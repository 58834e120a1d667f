package subscription

import (
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/query"
)

// entry is the Hub's bookkeeping for one /subscriptions resource: its
// compiled filter, its grain, and the set of live connections reading
// from that grain.
type entry struct {
	id            string
	filter        *query.Filter
	persist       bool
	maxUpdateRate time.Duration // 0 disables throttling
	grain         *Grain

	mu    sync.Mutex
	conns map[*Conn]struct{}

	createdAt time.Time
	// noConnSince is the time the connection set last became empty; it
	// is reset to the zero Time whenever a connection joins. The expiry
	// sweep only deletes a non-persistent subscription once
	// events_expiry_interval has elapsed since this timestamp.
	noConnSince time.Time
}

func newEntry(id string, sub model.Subscription, requested model.APIVersion) (*entry, error) {
	values := url.Values{}
	for k, v := range sub.Params {
		values.Set(k, v)
	}
	filter, err := query.Parse(values, sub.ResourcePath, requested)
	if err != nil {
		return nil, err
	}
	return &entry{
		id:            id,
		filter:        filter,
		persist:       sub.Persist,
		maxUpdateRate: time.Duration(sub.MaxUpdateRate) * time.Millisecond,
		grain:         &Grain{},
		conns:         make(map[*Conn]struct{}),
		createdAt:     time.Now(),
		noConnSince:   time.Now(),
	}, nil
}

// matches reports whether a resource mutation (by its pre/post state)
// belongs in this subscription's grain: the filter is evaluated
// against whichever of pre/post is non-nil, and an event is delivered
// if either side matches (so a resource leaving the filtered set still
// generates a "removed" event for subscribers who were tracking it).
func (e *entry) matches(pre, post *model.Resource) bool {
	if post != nil && e.filter.Match(post) {
		return true
	}
	if pre != nil && e.filter.Match(pre) {
		return true
	}
	return false
}

func (e *entry) addConn(c *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c] = struct{}{}
	e.noConnSince = time.Time{}
}

func (e *entry) removeConn(c *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, c)
	if len(e.conns) == 0 {
		e.noConnSince = time.Now()
	}
}

func (e *entry) connCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// expiredSince reports whether the connection set has been empty for
// at least d, false if connections are currently present.
func (e *entry) expiredSince(d time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) > 0 || e.noConnSince.IsZero() {
		return false
	}
	return time.Since(e.noConnSince) >= d
}

func (e *entry) forEachConn(fn func(*Conn)) {
	e.mu.Lock()
	snapshot := make([]*Conn, 0, len(e.conns))
	for c := range e.conns {
		snapshot = append(snapshot, c)
	}
	e.mu.Unlock()
	for _, c := range snapshot {
		fn(c)
	}
}

// limiter builds a fresh token bucket for one connection's throttle,
// or nil when max_update_rate_ms is 0 (no throttling, per the
// subscription's own opt-out).
func (e *entry) limiter() *rate.Limiter {
	if e.maxUpdateRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(e.maxUpdateRate), 1)
}
