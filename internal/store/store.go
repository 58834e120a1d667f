// Package store implements the Resource Store: the single
// multi-indexed, concurrency-safe home for every Resource a node knows
// about, whether owned locally (node, device, source, flow, sender,
// receiver, subscription) or tracked only to satisfy a query (none, for
// this core — a node stores only its own resources).
//
// The store never exposes its internal map. Callers reach it only
// through Insert/Modify/Erase/Find/FindIf and the cursor-based
// WaitForUpdate, so that every mutation can be timestamped and
// published to the event bus consistently.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nmos-node/core/internal/eventbus"
	"github.com/nmos-node/core/internal/logger"
	"github.com/nmos-node/core/internal/model"
)

// ErrDuplicateID is returned by Insert when a resource with the given id
// already exists and is not in the erased state.
type ErrDuplicateID struct{ ID string }

func (e *ErrDuplicateID) Error() string { return "resource already exists: " + e.ID }

// ErrNotFound is returned by Modify/Erase when the id is unknown.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return "resource not found: " + e.ID }

// Store is a multi-indexed, mutex-guarded table of Resources with a
// condition variable observers can block on for new mutations.
type Store struct {
	mu   sync.RWMutex
	cond *sync.Cond

	byID      map[string]*model.Resource
	byType    map[model.ResourceType]map[string]struct{}
	byCreated []string // ids, sorted by Created ascending
	byUpdated []string // ids, sorted by Updated ascending

	mostRecentUpdate model.Timestamp
	bus              *eventbus.Bus
}

// New creates an empty store. bus may be nil, in which case mutations
// are not published anywhere (used by tests that only need the
// condition-variable wake-up).
func New(bus *eventbus.Bus) *Store {
	s := &Store{
		byID:   make(map[string]*model.Resource),
		byType: make(map[model.ResourceType]map[string]struct{}),
		bus:    bus,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// strictlyIncreasing returns a timestamp guaranteed greater than every
// timestamp previously handed out by this store, even across calls
// within the same nanosecond of wall-clock time.
func (s *Store) strictlyIncreasing() model.Timestamp {
	now := time.Now()
	candidate := model.Timestamp{Sec: now.Unix(), Nsec: int64(now.Nanosecond())}
	if !candidate.After(s.mostRecentUpdate) {
		candidate = model.Timestamp{Sec: s.mostRecentUpdate.Sec, Nsec: s.mostRecentUpdate.Nsec + 1}
		if candidate.Nsec >= 1_000_000_000 {
			candidate.Sec++
			candidate.Nsec = 0
		}
	}
	s.mostRecentUpdate = candidate
	return candidate
}

// Insert adds a new resource. The resource's Created and Updated fields
// are overwritten with a fresh strictly-increasing timestamp.
func (s *Store) Insert(r *model.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[r.ID]; ok && !existing.Erased {
		return &ErrDuplicateID{ID: r.ID}
	}

	ts := s.strictlyIncreasing()
	clone := r.Clone()
	clone.Created = ts
	clone.Updated = ts
	clone.Erased = false

	s.byID[r.ID] = clone
	s.indexType(clone)
	s.reindexOrderedByInsert(clone.ID)
	s.notify(eventbus.MutationInsert, clone)
	return nil
}

// Modify applies mutator to a copy of the stored resource under
// exclusive access, then commits the copy and bumps Updated. mutator
// must not retain the pointer it's given past its own return.
func (s *Store) Modify(id string, mutator func(r *model.Resource)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if !ok || existing.Erased {
		return &ErrNotFound{ID: id}
	}

	clone := existing.Clone()
	mutator(clone)
	clone.Updated = s.strictlyIncreasing()

	s.byID[id] = clone
	s.reindexOrderedByUpdate(id)
	s.notify(eventbus.MutationModify, clone)
	return nil
}

// Erase marks a resource erased (data cleared, one more update tick
// published) or, if allowForget is true, removes it outright from every
// index. Two-phase delete lets subscribers observe a "removed" grain
// event for the resource before a garbage-collection sweep calls Erase
// again with allowForget set.
func (s *Store) Erase(id string, allowForget bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}

	if allowForget {
		delete(s.byID, id)
		if set, ok := s.byType[existing.Type]; ok {
			delete(set, id)
		}
		s.removeFromOrder(id)
		s.mostRecentUpdate = s.strictlyIncreasing()
		s.notify(eventbus.MutationForget, existing)
		return nil
	}

	if existing.Erased {
		return nil
	}

	clone := existing.Clone()
	clone.Erased = true
	clone.Data = nil
	clone.Updated = s.strictlyIncreasing()

	s.byID[id] = clone
	s.reindexOrderedByUpdate(id)
	s.notify(eventbus.MutationErase, clone)
	return nil
}

// Find returns a copy of the resource with the given id and type, or
// false if it is absent or erased. typ may be empty to match any type.
func (s *Store) Find(id string, typ model.ResourceType) (*model.Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok || r.Erased {
		return nil, false
	}
	if typ != "" && r.Type != typ {
		return nil, false
	}
	return r.Clone(), true
}

// FindIf returns copies of every non-erased resource for which
// predicate returns true, in unspecified order.
func (s *Store) FindIf(predicate func(r *model.Resource) bool) []*model.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Resource
	for _, r := range s.byID {
		if r.Erased {
			continue
		}
		if predicate(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// FindByType returns copies of every non-erased resource of the given
// type.
func (s *Store) FindByType(typ model.ResourceType) []*model.Resource {
	return s.FindIf(func(r *model.Resource) bool { return r.Type == typ })
}

// MostRecentUpdate returns the maximum Updated timestamp ever assigned
// by this store, usable as a paging/watch cursor even across resources
// that have since been forgotten.
func (s *Store) MostRecentUpdate() model.Timestamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mostRecentUpdate
}

// LeastHealth returns the minimum Health value among resources that do
// not carry model.ForeverHealth, and false if no such resource exists.
func (s *Store) LeastHealth() (model.Health, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		min   model.Health
		found bool
	)
	for _, r := range s.byID {
		if r.Health == model.ForeverHealth {
			continue
		}
		if !found || r.Health < min {
			min = r.Health
			found = true
		}
	}
	return min, found
}

// WaitForUpdate blocks until predicate(s) returns true or ctx is done.
// predicate is evaluated under the store's read lock every time the
// condition variable is signalled by a mutation; callers typically test
// MostRecentUpdate() against a cursor they hold.
func (s *Store) WaitForUpdate(ctx context.Context, predicate func(s *Store) bool) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if predicate(s) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
}

// notify publishes a mutation event and wakes every WaitForUpdate
// caller. Must be called with the write lock held; it releases and
// reacquires nothing itself, Broadcast is safe under the lock.
func (s *Store) notify(kind eventbus.MutationKind, r *model.Resource) {
	s.cond.Broadcast()
	if s.bus == nil {
		return
	}
	event := eventbus.MutationEvent{
		Kind:     kind,
		Resource: r.Type,
		ID:       r.ID,
		Updated:  r.Updated,
	}
	s.bus.Publish(event)
	logger.Store().Debug().
		Str("id", r.ID).
		Str("kind", string(kind)).
		Str("updated", r.Updated.String()).
		Msg("resource mutated")
}

func (s *Store) indexType(r *model.Resource) {
	set, ok := s.byType[r.Type]
	if !ok {
		set = make(map[string]struct{})
		s.byType[r.Type] = set
	}
	set[r.ID] = struct{}{}
}

func (s *Store) reindexOrderedByInsert(id string) {
	s.byCreated = append(s.byCreated, id)
	s.byUpdated = append(s.byUpdated, id)
	s.sortOrdered()
}

func (s *Store) reindexOrderedByUpdate(id string) {
	s.sortOrdered()
}

func (s *Store) sortOrdered() {
	sort.SliceStable(s.byCreated, func(i, j int) bool {
		a, b := s.byID[s.byCreated[i]], s.byID[s.byCreated[j]]
		return a.Created.Before(b.Created)
	})
	sort.SliceStable(s.byUpdated, func(i, j int) bool {
		a, b := s.byID[s.byUpdated[i]], s.byID[s.byUpdated[j]]
		return a.Updated.Before(b.Updated)
	})
}

func (s *Store) removeFromOrder(id string) {
	s.byCreated = removeID(s.byCreated, id)
	s.byUpdated = removeID(s.byUpdated, id)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// OrderedByCreated returns resource ids sorted by Created ascending, a
// paging cursor source for the Query Engine.
func (s *Store) OrderedByCreated() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.byCreated))
	copy(out, s.byCreated)
	return out
}

// OrderedByUpdated returns resource ids sorted by Updated ascending.
func (s *Store) OrderedByUpdated() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.byUpdated))
	copy(out, s.byUpdated)
	return out
}
