package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-node/core/internal/model"
)

func newTestResource(id string) *model.Resource {
	return &model.Resource{
		ID:     id,
		Type:   model.TypeNode,
		Data:   json.RawMessage(`{"label":"test"}`),
		Health: model.ForeverHealth,
	}
}

func TestInsert_AssignsTimestamps(t *testing.T) {
	s := New(nil)
	r := newTestResource("node-1")

	require.NoError(t, s.Insert(r))

	found, ok := s.Find("node-1", model.TypeNode)
	require.True(t, ok)
	assert.Equal(t, found.Created, found.Updated)
	assert.NotZero(t, found.Created.Sec)
}

func TestInsert_DuplicateRejected(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("node-1")))

	err := s.Insert(newTestResource("node-1"))
	assert.Error(t, err)
	var dup *ErrDuplicateID
	assert.ErrorAs(t, err, &dup)
}

func TestInsert_StrictlyIncreasingAcrossCalls(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("a")))
	require.NoError(t, s.Insert(newTestResource("b")))

	a, _ := s.Find("a", "")
	b, _ := s.Find("b", "")
	assert.True(t, a.Updated.Before(b.Updated))
}

func TestModify_BumpsUpdatedNotCreated(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("node-1")))
	before, _ := s.Find("node-1", "")

	err := s.Modify("node-1", func(r *model.Resource) {
		r.Data = json.RawMessage(`{"label":"changed"}`)
	})
	require.NoError(t, err)

	after, _ := s.Find("node-1", "")
	assert.Equal(t, before.Created, after.Created)
	assert.True(t, after.Updated.After(before.Updated))
	assert.JSONEq(t, `{"label":"changed"}`, string(after.Data))
}

func TestModify_NotFound(t *testing.T) {
	s := New(nil)
	err := s.Modify("missing", func(r *model.Resource) {})
	assert.Error(t, err)
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestErase_TwoPhase(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("node-1")))

	require.NoError(t, s.Erase("node-1", false))
	_, ok := s.Find("node-1", "")
	assert.False(t, ok, "erased resource should not be found by Find")

	require.NoError(t, s.Erase("node-1", true))
	all := s.FindByType(model.TypeNode)
	assert.Empty(t, all)
}

func TestErase_AlreadyErasedIsNoop(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("node-1")))
	require.NoError(t, s.Erase("node-1", false))
	assert.NoError(t, s.Erase("node-1", false))
}

func TestFindIf(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("a")))
	require.NoError(t, s.Insert(newTestResource("b")))

	found := s.FindIf(func(r *model.Resource) bool { return r.ID == "a" })
	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0].ID)
}

func TestLeastHealth_ExcludesForever(t *testing.T) {
	s := New(nil)
	r1 := newTestResource("a")
	r1.Health = model.ForeverHealth
	r2 := newTestResource("b")
	r2.Health = model.Health(100)
	require.NoError(t, s.Insert(r1))
	require.NoError(t, s.Insert(r2))

	min, ok := s.LeastHealth()
	require.True(t, ok)
	assert.Equal(t, model.Health(100), min)
}

func TestLeastHealth_AllForeverReturnsFalse(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("a")))

	_, ok := s.LeastHealth()
	assert.False(t, ok)
}

func TestOrderedByUpdated_ReflectsModify(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("a")))
	require.NoError(t, s.Insert(newTestResource("b")))
	require.NoError(t, s.Modify("a", func(r *model.Resource) {}))

	order := s.OrderedByUpdated()
	require.Len(t, order, 2)
	assert.Equal(t, "b", order[0])
	assert.Equal(t, "a", order[1])
}

func TestWaitForUpdate_WakesOnMutation(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(newTestResource("a")))
	cursor := s.MostRecentUpdate()

	done := make(chan error, 1)
	go func() {
		done <- s.WaitForUpdate(context.Background(), func(s *Store) bool {
			return s.MostRecentUpdate().After(cursor)
		})
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Insert(newTestResource("b")))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForUpdate did not wake on mutation")
	}
}

func TestWaitForUpdate_ContextCancellation(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.WaitForUpdate(ctx, func(s *Store) bool { return false })
	assert.Error(t, err)
}
