package subscription

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-node/core/internal/model"
)

func mustResource(t *testing.T, id string, typ model.ResourceType, fields map[string]any) *model.Resource {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return &model.Resource{ID: id, Type: typ, Version: model.APIVersion{Major: 1, Minor: 3}, Data: raw}
}

func TestNewEntry_CompilesFilterAndMatches(t *testing.T) {
	e, err := newEntry("sub-1", model.Subscription{
		ResourcePath: "/senders",
		Params:       map[string]string{"transport": "urn:x-nmos:transport:rtp.mcast"},
	}, model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)

	match := mustResource(t, "s1", model.TypeSender, map[string]any{"transport": "urn:x-nmos:transport:rtp.mcast"})
	noMatch := mustResource(t, "s2", model.TypeSender, map[string]any{"transport": "urn:x-nmos:transport:rtp.ucast"})

	assert.True(t, e.matches(nil, match))
	assert.False(t, e.matches(nil, noMatch))
}

func TestEntry_MatchesOnEitherPreOrPost(t *testing.T) {
	e, err := newEntry("sub-1", model.Subscription{ResourcePath: "/senders"}, model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)

	r := mustResource(t, "s1", model.TypeSender, map[string]any{})
	assert.True(t, e.matches(r, nil))
	assert.True(t, e.matches(nil, r))
	assert.False(t, e.matches(nil, nil))
}

func TestEntry_LimiterNilWhenRateZero(t *testing.T) {
	e, err := newEntry("sub-1", model.Subscription{MaxUpdateRate: 0}, model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)
	assert.Nil(t, e.limiter())
}

func TestEntry_LimiterSetWhenRatePositive(t *testing.T) {
	e, err := newEntry("sub-1", model.Subscription{MaxUpdateRate: 100}, model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)
	assert.NotNil(t, e.limiter())
}

func TestEntry_ExpiredSinceTracksConnTransitions(t *testing.T) {
	e, err := newEntry("sub-1", model.Subscription{}, model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)

	assert.False(t, e.expiredSince(time.Hour))

	c := &Conn{}
	e.addConn(c)
	assert.False(t, e.expiredSince(0))

	e.removeConn(c)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, e.expiredSince(time.Millisecond))
	assert.False(t, e.expiredSince(time.Hour))
}
