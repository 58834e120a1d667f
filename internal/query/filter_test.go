package query

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-node/core/internal/model"
)

func senderResource(t *testing.T, id string, fields map[string]any) *model.Resource {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return &model.Resource{ID: id, Type: model.TypeSender, Version: model.APIVersion{Major: 1, Minor: 3}, Data: raw}
}

func TestFilter_BasicEqualityMatches(t *testing.T) {
	values := url.Values{"transport": {"urn:x-nmos:transport:rtp.mcast"}}
	f, err := Parse(values, "", model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)

	r := senderResource(t, "s1", map[string]any{"transport": "urn:x-nmos:transport:rtp.mcast"})
	assert.True(t, f.Match(r))

	r2 := senderResource(t, "s2", map[string]any{"transport": "urn:x-nmos:transport:rtp.ucast"})
	assert.False(t, f.Match(r2))
}

func TestFilter_CommaSeparatedValuesAreOred(t *testing.T) {
	values := url.Values{"label": {"cam1,cam2"}}
	f, err := Parse(values, "", model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)

	assert.True(t, f.Match(senderResource(t, "s1", map[string]any{"label": "cam2"})))
	assert.False(t, f.Match(senderResource(t, "s1", map[string]any{"label": "cam3"})))
}

func TestFilter_SubstrAndICase(t *testing.T) {
	values := url.Values{
		"label":            {"STUDIO"},
		"query.match_type": {"substr,icase"},
	}
	f, err := Parse(values, "", model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)

	assert.True(t, f.Match(senderResource(t, "s1", map[string]any{"label": "Studio Camera 1"})))
	assert.False(t, f.Match(senderResource(t, "s1", map[string]any{"label": "Gallery Feed"})))
}

func TestFilter_ResourcePathMustMatchType(t *testing.T) {
	f, err := Parse(url.Values{}, "/receivers", model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)
	assert.False(t, f.Match(senderResource(t, "s1", map[string]any{})))
}

func TestFilter_NestedPath(t *testing.T) {
	values := url.Values{"caps.media_types.0": {"video/raw"}}
	f, err := Parse(values, "", model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)

	r := senderResource(t, "s1", map[string]any{
		"caps": map[string]any{"media_types": []any{"video/raw"}},
	})
	assert.True(t, f.Match(r))
}

func TestVersionVisible_HidesHigherMinorByDefault(t *testing.T) {
	requested := model.APIVersion{Major: 1, Minor: 2}
	assert.True(t, VersionVisible(model.APIVersion{Major: 1, Minor: 1}, requested, nil))
	assert.True(t, VersionVisible(model.APIVersion{Major: 1, Minor: 2}, requested, nil))
	assert.False(t, VersionVisible(model.APIVersion{Major: 1, Minor: 3}, requested, nil))
}

func TestVersionVisible_DifferentMajorNeverVisible(t *testing.T) {
	requested := model.APIVersion{Major: 1, Minor: 2}
	downgrade := model.APIVersion{Major: 1, Minor: 0}
	assert.False(t, VersionVisible(model.APIVersion{Major: 2, Minor: 0}, requested, &downgrade))
}

func TestVersionVisible_DowngradePermitsHigherMinor(t *testing.T) {
	requested := model.APIVersion{Major: 1, Minor: 2}
	downgrade := model.APIVersion{Major: 1, Minor: 0}
	assert.True(t, VersionVisible(model.APIVersion{Major: 1, Minor: 3}, requested, &downgrade))
}

func TestFilter_RQLExpressionCombinesWithBasic(t *testing.T) {
	values := url.Values{
		"query.rql": {"eq(transport,urn:x-nmos:transport:rtp.mcast)"},
		"label":     {"cam1"},
	}
	f, err := Parse(values, "", model.APIVersion{Major: 1, Minor: 3})
	require.NoError(t, err)

	assert.True(t, f.Match(senderResource(t, "s1", map[string]any{"label": "cam1", "transport": "urn:x-nmos:transport:rtp.mcast"})))
	assert.False(t, f.Match(senderResource(t, "s1", map[string]any{"label": "cam1", "transport": "urn:x-nmos:transport:rtp.ucast"})))
	assert.False(t, f.Match(senderResource(t, "s1", map[string]any{"label": "cam2", "transport": "urn:x-nmos:transport:rtp.mcast"})))
}
