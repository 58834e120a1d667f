package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRQL_Eq(t *testing.T) {
	expr, err := ParseRQL("eq(transport,urn:x-nmos:transport:rtp.mcast)")
	require.NoError(t, err)

	assert.True(t, expr.Eval(map[string]any{"transport": "urn:x-nmos:transport:rtp.mcast"}))
	assert.False(t, expr.Eval(map[string]any{"transport": "urn:x-nmos:transport:rtp.ucast"}))
}

func TestParseRQL_AndOr(t *testing.T) {
	expr, err := ParseRQL("and(eq(format,urn:x-nmos:format:video),eq(transport,urn:x-nmos:transport:rtp.mcast))")
	require.NoError(t, err)

	match := map[string]any{"format": "urn:x-nmos:format:video", "transport": "urn:x-nmos:transport:rtp.mcast"}
	assert.True(t, expr.Eval(match))

	noMatch := map[string]any{"format": "urn:x-nmos:format:audio", "transport": "urn:x-nmos:transport:rtp.mcast"}
	assert.False(t, expr.Eval(noMatch))

	orExpr, err := ParseRQL("or(eq(format,urn:x-nmos:format:audio),eq(format,urn:x-nmos:format:video))")
	require.NoError(t, err)
	assert.True(t, orExpr.Eval(map[string]any{"format": "urn:x-nmos:format:video"}))
}

func TestParseRQL_Not(t *testing.T) {
	expr, err := ParseRQL("not(eq(format,urn:x-nmos:format:audio))")
	require.NoError(t, err)
	assert.True(t, expr.Eval(map[string]any{"format": "urn:x-nmos:format:video"}))
	assert.False(t, expr.Eval(map[string]any{"format": "urn:x-nmos:format:audio"}))
}

func TestParseRQL_In(t *testing.T) {
	expr, err := ParseRQL("in(format,(urn:x-nmos:format:video,urn:x-nmos:format:audio))")
	require.NoError(t, err)
	assert.True(t, expr.Eval(map[string]any{"format": "urn:x-nmos:format:audio"}))
	assert.False(t, expr.Eval(map[string]any{"format": "urn:x-nmos:format:data"}))
}

func TestParseRQL_Contains(t *testing.T) {
	expr, err := ParseRQL("contains(label,studio)")
	require.NoError(t, err)
	assert.True(t, expr.Eval(map[string]any{"label": "Gallery studio feed"}))
	assert.False(t, expr.Eval(map[string]any{"label": "Gallery feed"}))
}

func TestParseRQL_ContainsArray(t *testing.T) {
	expr, err := ParseRQL("contains(tags,live)")
	require.NoError(t, err)
	assert.True(t, expr.Eval(map[string]any{"tags": []any{"studio", "live"}}))
	assert.False(t, expr.Eval(map[string]any{"tags": []any{"studio"}}))
}

func TestParseRQL_Matches(t *testing.T) {
	expr, err := ParseRQL("matches(label,^cam[0-9]+$)")
	require.NoError(t, err)
	assert.True(t, expr.Eval(map[string]any{"label": "cam1"}))
	assert.False(t, expr.Eval(map[string]any{"label": "camera1"}))
}

func TestParseRQL_VersionTypedComparison(t *testing.T) {
	expr, err := ParseRQL("gt(version,v1.1)")
	require.NoError(t, err)
	assert.True(t, expr.Eval(map[string]any{"version": "v1.10"}))
	assert.False(t, expr.Eval(map[string]any{"version": "v1.0"}))
}

func TestParseRQL_NestedParensDontBreakArgSplitting(t *testing.T) {
	expr, err := ParseRQL("and(eq(format,urn:x-nmos:format:video),or(eq(transport,urn:x-nmos:transport:rtp.mcast),eq(transport,urn:x-nmos:transport:rtp.ucast)))")
	require.NoError(t, err)
	assert.True(t, expr.Eval(map[string]any{"format": "urn:x-nmos:format:video", "transport": "urn:x-nmos:transport:rtp.ucast"}))
}

func TestParseRQL_UnknownOperatorErrors(t *testing.T) {
	_, err := ParseRQL("bogus(a,b)")
	assert.Error(t, err)
}

func TestParseRQL_MalformedExpressionErrors(t *testing.T) {
	_, err := ParseRQL("eq(a,b")
	assert.Error(t, err)
}
