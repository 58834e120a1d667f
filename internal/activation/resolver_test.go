package activation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leg(t *testing.T, fields map[string]any) TransportParams {
	t.Helper()
	p := make(TransportParams, len(fields))
	for k, v := range fields {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		p[k] = data
	}
	return p
}

func rawString(t *testing.T, p TransportParams, key string) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(p[key], &s))
	return s
}

func rawInt(t *testing.T, p TransportParams, key string) int {
	t.Helper()
	var n int
	require.NoError(t, json.Unmarshal(p[key], &n))
	return n
}

func TestRTPResolver_SenderLegDerivesFECAndRTCPPorts(t *testing.T) {
	r := RTPResolver{AutoPort: 5000}
	staged := []TransportParams{leg(t, map[string]any{
		"source_port":            "auto",
		"destination_port":       "auto",
		"destination_ip":         "239.1.1.1",
		"rtcp_destination_ip":    "auto",
		"rtcp_destination_port":  "auto",
		"rtcp_source_port":       "auto",
		"fec_destination_ip":     "auto",
		"fec1d_destination_port": "auto",
		"fec2d_destination_port": "auto",
		"fec1d_source_port":      "auto",
		"fec2d_source_port":      "auto",
	})}

	resolved, err := r.Resolve(RoleSender, staged)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	out := resolved[0]

	assert.Equal(t, 5000, rawInt(t, out, "source_port"))
	assert.Equal(t, 5000, rawInt(t, out, "destination_port"))
	assert.Equal(t, "239.1.1.1", rawString(t, out, "rtcp_destination_ip"))
	assert.Equal(t, 5001, rawInt(t, out, "rtcp_destination_port"))
	assert.Equal(t, 5001, rawInt(t, out, "rtcp_source_port"))
	assert.Equal(t, "239.1.1.1", rawString(t, out, "fec_destination_ip"))
	assert.Equal(t, 5002, rawInt(t, out, "fec1d_destination_port"))
	assert.Equal(t, 5004, rawInt(t, out, "fec2d_destination_port"))
	assert.Equal(t, 5002, rawInt(t, out, "fec1d_source_port"))
	assert.Equal(t, 5004, rawInt(t, out, "fec2d_source_port"))
}

func TestRTPResolver_SenderLegLeavesExplicitValuesAlone(t *testing.T) {
	r := RTPResolver{AutoPort: 5000}
	staged := []TransportParams{leg(t, map[string]any{
		"source_port":      6000,
		"destination_port": 6002,
	})}

	resolved, err := r.Resolve(RoleSender, staged)
	require.NoError(t, err)
	assert.Equal(t, 6000, rawInt(t, resolved[0], "source_port"))
	assert.Equal(t, 6002, rawInt(t, resolved[0], "destination_port"))
}

func TestRTPResolver_ReceiverLegPrefersMulticastIPForFEC(t *testing.T) {
	r := RTPResolver{AutoPort: 5000}
	staged := []TransportParams{leg(t, map[string]any{
		"destination_port":      "auto",
		"multicast_ip":          "239.2.2.2",
		"interface_ip":          "192.168.0.10",
		"fec_destination_ip":    "auto",
		"rtcp_destination_port": "auto",
	})}

	resolved, err := r.Resolve(RoleReceiver, staged)
	require.NoError(t, err)
	out := resolved[0]

	assert.Equal(t, 5000, rawInt(t, out, "destination_port"))
	assert.Equal(t, "239.2.2.2", rawString(t, out, "fec_destination_ip"))
	assert.Equal(t, 5001, rawInt(t, out, "rtcp_destination_port"))
}

func TestRTPResolver_ReceiverLegFallsBackToInterfaceIPWhenUnicast(t *testing.T) {
	r := RTPResolver{AutoPort: 5000}
	staged := []TransportParams{leg(t, map[string]any{
		"destination_port":   "auto",
		"multicast_ip":       "auto",
		"interface_ip":       "192.168.0.10",
		"fec_destination_ip": "auto",
	})}

	resolved, err := r.Resolve(RoleReceiver, staged)
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.10", rawString(t, resolved[0], "fec_destination_ip"))
}

func TestRTPResolver_DoesNotMutateInput(t *testing.T) {
	r := RTPResolver{AutoPort: 5000}
	original := leg(t, map[string]any{"source_port": "auto", "destination_port": "auto"})
	staged := []TransportParams{original}

	_, err := r.Resolve(RoleSender, staged)
	require.NoError(t, err)

	assert.Equal(t, `"auto"`, string(original["source_port"]))
}

func TestRTPResolver_MultipleLegsIndependentlyResolved(t *testing.T) {
	r := RTPResolver{AutoPort: 5000}
	staged := []TransportParams{
		leg(t, map[string]any{"source_port": "auto", "destination_port": "auto"}),
		leg(t, map[string]any{"source_port": 7000, "destination_port": 7002}),
	}

	resolved, err := r.Resolve(RoleSender, staged)
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, 5000, rawInt(t, resolved[0], "source_port"))
	assert.Equal(t, 7000, rawInt(t, resolved[1], "source_port"))
}
