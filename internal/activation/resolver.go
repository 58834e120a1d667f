package activation

import "encoding/json"

const autoValue = `"auto"`

// RTPResolver resolves "auto" RTP transport parameters per the fixed
// port-offset convention: the sender and receiver share a single
// configured base port for source/destination RTP, with FEC and RTCP
// ports derived from it by a constant offset.
type RTPResolver struct {
	AutoPort int
}

// Resolve implements Resolver for the RTP transport type.
func (r RTPResolver) Resolve(role Role, staged []TransportParams) ([]TransportParams, error) {
	out := make([]TransportParams, len(staged))
	for i, leg := range staged {
		clone := cloneParams(leg)
		if err := r.resolveLeg(role, clone); err != nil {
			return nil, err
		}
		out[i] = clone
	}
	return out, nil
}

func (r RTPResolver) resolveLeg(role Role, leg TransportParams) error {
	switch role {
	case RoleSender:
		return r.resolveSenderLeg(leg)
	case RoleReceiver:
		return r.resolveReceiverLeg(leg)
	default:
		return nil
	}
}

func (r RTPResolver) resolveSenderLeg(leg TransportParams) error {
	if isAuto(leg, "source_port") {
		setInt(leg, "source_port", r.AutoPort)
	}
	if isAuto(leg, "destination_port") {
		setInt(leg, "destination_port", r.AutoPort)
	}

	destPort, _ := getInt(leg, "destination_port")
	srcPort, _ := getInt(leg, "source_port")

	if isAuto(leg, "rtcp_destination_ip") {
		copyString(leg, "destination_ip", "rtcp_destination_ip")
	}
	if isAuto(leg, "rtcp_destination_port") {
		setInt(leg, "rtcp_destination_port", destPort+1)
	}
	if isAuto(leg, "rtcp_source_port") {
		setInt(leg, "rtcp_source_port", srcPort+1)
	}

	if isAuto(leg, "fec_destination_ip") {
		copyString(leg, "destination_ip", "fec_destination_ip")
	}
	if isAuto(leg, "fec1d_destination_port") {
		setInt(leg, "fec1d_destination_port", destPort+2)
	}
	if isAuto(leg, "fec2d_destination_port") {
		setInt(leg, "fec2d_destination_port", destPort+4)
	}
	if isAuto(leg, "fec1d_source_port") {
		setInt(leg, "fec1d_source_port", srcPort+2)
	}
	if isAuto(leg, "fec2d_source_port") {
		setInt(leg, "fec2d_source_port", srcPort+4)
	}
	return nil
}

func (r RTPResolver) resolveReceiverLeg(leg TransportParams) error {
	if isAuto(leg, "destination_port") {
		setInt(leg, "destination_port", r.AutoPort)
	}
	destPort, _ := getInt(leg, "destination_port")

	if isAuto(leg, "fec_destination_ip") {
		if hasNonAutoString(leg, "multicast_ip") {
			copyString(leg, "multicast_ip", "fec_destination_ip")
		} else {
			copyString(leg, "interface_ip", "fec_destination_ip")
		}
	}
	if isAuto(leg, "rtcp_destination_port") {
		setInt(leg, "rtcp_destination_port", destPort+1)
	}
	if isAuto(leg, "fec1d_destination_port") {
		setInt(leg, "fec1d_destination_port", destPort+2)
	}
	if isAuto(leg, "fec2d_destination_port") {
		setInt(leg, "fec2d_destination_port", destPort+4)
	}
	return nil
}

// NoopResolver returns the staged parameters unchanged. The
// channel-mapping domain has no "auto" transport fields to resolve —
// its activation still goes through the same staged-copy-to-active
// commit, just without RTP port auto-resolution.
func NoopResolver(_ Role, staged []TransportParams) ([]TransportParams, error) {
	out := make([]TransportParams, len(staged))
	for i, leg := range staged {
		out[i] = cloneParams(leg)
	}
	return out, nil
}

func cloneParams(p TransportParams) TransportParams {
	clone := make(TransportParams, len(p))
	for k, v := range p {
		clone[k] = append(json.RawMessage(nil), v...)
	}
	return clone
}

func isAuto(p TransportParams, key string) bool {
	raw, ok := p[key]
	if !ok {
		return false
	}
	return string(raw) == autoValue
}

func hasNonAutoString(p TransportParams, key string) bool {
	raw, ok := p[key]
	if !ok || string(raw) == autoValue || string(raw) == "null" {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s != ""
}

func getInt(p TransportParams, key string) (int, bool) {
	raw, ok := p[key]
	if !ok {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func setInt(p TransportParams, key string, value int) {
	data, _ := json.Marshal(value)
	p[key] = data
}

func copyString(p TransportParams, fromKey, toKey string) {
	raw, ok := p[fromKey]
	if !ok {
		return
	}
	p[toKey] = append(json.RawMessage(nil), raw...)
}
