package model

import "encoding/json"

// EventKind tags a grain event as the store observed it.
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventRemoved   EventKind = "removed"
	EventModified  EventKind = "modified"
	EventUnchanged EventKind = "unchanged"
)

// GrainEvent is a single resource-change record queued for delivery to
// subscribers whose filter matches it. "removed" carries Pre only,
// "added" carries Post only, "modified" carries both, "unchanged"
// (initial sync) carries Pre and Post equal.
type GrainEvent struct {
	Kind EventKind       `json:"type"`
	Path string          `json:"path"`
	Pre  json.RawMessage `json:"pre,omitempty"`
	Post json.RawMessage `json:"post,omitempty"`
}

// GrainMessage is the WebSocket frame delivered to a subscriber, carrying
// the drained event batch for one flush.
type GrainMessage struct {
	GrainType         string       `json:"grain_type"`
	SourceID          string       `json:"source_id"`
	FlowID            string       `json:"flow_id"`
	OriginTimestamp   string       `json:"origin_timestamp"`
	SyncTimestamp     string       `json:"sync_timestamp"`
	CreationTimestamp string       `json:"creation_timestamp"`
	Rate              Rate         `json:"rate"`
	Duration          Rate         `json:"duration"`
	Grain             GrainPayload `json:"grain"`
}

// Rate is a rational {numerator, denominator} pair, matching the NMOS
// grain rate/duration shape.
type Rate struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// GrainPayload wraps the event data array and topic/type fields.
type GrainPayload struct {
	Type string       `json:"type"`
	Topic string      `json:"topic"`
	Data  []GrainEvent `json:"data"`
}

// Subscription is the durable filter record backing a set of WebSocket
// connections. Its SubResources (on the owning Resource) must contain
// exactly the ids of its grain resources.
type Subscription struct {
	ResourcePath  string            `json:"resource_path"`
	Params        map[string]string `json:"params"`
	Persist       bool              `json:"persist"`
	MaxUpdateRate int               `json:"max_update_rate_ms"`
	Secure        bool              `json:"secure"`
}
