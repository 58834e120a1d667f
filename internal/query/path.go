// Package query implements the Query Engine: parsing flat, URL-decoded
// query parameters into a filter predicate and paging parameters, and
// evaluating both against resources drawn from the Resource Store.
//
// Basic-query matching and RQL evaluation both walk a resource's JSON
// data as a generic map[string]any, addressed by dot-separated paths
// (array elements by numeric index), rather than through the model
// package's typed structs — the filter has to work uniformly across
// node/device/source/flow/sender/receiver/subscription payloads, which
// don't share a common Go type.
package query

import (
	"encoding/json"
	"strconv"
	"strings"
)

// decode unmarshals a resource's raw JSON data into a generic map for
// path lookups. A resource whose data doesn't decode to an object
// (e.g. an erased resource with nil Data) yields an empty map, so path
// lookups against it simply fail to match rather than panicking.
func decode(data json.RawMessage) map[string]any {
	if len(data) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// getPath resolves a dot-separated path against a decoded resource,
// indexing into arrays with numeric segments. It returns false if any
// segment along the way is absent or of the wrong shape.
func getPath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// stringify renders an arbitrary JSON-decoded value as a string for
// comparison purposes. Strings pass through unchanged; everything else
// (numbers, bools, nested objects/arrays) is re-marshaled to its JSON
// text, which is sufficient for equality and substring matching.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
