// Package sanitize strips HTML/script content from the free-text fields
// the NMOS data model exposes to other participants on the network —
// node, device, sender and receiver `label` and `description`. No other
// package in this module calls it, so those values are stored and echoed
// back as received. A registry or controller on the same network supplies these
// values, so they are untrusted input even though they never reach a
// database or shell.
package sanitize

import "github.com/microcosm-cc/bluemonday"

// Sanitizer wraps a bluemonday policy for the free-text resource fields.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// New builds a Sanitizer with a strict policy: every HTML tag and
// attribute is stripped, leaving only the text content. NMOS label and
// description fields are plain text by schema, so nothing is lost by a
// policy this strict.
func New() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text sanitizes a single free-text value.
func (s *Sanitizer) Text(value string) string {
	return s.policy.Sanitize(value)
}

// Fields sanitizes the conventional label/description pair and returns
// the sanitized values. Either may be empty.
func (s *Sanitizer) Fields(label, description string) (string, string) {
	return s.Text(label), s.Text(description)
}
