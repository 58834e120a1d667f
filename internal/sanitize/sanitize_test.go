package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizer_Text_StripsHTML(t *testing.T) {
	s := New()
	out := s.Text(`<script>alert(1)</script>Studio Camera 1`)
	assert.Equal(t, "Studio Camera 1", out)
}

func TestSanitizer_Text_PassesPlainTextThrough(t *testing.T) {
	s := New()
	assert.Equal(t, "Gallery feed B", s.Text("Gallery feed B"))
}

func TestSanitizer_Fields(t *testing.T) {
	s := New()
	label, desc := s.Fields("<b>Cam 1</b>", "<img src=x onerror=alert(1)>Main studio camera")
	assert.Equal(t, "Cam 1", label)
	assert.Equal(t, "Main studio camera", desc)
}
