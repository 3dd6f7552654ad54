package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", DetectContentType("notes/README.md", nil))
	assert.Equal(t, "text/plain; charset=utf-8", DetectContentType("compose.YAML", nil))
	assert.Contains(t, DetectContentType("a/b.json", nil), "application/json")
	assert.Equal(t, "application/octet-stream", DetectContentType("blob", nil))
	assert.Equal(t, "image/png", DetectContentType("noext", []byte("\x89PNG\r\n\x1a\n0000")))
}
