package utils

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// DetectContentType resolves a mime type from the file extension. When the
// extension is unknown and content is given, the bytes are sniffed instead.
func DetectContentType(name string, content []byte) string {
	if isTextLike(name) {
		return "text/plain; charset=utf-8"
	}
	if mimeType := mime.TypeByExtension(filepath.Ext(name)); mimeType != "" {
		return mimeType
	}
	if len(content) > 0 {
		return mimetype.Detect(content).String()
	}
	return defaultContentType
}

func isTextLike(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".yaml", ".yml", ".toml", ".md", ".conf", ".ini", ".log":
		return true
	}
	return false
}
