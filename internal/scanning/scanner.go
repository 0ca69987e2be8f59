package scanning

import (
	"context"
	"path/filepath"
	"strings"
)

// Client is a vision model that answers a prompt about one image.
// Both Gemini and Ollama satisfy extraction.Model through it.
type Client interface {
	// Extract sends a PNG image and a prompt, returning the raw text answer
	Extract(ctx context.Context, image []byte, prompt string) (string, error)
	// Close closes the client and releases resources
	Close() error
}

// Document is one uploaded file
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// IsPDF reports whether the document should be split into pages
func (d Document) IsPDF() bool {
	return d.ContentType == "application/pdf"
}

// ContentTypeFor resolves the content type of an upload, falling back to
// the file extension when the client did not send one
func ContentTypeFor(filename, header string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
