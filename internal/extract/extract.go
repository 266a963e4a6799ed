// Package extract converts raw bytes of one attachment or page body into
// plain text. Format-specific parsers (word, slides, PDF, OCR) plug in
// through the Extractor interface; the built-ins cover plain text and HTML.
package extract

import (
	"errors"
	"strings"
)

// ErrUnsupported is returned when no extractor is registered for the mime
// type. Callers keep the raw attachment and simply skip text extraction.
var ErrUnsupported = errors.New("unsupported content type")

// Extractor turns the raw bytes of one document into plain text.
type Extractor interface {
	Extract(data []byte, mimeType string) (string, error)
}

// Registry routes extraction by mime type. An exact match wins over a
// "type/" prefix match.
type Registry struct {
	exact    map[string]Extractor
	byPrefix map[string]Extractor
}

// NewRegistry returns a registry with the built-in text and HTML extractors
// installed.
func NewRegistry() *Registry {
	r := &Registry{
		exact:    make(map[string]Extractor),
		byPrefix: make(map[string]Extractor),
	}
	r.Register("text/html", htmlExtractor{})
	r.Register("text/", textExtractor{})
	return r
}

// Register installs an extractor for a mime type. A key ending in "/"
// registers a prefix match (e.g. "text/").
func (r *Registry) Register(mimeType string, e Extractor) {
	if strings.HasSuffix(mimeType, "/") {
		r.byPrefix[mimeType] = e
		return
	}
	r.exact[mimeType] = e
}

// Extract dispatches to the extractor registered for the mime type.
func (r *Registry) Extract(data []byte, mimeType string) (string, error) {
	mt := mimeType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if e, ok := r.exact[mt]; ok {
		return e.Extract(data, mt)
	}
	for prefix, e := range r.byPrefix {
		if strings.HasPrefix(mt, prefix) {
			return e.Extract(data, mt)
		}
	}
	return "", ErrUnsupported
}

type textExtractor struct{}

func (textExtractor) Extract(data []byte, _ string) (string, error) {
	return string(data), nil
}
