package model

// CrawlItem is one logical unit produced by a traverser: a wiki page or an
// issue. ExternalID is unique within one task's traversal.
type CrawlItem struct {
	ExternalID  string
	Title       string
	Body        string
	ParentID    string
	PageIndex   int
	Link        string
	Fields      map[string]string
	Attachments []AttachmentRef

	// Enriched holds the generation-service output. Empty when enrichment
	// is disabled or failed for this item; the exporter then falls back to
	// the original body.
	Enriched string
}

// AttachmentRef describes one binary attachment of an item. ActualMime,
// SizeBytes and Data are populated only after a successful download; Text is
// populated when a content extractor understands the actual mime type.
type AttachmentRef struct {
	URL          string
	Filename     string
	DeclaredExt  string
	DeclaredMime string
	ActualMime   string
	SizeBytes    int64
	Data         []byte
	Text         string
}

// FilterConfig drives the two-stage attachment funnel. Immutable for the
// duration of one task.
type FilterConfig struct {
	ExcludedMimeTypes  []string `json:"excluded_mime_types" yaml:"excluded_mime_types"`
	ExcludedExtensions []string `json:"excluded_extensions" yaml:"excluded_extensions"`
	MaxSizeBytes       int64    `json:"max_size_bytes" yaml:"max_size_bytes"`
	Enabled            bool     `json:"enabled" yaml:"enabled"`
}
