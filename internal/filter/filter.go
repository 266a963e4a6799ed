// Package filter implements the two-stage attachment funnel: a cheap
// pre-download check on declared extension and mime hint, and an
// authoritative post-download check on sniffed mime type and actual size.
package filter

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"kbharvest/internal/model"
)

// Rule identifies which filter rule rejected an attachment. RuleNone means
// the attachment passed.
type Rule string

const (
	RuleNone         Rule = ""
	RuleExtension    Rule = "excluded_extension"
	RuleDeclaredMime Rule = "excluded_declared_mime"
	RuleActualMime   Rule = "excluded_actual_mime"
	RuleMaxSize      Rule = "max_size_exceeded"
)

// Filter decides keep/drop for attachments. Immutable once built; safe for
// concurrent use.
type Filter struct {
	excludedMime map[string]struct{}
	excludedExt  map[string]struct{}
	maxSizeBytes int64
	enabled      bool
}

// New builds a Filter from the given config. Extensions are matched
// case-insensitively with a leading dot; mime types are matched on the bare
// type without parameters.
func New(cfg model.FilterConfig) *Filter {
	f := &Filter{
		excludedMime: make(map[string]struct{}, len(cfg.ExcludedMimeTypes)),
		excludedExt:  make(map[string]struct{}, len(cfg.ExcludedExtensions)),
		maxSizeBytes: cfg.MaxSizeBytes,
		enabled:      cfg.Enabled,
	}
	for _, m := range cfg.ExcludedMimeTypes {
		f.excludedMime[normalizeMime(m)] = struct{}{}
	}
	for _, e := range cfg.ExcludedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f.excludedExt[e] = struct{}{}
	}
	return f
}

// PreCheck is stage 1: runs before the download request using only declared
// hints, to avoid network cost for certain-to-be-rejected files. Its
// rejection set is a conservative subset of PostCheck's: it only rejects on
// the same exclusion lists stage 2 enforces on authoritative data.
func (f *Filter) PreCheck(ref model.AttachmentRef) Rule {
	if !f.enabled {
		return RuleNone
	}
	if _, ok := f.excludedExt[strings.ToLower(ref.DeclaredExt)]; ok {
		return RuleExtension
	}
	if _, ok := f.excludedMime[normalizeMime(ref.DeclaredMime)]; ok {
		return RuleDeclaredMime
	}
	return RuleNone
}

// PostCheck is stage 2: runs after download on the sniffed mime type and the
// actual byte size. Authoritative because declared hints are server- or
// attacker-controlled.
func (f *Filter) PostCheck(ref model.AttachmentRef) Rule {
	if !f.enabled {
		return RuleNone
	}
	if _, ok := f.excludedMime[normalizeMime(ref.ActualMime)]; ok {
		return RuleActualMime
	}
	if f.maxSizeBytes > 0 && ref.SizeBytes > f.maxSizeBytes {
		return RuleMaxSize
	}
	return RuleNone
}

// DetectMime sniffs the real mime type from the file content.
func DetectMime(data []byte) string {
	return normalizeMime(mimetype.Detect(data).String())
}

func normalizeMime(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}
