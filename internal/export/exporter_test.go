package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kbharvest/internal/model"
)

func testExporter(dir string) *Exporter {
	e := New(dir)
	e.now = func() time.Time { return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC) }
	return e
}

func TestExportWritesDocumentIntoPageDirectory(t *testing.T) {
	dir := t.TempDir()
	e := testExporter(dir)

	item := &model.CrawlItem{
		ExternalID: "PROJ-42",
		Title:      "Login fails on slow networks",
		Body:       "Users behind satellite links cannot log in.",
		PageIndex:  2,
		Link:       "http://issues.internal/browse/PROJ-42",
		Fields:     map[string]string{"status": "Done", "priority": "Major"},
		Enriched:   "Rewritten summary.",
	}
	if err := e.Export(item); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "page_2", "PROJ-42.md"))
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	doc := string(data)
	for _, want := range []string{
		"# Login fails on slow networks",
		"status",
		"Major",
		"satellite links",
		"## Enriched Content",
		"Rewritten summary.",
		"Source: http://issues.internal/browse/PROJ-42",
		"2026-02-03T04:05:06Z",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestExportWritesAttachmentsOnlyWhenPresent(t *testing.T) {
	dir := t.TempDir()
	e := testExporter(dir)

	bare := &model.CrawlItem{ExternalID: "123", Title: "No attachments", Body: "x"}
	if err := e.Export(bare); err != nil {
		t.Fatalf("export bare: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "page_0", "123-attachments")); !os.IsNotExist(err) {
		t.Fatalf("attachments directory must not exist for bare item")
	}

	withAtt := &model.CrawlItem{
		ExternalID: "124",
		Title:      "Has attachment",
		Body:       "y",
		Attachments: []model.AttachmentRef{{
			Filename: "doc.pdf",
			Data:     []byte("%PDF-1.4 fake"),
			Text:     "extracted pdf text",
		}},
	}
	if err := e.Export(withAtt); err != nil {
		t.Fatalf("export with attachment: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "page_0", "124-attachments", "doc.pdf"))
	if err != nil {
		t.Fatalf("read attachment: %v", err)
	}
	if string(raw) != "%PDF-1.4 fake" {
		t.Fatalf("attachment bytes mangled: %q", raw)
	}

	doc, err := os.ReadFile(filepath.Join(dir, "page_0", "124.md"))
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	if !strings.Contains(string(doc), "## Attachment: doc.pdf") ||
		!strings.Contains(string(doc), "extracted pdf text") {
		t.Fatalf("document missing attachment text section:\n%s", doc)
	}
}

func TestExportSanitizesExternalID(t *testing.T) {
	dir := t.TempDir()
	e := testExporter(dir)

	item := &model.CrawlItem{ExternalID: `bad/id:with*chars`, Title: "t", Body: "b"}
	if err := e.Export(item); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "page_0", "bad_id_with_chars.md")); err != nil {
		t.Fatalf("sanitized document missing: %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"PROJ-1":       "PROJ-1",
		" spaced ":     "spaced",
		`a/b\c`:        "a_b_c",
		"q?<>|\"s":     "q_____s",
		"tab\there":    "tab_here",
		"план выпуска": "план выпуска",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
