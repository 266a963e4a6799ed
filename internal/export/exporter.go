// Package export renders crawl items to markdown documents laid out in
// per-page directories.
package export

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	md "github.com/nao1215/markdown"
	"github.com/rs/zerolog/log"

	"kbharvest/internal/file"
	"kbharvest/internal/model"
)

const pagePrefix = "page_"

// Exporter writes one markdown document per item under
// outputDir/page_<pageIndex>/<key>.md. Page directories are created lazily
// on first write; an attachments directory appears next to the document
// only when the item carries surviving attachments.
type Exporter struct {
	outputDir string
	now       func() time.Time
}

func New(outputDir string) *Exporter {
	return &Exporter{outputDir: outputDir, now: time.Now}
}

// Export renders item and writes it together with its attachments. Write
// failures are retried once before giving up on the item.
func (e *Exporter) Export(item *model.CrawlItem) error {
	pageDir := filepath.Join(e.outputDir, fmt.Sprintf("%s%d", pagePrefix, item.PageIndex))
	if err := file.EnsureDir(pageDir); err != nil {
		return fmt.Errorf("create page directory: %w", err)
	}

	key := sanitizeKey(item.ExternalID)
	doc, err := e.render(item)
	if err != nil {
		return fmt.Errorf("render %s: %w", item.ExternalID, err)
	}
	docPath := filepath.Join(pageDir, key+".md")
	if err := writeRetry(docPath, doc); err != nil {
		return fmt.Errorf("write %s: %w", docPath, err)
	}

	if len(item.Attachments) > 0 {
		attDir := filepath.Join(pageDir, key+"-attachments")
		if err := file.EnsureDir(attDir); err != nil {
			return fmt.Errorf("create attachments directory: %w", err)
		}
		for _, att := range item.Attachments {
			name := sanitizeKey(att.Filename)
			if name == "" {
				name = "attachment"
			}
			p := filepath.Join(attDir, name)
			if err := writeRetry(p, att.Data); err != nil {
				log.Warn().Str("path", p).Err(err).Msg("dropping attachment after failed write")
			}
		}
	}
	return nil
}

// writeRetry writes atomically, retrying once on failure.
func writeRetry(path string, data []byte) error {
	err := file.WriteAtomic(path, data)
	if err == nil {
		return nil
	}
	log.Debug().Str("path", path).Err(err).Msg("retrying failed write")
	return file.WriteAtomic(path, data)
}

func (e *Exporter) render(item *model.CrawlItem) ([]byte, error) {
	var buf bytes.Buffer
	doc := md.NewMarkdown(&buf)

	title := item.Title
	if title == "" {
		title = item.ExternalID
	}
	doc.H1(title)

	if len(item.Fields) > 0 {
		keys := make([]string, 0, len(item.Fields))
		for k := range item.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []string{k, item.Fields[k]})
		}
		doc.Table(md.TableSet{Header: []string{"Field", "Value"}, Rows: rows})
	}

	if body := strings.TrimSpace(item.Body); body != "" {
		doc.PlainText(body)
	}

	if item.Enriched != "" {
		doc.H2("Enriched Content").PlainText(item.Enriched)
	}

	for _, att := range item.Attachments {
		if att.Text == "" {
			continue
		}
		doc.H2("Attachment: " + att.Filename).PlainText(att.Text)
	}

	doc.HorizontalRule()
	if item.Link != "" {
		doc.PlainTextf("Source: %s", item.Link)
	}
	doc.PlainTextf("Exported: %s", e.now().UTC().Format(time.RFC3339))

	if err := doc.Build(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sanitizeKey strips path separators and control characters so an external
// id is always a safe single filename component.
func sanitizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r == '/' || r == '\\' || r == os.PathSeparator:
			b.WriteRune('_')
		case r < 0x20 || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
