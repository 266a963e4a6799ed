package extract

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// htmlExtractor flattens an HTML document into readable plain text. Script
// and style subtrees are dropped; block elements produce line breaks.
type htmlExtractor struct{}

var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "tr": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"table": {}, "ul": {}, "ol": {}, "pre": {}, "blockquote": {},
}

func (htmlExtractor) Extract(data []byte, _ string) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if _, block := blockElements[n.Data]; block {
				sb.WriteByte('\n')
			}
		case html.TextNode:
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return collapseWhitespace(sb.String()), nil
}

// collapseWhitespace trims every line and squeezes runs of blank lines down
// to one.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
