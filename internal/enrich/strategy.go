package enrich

import (
	"strings"
	"unicode/utf8"

	"kbharvest/internal/model"
)

const systemPrompt = `You are a document refinement assistant. Rewrite the
input into clean, well-structured Markdown suitable for a knowledge base:
keep the semantic structure and heading hierarchy, strip markup noise and
boilerplate, and preserve all factual content. If the input carries no
meaningful content, respond with an empty document.`

// maxPromptBody bounds how much item body is sent to the generation service.
const maxPromptBody = 16000

// WikiStrategy builds prompts for wiki pages; the whole page body is
// restructured.
type WikiStrategy struct{}

func (WikiStrategy) BuildPrompt(item *model.CrawlItem) string {
	body := strings.TrimSpace(item.Body)
	if body == "" {
		return ""
	}
	return buildPrompt("Page title: "+item.Title, body)
}

func (WikiStrategy) ProcessResult(item *model.CrawlItem, raw string) {
	item.Enriched = strings.TrimSpace(raw)
}

// IssueStrategy builds prompts for tracker issues; the issue summary gives
// the generation service context for the description text.
type IssueStrategy struct{}

func (IssueStrategy) BuildPrompt(item *model.CrawlItem) string {
	body := strings.TrimSpace(item.Body)
	if body == "" {
		return ""
	}
	return buildPrompt("Issue summary: "+item.Title, body)
}

func (IssueStrategy) ProcessResult(item *model.CrawlItem, raw string) {
	item.Enriched = strings.TrimSpace(raw)
}

// StrategyFor returns the strategy for a traversal mode.
func StrategyFor(mode model.Mode) Strategy {
	if mode == model.ModeIssues {
		return IssueStrategy{}
	}
	return WikiStrategy{}
}

func buildPrompt(header, body string) string {
	if len(body) > maxPromptBody {
		// back off to a rune boundary so the cut never splits a multi-byte
		// character
		cut := maxPromptBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(header)
	sb.WriteString("\n\n")
	sb.WriteString(body)
	return sb.String()
}
