package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ClassifyPromptVersion = "classify-v1"
	DraftPromptVersion    = "draft-v1"
	KeywordVersion        = "keyword-v1"
	TemplateVersion       = "template-v1"

	// articleExcerptRunes bounds each article body rendered into the draft prompt.
	articleExcerptRunes = 600
)

const systemPrompt = `You are Deskhand, a customer support triage assistant for a helpdesk.
You read support tickets and answer strictly in the JSON format requested.
Never include prose outside the JSON object.`

// buildClassifyPrompt renders the classification request for a ticket.
func buildClassifyPrompt(text string) string {
	return fmt.Sprintf(`Classify the following support ticket into exactly one category.

Categories:
- billing: payments, refunds, invoices, charges, subscriptions
- tech: errors, bugs, login problems, crashes, product not working
- shipping: delivery, tracking, packages, returns in transit
- other: anything else

Ticket:
"""
%s
"""

Respond with JSON: {"predictedCategory": "<billing|tech|shipping|other>", "confidence": <number between 0 and 1>}`,
		text,
	)
}

// buildDraftPrompt renders the drafting request for a ticket and its
// candidate articles, numbered from 1 in the order given.
func buildDraftPrompt(text string, articles []Article) string {
	var b strings.Builder
	for i, a := range articles {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, a.Title, truncateRunes(a.Body, articleExcerptRunes))
	}
	kb := b.String()
	if kb == "" {
		kb = "(no articles found)\n"
	}

	return fmt.Sprintf(`Write a short, friendly reply to the customer's support ticket.
Use only the knowledge base articles below. Cite an article with its bracketed number, e.g. [1].
If no article applies, say that a support agent will follow up.

Ticket:
"""
%s
"""

Knowledge base:
%s
Respond with JSON: {"draftReply": "<reply text>", "citations": [<article numbers you cited>]}`,
		text, kb,
	)
}

var errNoJSON = errors.New("no JSON object in response")

// decodeJSONObject extracts and decodes the first {...} object in text,
// tolerating code fences and surrounding prose.
func decodeJSONObject(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
