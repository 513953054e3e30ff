package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	draftMaxTokens = 1024

	// maxTemplateCitations is how many articles the template drafter lists.
	maxTemplateCitations = 2

	draftOpening  = "Thanks for reaching out to our support team."
	draftIntro    = "Based on your request, these articles should help:"
	draftClosing  = "If this doesn't resolve your issue, just reply to this message and a support agent will follow up."
	draftNoResult = "We have received your request and a member of our support team will respond shortly."
)

// Citation links a marker in a draft to the article it refers to.
type Citation struct {
	Marker    string `json:"marker"`
	ArticleID string `json:"article_id"`
	Title     string `json:"title"`
}

// Draft is a proposed reply to a ticket.
type Draft struct {
	Reply     string
	Citations []Citation
	Model     ModelInfo
}

// Drafter writes a reply from ticket text and candidate articles.
type Drafter interface {
	Draft(ctx context.Context, ticketText string, articles []Article) (*Draft, error)
}

// TemplateDrafter is the deterministic drafter. It never fails.
type TemplateDrafter struct{}

// Draft implements Drafter.
func (TemplateDrafter) Draft(_ context.Context, _ string, articles []Article) (*Draft, error) {
	return draftTemplate(articles), nil
}

func draftTemplate(articles []Article) *Draft {
	d := &Draft{
		Model: ModelInfo{
			Provider:      "local",
			Model:         "template",
			PromptVersion: TemplateVersion,
			Mode:          ModeLocal,
		},
	}

	if len(articles) == 0 {
		d.Reply = draftOpening + " " + draftNoResult
		return d
	}

	var b strings.Builder
	b.WriteString(draftOpening)
	b.WriteString(" ")
	b.WriteString(draftIntro)
	b.WriteString("\n\n")
	for i, a := range articles {
		if i == maxTemplateCitations {
			break
		}
		marker := fmt.Sprintf("[%d]", i+1)
		fmt.Fprintf(&b, "%s %s\n", marker, a.Title)
		d.Citations = append(d.Citations, Citation{Marker: marker, ArticleID: a.ID, Title: a.Title})
	}
	b.WriteString("\n")
	b.WriteString(draftClosing)
	d.Reply = b.String()
	return d
}

// RemoteDrafter asks an LLM provider for the reply and falls back to the
// template drafter on any provider, timeout or decode failure.
type RemoteDrafter struct {
	provider Provider
	timeout  time.Duration
	logger   log.Logger
}

// NewRemoteDrafter creates a drafter backed by provider.
func NewRemoteDrafter(provider Provider, timeout time.Duration, logger log.Logger) *RemoteDrafter {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &RemoteDrafter{provider: provider, timeout: timeout, logger: logger}
}

type draftResponse struct {
	DraftReply string `json:"draftReply"`
	Citations  []int  `json:"citations"`
}

// Draft implements Drafter.
func (d *RemoteDrafter) Draft(ctx context.Context, ticketText string, articles []Article) (*Draft, error) {
	start := time.Now()
	res, err := d.draftRemote(ctx, ticketText, articles)
	if err == nil {
		res.Model.LatencySeconds = time.Since(start).Seconds()
		return res, nil
	}

	d.logger.Warn(ctx, "remote draft failed, using template fallback",
		"provider", d.provider.Name(),
		"error", err.Error(),
	)
	fb := draftTemplate(articles)
	fb.Model.Mode = ModeFallback
	fb.Model.FallbackReason = err.Error()
	fb.Model.LatencySeconds = time.Since(start).Seconds()
	return fb, nil
}

func (d *RemoteDrafter) draftRemote(ctx context.Context, ticketText string, articles []Article) (*Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.provider.Send(ctx, &LLMRequest{
		MaxTokens: draftMaxTokens,
		System:    systemPrompt,
		Messages:  userMessage(buildDraftPrompt(ticketText, articles)),
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", d.provider.Name(), err)
	}

	var out draftResponse
	if err := decodeJSONObject(resp.Text(), &out); err != nil {
		return nil, err
	}
	reply := strings.TrimSpace(out.DraftReply)
	if reply == "" {
		return nil, errors.New("empty draft reply")
	}

	draft := &Draft{
		Reply: reply,
		Model: ModelInfo{
			Provider:      d.provider.Name(),
			Model:         resp.Model,
			PromptVersion: DraftPromptVersion,
			Mode:          ModeRemote,
		},
	}
	seen := make(map[int]bool)
	for _, n := range out.Citations {
		if n < 1 || n > len(articles) {
			return nil, fmt.Errorf("citation [%d] out of range (%d articles)", n, len(articles))
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		a := articles[n-1]
		draft.Citations = append(draft.Citations, Citation{
			Marker:    fmt.Sprintf("[%d]", n),
			ArticleID: a.ID,
			Title:     a.Title,
		})
	}
	return draft, nil
}
