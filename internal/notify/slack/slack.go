// Package slack posts hand-off and failure notices to Slack via incoming
// webhooks so support agents see tickets that need a human.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

const (
	maxDescriptionLen = 3000
	httpTimeout       = 10 * time.Second
)

// Notifier implements triage.Notifier for a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify posts e when the run handed the ticket to a human or failed.
// Auto-closed tickets need no attention and are skipped.
func (n *Notifier) Notify(ctx context.Context, e *triage.Event) error {
	if n.webhookURL == "" || !wanted(e) {
		return nil
	}

	body, err := json.Marshal(buildMessage(e))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent",
		"ticket_id", e.TicketID,
		"run_id", e.RunID,
		"kind", string(e.Kind),
	)
	return nil
}

func wanted(e *triage.Event) bool {
	return e.Kind == triage.EventTriageFailed || e.HandedOff()
}

func buildMessage(e *triage.Event) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(e),
			{"type": "divider"},
			fieldsBlock(e),
			{"type": "divider"},
			ticketBlock(e),
			{"type": "divider"},
			contextBlock(e),
		},
	}
}

func headerBlock(e *triage.Event) map[string]any {
	title := "Needs a human"
	if e.Kind == triage.EventTriageFailed {
		title = "Triage failed"
	}
	subject := e.TicketID
	if e.Ticket != nil && e.Ticket.Title != "" {
		subject = e.Ticket.Title
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", statusEmoji(e), title, subject),
		},
	}
}

func fieldsBlock(e *triage.Event) map[string]any {
	field := func(label, value string) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", label, value)}
	}

	var fields []map[string]any
	if o := e.Outcome; o != nil {
		assignee := o.AssigneeID
		if assignee == "" {
			assignee = "_unassigned_"
		}
		fields = append(fields,
			field("Category", string(o.Category)),
			field("Confidence", fmt.Sprintf("%.2f", o.Confidence)),
			field("Assignee", assignee),
			field("Degraded", fmt.Sprintf("%t", o.Degraded)),
			field("Duration", fmt.Sprintf("%.1fs", o.Duration)),
		)
	} else {
		fields = append(fields, field("Error", truncate(e.Error, 500)))
	}
	fields = append(fields, field("Trigger", string(e.Trigger)))

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func ticketBlock(e *triage.Event) map[string]any {
	text := "_Ticket details unavailable._"
	if e.Ticket != nil && e.Ticket.Description != "" {
		text = truncate(e.Ticket.Description, maxDescriptionLen)
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Ticket*\n\n%s", text),
		},
	}
}

func contextBlock(e *triage.Event) map[string]any {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("deskhand • ticket %s • run %s • %s", e.TicketID, e.RunID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func statusEmoji(e *triage.Event) string {
	switch {
	case e.Kind == triage.EventTriageFailed:
		return "\U0001f534" // red circle
	case e.Outcome != nil && e.Outcome.Degraded:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
