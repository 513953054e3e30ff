package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

var _ triage.Notifier = (*Notifier)(nil)

func handOff() *triage.Event {
	return &triage.Event{
		Kind:     triage.EventTriageCompleted,
		TicketID: "01JN123",
		RunID:    "01JNRUN",
		Trigger:  triage.TriggerCreated,
		Outcome: &triage.Outcome{
			Success:    true,
			Decision:   triage.DecisionAssignHuman,
			Confidence: 0.62,
			AssigneeID: "u-agent-1",
			Category:   triage.CategoryShipping,
			Duration:   1.4,
		},
		Ticket: &triage.Ticket{
			ID:          "01JN123",
			Title:       "Package never arrived",
			Description: "Tracking has said in transit for two weeks.",
		},
		Time: time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}
}

func TestNotify_PostsHandOff(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Notify(context.Background(), handOff()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, ticket, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Package never arrived") {
		t.Errorf("header text = %q, want ticket title", headerText)
	}

	raw, _ := json.Marshal(blocks[2])
	if !strings.Contains(string(raw), "u-agent-1") || !strings.Contains(string(raw), "0.62") {
		t.Errorf("fields = %s, want assignee and confidence", raw)
	}
}

func TestNotify_SkipsAutoClosed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := handOff()
	e.Outcome.Decision = triage.DecisionAutoClose
	e.Outcome.AssigneeID = ""

	n := New(srv.URL, log.Nop())
	if err := n.Notify(context.Background(), e); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("webhook called %d times for auto-closed ticket", calls.Load())
	}
}

func TestNotify_PostsFailure(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Notify(context.Background(), &triage.Event{
		Kind:     triage.EventTriageFailed,
		TicketID: "01JN456",
		RunID:    "01JNRUN2",
		Trigger:  triage.TriggerRetry,
		Error:    "kb timeout",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks := got["blocks"].([]any)
	headerText := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Triage failed") || !strings.Contains(headerText, "01JN456") {
		t.Errorf("header text = %q", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Error("header should contain red circle for failure")
	}
	raw, _ := json.Marshal(blocks[2])
	if !strings.Contains(string(raw), "kb timeout") {
		t.Errorf("fields = %s, want error text", raw)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), handOff()); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_TruncatesLongDescription(t *testing.T) {
	t.Parallel()

	e := handOff()
	e.Ticket.Description = strings.Repeat("x", 4000)

	blocks := buildMessage(e)["blocks"].([]map[string]any)
	text := blocks[4]["text"].(map[string]any)["text"].(string)

	if len(text) > maxDescriptionLen+len("*Ticket*\n\n") {
		t.Errorf("ticket text length = %d, expected <= %d", len(text), maxDescriptionLen+len("*Ticket*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated description to end with ...")
	}
}

func TestStatusEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   *triage.Event
		want string
	}{
		{"failed", &triage.Event{Kind: triage.EventTriageFailed}, "\U0001f534"},
		{"degraded", &triage.Event{Kind: triage.EventTriageCompleted, Outcome: &triage.Outcome{Degraded: true}}, "\U0001f7e1"},
		{"normal", &triage.Event{Kind: triage.EventTriageCompleted, Outcome: &triage.Outcome{}}, "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := statusEmoji(tt.ev); got != tt.want {
				t.Errorf("statusEmoji() = %q, want %q", got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("Refund", "I was charged twice.", "billing", "kb down")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", "tech", "")
	f.Add("title\x00\x01\x02", "desc\nline", "ship\tping", "e\x00rr")
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), "other", strings.Repeat("e", 2000))

	f.Fuzz(func(t *testing.T, title, description, category, errText string) {
		ev := &triage.Event{
			Kind:     triage.EventTriageCompleted,
			TicketID: "fuzz-id",
			Outcome:  &triage.Outcome{Decision: triage.DecisionAssignHuman, Category: triage.Category(category)},
			Ticket:   &triage.Ticket{Title: title, Description: description},
			Error:    errText,
			Time:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if errText != "" {
			ev.Kind = triage.EventTriageFailed
			ev.Outcome = nil
		}

		data, err := json.Marshal(buildMessage(ev))
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Notify(context.Background(), handOff())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
