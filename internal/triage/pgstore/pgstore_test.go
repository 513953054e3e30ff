package pgstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/deskhand/internal/postgres"
	"github.com/linnemanlabs/deskhand/internal/triage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DESKHAND_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DESKHAND_TEST_DATABASE_URL not set, skipping integration test")
	}
	s, err := New(context.Background(), dsn, postgres.PoolConfig{MaxConns: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestAuditQuery(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		q        triage.AuditQuery
		wantSQL  []string
		wantArgs int
	}{
		{
			name:     "no filters",
			q:        triage.AuditQuery{Limit: 50},
			wantSQL:  []string{"ORDER BY seq DESC", "LIMIT $1 OFFSET $2"},
			wantArgs: 2,
		},
		{
			name:     "ticket ascending",
			q:        triage.AuditQuery{TicketID: "t-1", Ascending: true, Limit: 10},
			wantSQL:  []string{"WHERE ticket_id = $1", "ORDER BY seq ASC", "LIMIT $2 OFFSET $3"},
			wantArgs: 3,
		},
		{
			name: "all filters",
			q: triage.AuditQuery{
				TicketID: "t-1", RunID: "r-1", Actor: triage.ActorAgent,
				Action: triage.ActionClassified, From: from, To: from.Add(time.Hour), Limit: 5, Offset: 10,
			},
			wantSQL: []string{
				"ticket_id = $1 AND run_id = $2 AND actor = $3 AND action = $4",
				"created_at >= $5 AND created_at < $6",
				"LIMIT $7 OFFSET $8",
			},
			wantArgs: 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sql, args := auditQuery(tt.q)
			for _, frag := range tt.wantSQL {
				if !strings.Contains(sql, frag) {
					t.Errorf("sql %q missing %q", sql, frag)
				}
			}
			if len(args) != tt.wantArgs {
				t.Errorf("args = %d, want %d", len(args), tt.wantArgs)
			}
		})
	}
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Errorf("escapeLike = %q", got)
	}
}

func TestTicketLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	id := triage.NewID()
	tk := &triage.Ticket{
		ID:          id,
		Title:       "Refund please",
		Description: "I was charged twice",
		Category:    triage.CategoryOther,
		Status:      triage.StatusOpen,
		CreatedBy:   "u-customer",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if tk.Version != 1 {
		t.Errorf("Version = %d, want 1", tk.Version)
	}
	if err := s.CreateTicket(ctx, tk); !errors.Is(err, triage.ErrConflict) {
		t.Errorf("duplicate create err = %v, want ErrConflict", err)
	}

	got, ok, err := s.GetTicket(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetTicket: ok=%v err=%v", ok, err)
	}
	if got.Title != tk.Title || got.Status != triage.StatusOpen || len(got.Replies) != 0 {
		t.Errorf("GetTicket = %+v", got)
	}

	stale := got.Clone()
	got.Category = triage.CategoryBilling
	got.Replies = append(got.Replies, triage.Reply{AuthorID: "u-agent", Content: "on it", CreatedAt: now})
	if err := s.UpdateTicket(ctx, got); err != nil {
		t.Fatalf("UpdateTicket: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if err := s.UpdateTicket(ctx, stale); !errors.Is(err, triage.ErrConflict) {
		t.Errorf("stale update err = %v, want ErrConflict", err)
	}
	missing := &triage.Ticket{ID: "missing", Version: 1}
	if err := s.UpdateTicket(ctx, missing); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("missing update err = %v, want ErrNotFound", err)
	}

	reloaded, _, _ := s.GetTicket(ctx, id)
	if len(reloaded.Replies) != 1 || reloaded.Replies[0].Content != "on it" {
		t.Errorf("Replies = %+v", reloaded.Replies)
	}
}

func TestCommitTriage(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	tk := &triage.Ticket{
		ID: triage.NewID(), Title: "Login broken", Description: "error on sign in",
		Category: triage.CategoryTech, Status: triage.StatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if err := s.PutUser(ctx, triage.User{ID: "pg-agent", Name: "Pat", Role: triage.RoleAgent, Active: true}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	sg := &triage.Suggestion{
		ID: triage.NewID(), TicketID: tk.ID, RunID: triage.NewID(),
		PredictedCategory: triage.CategoryTech, ArticleIDs: []string{"kb-password"},
		DraftReply: "Try resetting your password.", Confidence: 0.7,
		Model:     triage.ModelInfo{Provider: "local", Mode: triage.ModeLocal, PromptVersion: "classify-v1+draft-v1"},
		CreatedAt: now, UpdatedAt: now,
	}
	tk.Status = triage.StatusWaitingHuman
	tk.AssigneeID = "pg-agent"
	tk.SuggestionID = sg.ID
	if err := s.CommitTriage(ctx, tk, sg); err != nil {
		t.Fatalf("CommitTriage: %v", err)
	}

	latest, ok, err := s.LatestSuggestion(ctx, tk.ID)
	if err != nil || !ok {
		t.Fatalf("LatestSuggestion: ok=%v err=%v", ok, err)
	}
	if latest.ID != sg.ID || latest.Model.PromptVersion != "classify-v1+draft-v1" || len(latest.ArticleIDs) != 1 {
		t.Errorf("LatestSuggestion = %+v", latest)
	}

	n, err := s.CountAssigned(ctx, "pg-agent")
	if err != nil || n < 1 {
		t.Errorf("CountAssigned = %d, %v", n, err)
	}

	// A stale commit must leave no suggestion behind.
	stale := *tk
	stale.Version = 1
	sg2 := *sg
	sg2.ID = triage.NewID()
	if err := s.CommitTriage(ctx, &stale, &sg2); !errors.Is(err, triage.ErrConflict) {
		t.Fatalf("stale commit err = %v, want ErrConflict", err)
	}
	if _, ok, _ := s.GetSuggestion(ctx, sg2.ID); ok {
		t.Error("suggestion persisted despite conflict")
	}

	if err := s.UpdateSuggestionDraft(ctx, sg.ID, "edited"); err != nil {
		t.Fatalf("UpdateSuggestionDraft: %v", err)
	}
	edited, _, _ := s.GetSuggestion(ctx, sg.ID)
	if edited.DraftReply != "edited" {
		t.Errorf("DraftReply = %q", edited.DraftReply)
	}
	if err := s.UpdateSuggestionDraft(ctx, "missing", "x"); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("missing draft err = %v, want ErrNotFound", err)
	}

	// Auto-closed drafts are frozen.
	closed := *sg
	closed.ID = triage.NewID()
	closed.AutoClosed = true
	tk.Status = triage.StatusResolved
	tk.SuggestionID = closed.ID
	if err := s.CommitTriage(ctx, tk, &closed); err != nil {
		t.Fatalf("CommitTriage auto-close: %v", err)
	}
	if err := s.UpdateSuggestionDraft(ctx, closed.ID, "tampered"); !errors.Is(err, triage.ErrInvalidState) {
		t.Errorf("auto-closed draft err = %v, want ErrInvalidState", err)
	}
	frozen, _, _ := s.GetSuggestion(ctx, closed.ID)
	if frozen.DraftReply != sg.DraftReply {
		t.Errorf("auto-closed DraftReply = %q, want %q", frozen.DraftReply, sg.DraftReply)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ticketID := triage.NewID()
	now := time.Now().Truncate(time.Microsecond).UTC()
	actions := []triage.Action{triage.ActionTicketCreated, triage.ActionTriagePlanned, triage.ActionClassified}
	for i, a := range actions {
		e := &triage.AuditEntry{
			ID: triage.NewID(), TicketID: ticketID, Actor: triage.ActorAgent, Action: a,
			Metadata: map[string]any{"i": i}, Timestamp: now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
		if e.Seq == 0 {
			t.Error("Seq not assigned")
		}
	}

	asc, err := s.ListAudit(ctx, triage.AuditQuery{TicketID: ticketID, Ascending: true})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(asc) != 3 || asc[0].Action != triage.ActionTicketCreated {
		t.Fatalf("ascending = %+v", asc)
	}
	if asc[1].Metadata["i"] != float64(1) {
		t.Errorf("metadata = %v", asc[1].Metadata)
	}

	desc, _ := s.ListAudit(ctx, triage.AuditQuery{TicketID: ticketID, Limit: 1, Offset: 1})
	if len(desc) != 1 || desc[0].Action != triage.ActionTriagePlanned {
		t.Errorf("page = %+v", desc)
	}

	_, err = s.pool.Exec(ctx, `DELETE FROM audit_log WHERE ticket_id = $1`, ticketID)
	if err == nil {
		t.Error("audit_log accepted a DELETE")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	want := triage.Settings{AutoCloseEnabled: false, ConfidenceThreshold: 0.5, SLAHours: 8}
	if err := s.PutSettings(ctx, want); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	got, ok, err := s.GetSettings(ctx)
	if err != nil || !ok {
		t.Fatalf("GetSettings: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("GetSettings = %+v, want %+v", got, want)
	}
}

func TestArticleSearch(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	arts := []triage.Article{
		{ID: "pg-refund", Title: "Refund timelines", Body: "Refunds reach your card within five days.", Tags: []string{"Billing"}, Published: true},
		{ID: "pg-reset", Title: "Password reset", Body: "Use the reset link to regain access.", Tags: []string{"tech"}, Published: true},
		{ID: "pg-hidden", Title: "Refund internals", Body: "refund refund refund", Tags: []string{"billing"}, Published: false},
	}
	if err := s.Seed(ctx, nil, arts); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	got, err := s.SearchArticles(ctx, "refund card", triage.CategoryBilling, 5)
	if err != nil {
		t.Fatalf("SearchArticles: %v", err)
	}
	if len(got) == 0 || got[0].ID != "pg-refund" || got[0].Score <= 0 {
		t.Errorf("SearchArticles = %+v", got)
	}
	for _, a := range got {
		if a.ID == "pg-hidden" {
			t.Error("unpublished article returned")
		}
	}

	none, err := s.SearchArticles(ctx, "refund", triage.CategoryTech, 5)
	if err != nil {
		t.Fatalf("SearchArticles: %v", err)
	}
	for _, a := range none {
		if a.ID == "pg-refund" {
			t.Error("category filter ignored")
		}
	}

	matched, err := s.MatchArticles(ctx, []string{"password"}, 5)
	if err != nil {
		t.Fatalf("MatchArticles: %v", err)
	}
	found := false
	for _, a := range matched {
		found = found || a.ID == "pg-reset"
	}
	if !found {
		t.Errorf("MatchArticles = %+v, want pg-reset", matched)
	}
}
