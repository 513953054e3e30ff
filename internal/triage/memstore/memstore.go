// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

// Store holds tickets, suggestions, audit entries, settings, users and
// knowledge-base articles in memory. Suitable for dev/testing.
type Store struct {
	mu          sync.RWMutex
	tickets     map[string]*triage.Ticket
	suggestions map[string]*triage.Suggestion
	byTicket    map[string][]string // ticket ID -> suggestion IDs, oldest first
	audit       []triage.AuditEntry
	settings    *triage.Settings
	users       []triage.User
	articles    []triage.Article
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		tickets:     make(map[string]*triage.Ticket),
		suggestions: make(map[string]*triage.Suggestion),
		byTicket:    make(map[string][]string),
	}
}

// Seed adds users and articles, replacing any with the same ID.
func (s *Store) Seed(users []triage.User, articles []triage.Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users = upsert(s.users, u, func(x triage.User) string { return x.ID })
	}
	for _, a := range articles {
		a.Tags = append([]string(nil), a.Tags...)
		s.articles = upsert(s.articles, a, func(x triage.Article) string { return x.ID })
	}
}

func upsert[T any](xs []T, v T, id func(T) string) []T {
	for i := range xs {
		if id(xs[i]) == id(v) {
			xs[i] = v
			return xs
		}
	}
	return append(xs, v)
}

// GetTicket retrieves a ticket by ID. Returns a copy.
func (s *Store) GetTicket(_ context.Context, id string) (*triage.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

// CreateTicket stores a copy of t at version 1.
func (s *Store) CreateTicket(_ context.Context, t *triage.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; ok {
		return fmt.Errorf("ticket %s already exists: %w", t.ID, triage.ErrConflict)
	}
	t.Version = 1
	s.tickets[t.ID] = t.Clone()
	return nil
}

func (s *Store) updateLocked(t *triage.Ticket) error {
	cur, ok := s.tickets[t.ID]
	if !ok {
		return fmt.Errorf("ticket %s: %w", t.ID, triage.ErrNotFound)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("ticket %s changed (version %d, have %d): %w", t.ID, cur.Version, t.Version, triage.ErrConflict)
	}
	t.Version++
	s.tickets[t.ID] = t.Clone()
	return nil
}

// UpdateTicket replaces t if its version matches the stored one.
func (s *Store) UpdateTicket(_ context.Context, t *triage.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(t)
}

// CountAssigned counts tickets waiting on assigneeID.
func (s *Store) CountAssigned(_ context.Context, assigneeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tickets {
		if t.AssigneeID == assigneeID && t.Status == triage.StatusWaitingHuman {
			n++
		}
	}
	return n, nil
}

// GetSuggestion retrieves a suggestion by ID. Returns a copy.
func (s *Store) GetSuggestion(_ context.Context, id string) (*triage.Suggestion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return nil, false, nil
	}
	return copySuggestion(sg), true, nil
}

// LatestSuggestion returns the most recently committed suggestion for a ticket.
func (s *Store) LatestSuggestion(_ context.Context, ticketID string) (*triage.Suggestion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTicket[ticketID]
	if len(ids) == 0 {
		return nil, false, nil
	}
	return copySuggestion(s.suggestions[ids[len(ids)-1]]), true, nil
}

// UpdateSuggestionDraft replaces a suggestion's draft reply. Auto-closed
// suggestions are immutable.
func (s *Store) UpdateSuggestionDraft(_ context.Context, id, draft string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return fmt.Errorf("suggestion %s: %w", id, triage.ErrNotFound)
	}
	if sg.AutoClosed {
		return fmt.Errorf("suggestion %s was auto-closed: %w", id, triage.ErrInvalidState)
	}
	sg.DraftReply = draft
	return nil
}

// CommitTriage updates t and inserts sg under one lock.
func (s *Store) CommitTriage(_ context.Context, t *triage.Ticket, sg *triage.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suggestions[sg.ID]; ok {
		return fmt.Errorf("suggestion %s already exists: %w", sg.ID, triage.ErrConflict)
	}
	if err := s.updateLocked(t); err != nil {
		return err
	}
	s.suggestions[sg.ID] = copySuggestion(sg)
	s.byTicket[sg.TicketID] = append(s.byTicket[sg.TicketID], sg.ID)
	return nil
}

func copySuggestion(sg *triage.Suggestion) *triage.Suggestion {
	cp := *sg
	cp.ArticleIDs = append([]string(nil), sg.ArticleIDs...)
	return &cp
}

// AppendAudit appends e, assigning its sequence number.
func (s *Store) AppendAudit(_ context.Context, e *triage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = int64(len(s.audit) + 1)
	s.audit = append(s.audit, *e)
	return nil
}

// ListAudit returns entries matching q, newest first unless q.Ascending.
func (s *Store) ListAudit(_ context.Context, q triage.AuditQuery) ([]triage.AuditEntry, error) {
	q = q.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []triage.AuditEntry
	for i := range s.audit {
		if q.Matches(&s.audit[i]) {
			out = append(out, s.audit[i])
		}
	}
	if !q.Ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Offset >= len(out) {
		return []triage.AuditEntry{}, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetSettings returns the stored settings, if any.
func (s *Store) GetSettings(_ context.Context) (triage.Settings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return triage.Settings{}, false, nil
	}
	return *s.settings, true, nil
}

// PutSettings replaces the settings record.
func (s *Store) PutSettings(_ context.Context, st triage.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &st
	return nil
}

// ListUsersByRole returns active users with role, in seed order.
func (s *Store) ListUsersByRole(_ context.Context, role triage.Role) ([]triage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []triage.User
	for _, u := range s.users {
		if u.Role == role && u.Active {
			out = append(out, u)
		}
	}
	return out, nil
}

// SearchArticles scores published articles by how many query terms they
// contain, title hits counting double.
func (s *Store) SearchArticles(_ context.Context, query string, category triage.Category, limit int) ([]triage.Article, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []triage.Article
	for _, a := range s.articles {
		if !a.Published {
			continue
		}
		if category != "" && !a.HasTag(string(category)) {
			continue
		}
		title := tokenSet(a.Title)
		body := tokenSet(a.Body)
		score := 0.0
		for _, t := range terms {
			if title[t] {
				score += 2
			}
			if body[t] {
				score++
			}
		}
		if score == 0 {
			continue
		}
		a.Score = score / float64(3*len(terms))
		out = append(out, a)
	}
	return rank(out, limit), nil
}

// MatchArticles returns published articles tagged with, or titled with, any
// of words.
func (s *Store) MatchArticles(_ context.Context, words []string, limit int) ([]triage.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []triage.Article
	for _, a := range s.articles {
		if !a.Published {
			continue
		}
		title := strings.ToLower(a.Title)
		for _, w := range words {
			if a.HasTag(w) || strings.Contains(title, strings.ToLower(w)) {
				a.Score = 0
				out = append(out, a)
				break
			}
		}
	}
	return rank(out, limit), nil
}

func rank(arts []triage.Article, limit int) []triage.Article {
	sort.SliceStable(arts, func(i, j int) bool {
		if arts[i].Score != arts[j].Score {
			return arts[i].Score > arts[j].Score
		}
		return arts[i].ID < arts[j].ID
	})
	if limit > 0 && len(arts) > limit {
		arts = arts[:limit]
	}
	for i := range arts {
		arts[i].Tags = append([]string(nil), arts[i].Tags...)
	}
	return arts
}

// tokenize returns the distinct lowercase words of s, dropping short ones.
func tokenize(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func tokenSet(s string) map[string]bool {
	m := make(map[string]bool)
	for _, t := range tokenize(s) {
		m[t] = true
	}
	return m
}
