package triage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu          sync.Mutex
	tickets     map[string]*Ticket
	suggestions map[string]*Suggestion
	audit       []AuditEntry
	settings    *Settings
	users       []User
	articles    []Article

	getErr     error
	updateErr  error
	commitErr  error
	searchErr  error
	appendErr  error
	usersErr   error
	updates    int
	searches   int
	matchCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		tickets:     make(map[string]*Ticket),
		suggestions: make(map[string]*Suggestion),
	}
}

func (m *mockStore) addTicket(t *Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = t.Clone()
}

func (m *mockStore) ticket(id string) *Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

func (m *mockStore) auditEntries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *mockStore) suggestionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.suggestions)
}

func (m *mockStore) GetTicket(_ context.Context, id string) (*Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	t, ok := m.tickets[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (m *mockStore) CreateTicket(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Version = 1
	m.tickets[t.ID] = t.Clone()
	return nil
}

func (m *mockStore) updateLocked(t *Ticket) error {
	cur, ok := m.tickets[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != t.Version {
		return ErrConflict
	}
	t.Version++
	m.tickets[t.ID] = t.Clone()
	m.updates++
	return nil
}

func (m *mockStore) UpdateTicket(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	return m.updateLocked(t)
}

func (m *mockStore) CountAssigned(_ context.Context, assigneeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickets {
		if t.AssigneeID == assigneeID && t.Status == StatusWaitingHuman {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) GetSuggestion(_ context.Context, id string) (*Suggestion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *mockStore) LatestSuggestion(_ context.Context, ticketID string) (*Suggestion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Suggestion
	for _, s := range m.suggestions {
		if s.TicketID != ticketID {
			continue
		}
		if latest == nil || s.ID > latest.ID {
			latest = s
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	cp := *latest
	return &cp, true, nil
}

func (m *mockStore) UpdateSuggestionDraft(_ context.Context, id, draft string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return ErrNotFound
	}
	if s.AutoClosed {
		return ErrInvalidState
	}
	s.DraftReply = draft
	return nil
}

func (m *mockStore) CommitTriage(_ context.Context, t *Ticket, s *Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	if err := m.updateLocked(t); err != nil {
		return err
	}
	cp := *s
	m.suggestions[s.ID] = &cp
	return nil
}

func (m *mockStore) AppendAudit(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	e.Seq = int64(len(m.audit) + 1)
	m.audit = append(m.audit, *e)
	return nil
}

func (m *mockStore) ListAudit(_ context.Context, q AuditQuery) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for i := range m.audit {
		if q.Matches(&m.audit[i]) {
			out = append(out, m.audit[i])
		}
	}
	if !q.Ascending {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	}
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *mockStore) GetSettings(_ context.Context) (Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return Settings{}, false, nil
	}
	return *m.settings, true, nil
}

func (m *mockStore) PutSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	return nil
}

func (m *mockStore) ListUsersByRole(_ context.Context, role Role) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usersErr != nil {
		return nil, m.usersErr
	}
	var out []User
	for _, u := range m.users {
		if u.Role == role && u.Active {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockStore) SearchArticles(_ context.Context, query string, category Category, limit int) ([]Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches++
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	words := queryWords(query)
	var out []Article
	for _, a := range m.articles {
		if !a.Published {
			continue
		}
		if category != "" && !a.HasTag(string(category)) {
			continue
		}
		body := normalizeText(a.Title + " " + a.Body)
		for _, w := range words {
			if strings.Contains(body, w) {
				out = append(out, a)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) MatchArticles(_ context.Context, words []string, limit int) ([]Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchCalls++
	var out []Article
	for _, a := range m.articles {
		if !a.Published {
			continue
		}
		title := strings.ToLower(a.Title)
		for _, w := range words {
			if a.HasTag(w) || strings.Contains(title, w) {
				out = append(out, a)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// seededStore returns a store with two agents and a small billing/tech
// knowledge base.
func seededStore() *mockStore {
	m := newMockStore()
	m.users = []User{
		{ID: "u-admin", Name: "Ada", Role: RoleAdmin, Active: true},
		{ID: "u-agent-1", Name: "Bo", Role: RoleAgent, Active: true},
		{ID: "u-agent-2", Name: "Cy", Role: RoleAgent, Active: true},
		{ID: "u-agent-3", Name: "Di", Role: RoleAgent, Active: false},
	}
	m.articles = []Article{
		{ID: "a-refund", Title: "How refunds work", Body: "Refunds are issued to the original payment method within 5 days.", Tags: []string{"billing"}, Published: true, Score: 0.9},
		{ID: "a-invoice", Title: "Downloading an invoice", Body: "Every invoice is available from the billing page.", Tags: []string{"billing"}, Published: true, Score: 0.7},
		{ID: "a-login", Title: "Resetting your password", Body: "Use the forgot password link if login fails.", Tags: []string{"tech"}, Published: true, Score: 0.8},
		{ID: "a-draft", Title: "Unpublished refund notes", Body: "refund internal", Tags: []string{"billing"}, Published: false, Score: 1},
	}
	return m
}

func openTicket(id, title, desc string) *Ticket {
	return &Ticket{
		ID:          id,
		Title:       title,
		Description: desc,
		Category:    CategoryOther,
		Status:      StatusOpen,
		CreatedBy:   "u-customer",
		Version:     1,
	}
}
