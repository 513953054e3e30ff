package triage

import "context"

// TicketStore persists tickets. UpdateTicket performs an optimistic version
// check: it fails with ErrConflict unless the stored version equals t.Version,
// and on success increments t.Version.
type TicketStore interface {
	GetTicket(ctx context.Context, id string) (*Ticket, bool, error)
	CreateTicket(ctx context.Context, t *Ticket) error
	UpdateTicket(ctx context.Context, t *Ticket) error
	CountAssigned(ctx context.Context, assigneeID string) (int, error)
}

// SuggestionStore persists pipeline suggestions.
type SuggestionStore interface {
	GetSuggestion(ctx context.Context, id string) (*Suggestion, bool, error)
	LatestSuggestion(ctx context.Context, ticketID string) (*Suggestion, bool, error)
	UpdateSuggestionDraft(ctx context.Context, id, draft string) error

	// CommitTriage inserts s and updates t in one unit, with the same version
	// check as UpdateTicket. Either both are written or neither is.
	CommitTriage(ctx context.Context, t *Ticket, s *Suggestion) error
}

// AuditLog is the append-only audit trail.
type AuditLog interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}

// SettingsStore holds the singleton Settings record.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, bool, error)
	PutSettings(ctx context.Context, s Settings) error
}

// UserDirectory looks up accounts. ListUsersByRole returns active users in a
// stable order.
type UserDirectory interface {
	ListUsersByRole(ctx context.Context, role Role) ([]User, error)
}

// KnowledgeBase is the article search capability behind Retriever.
type KnowledgeBase interface {
	// SearchArticles runs a relevance-ranked full-text search over published
	// articles, restricted to articles tagged with category when non-empty.
	SearchArticles(ctx context.Context, query string, category Category, limit int) ([]Article, error)

	// MatchArticles is the loose fallback: published articles tagged with any
	// of words, or whose title contains any of them.
	MatchArticles(ctx context.Context, words []string, limit int) ([]Article, error)
}

// Store is the full persistence contract the pipeline and service need.
type Store interface {
	TicketStore
	SuggestionStore
	AuditLog
	SettingsStore
	UserDirectory
	KnowledgeBase
}
