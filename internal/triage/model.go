package triage

import (
	"strings"
	"time"
)

// Category is the support queue a ticket belongs to.
type Category string

const (
	CategoryBilling  Category = "billing"
	CategoryTech     Category = "tech"
	CategoryShipping Category = "shipping"
	CategoryOther    Category = "other"
)

// Categories lists the classifiable categories in enumeration order. Ties in
// the keyword classifier resolve to the earliest entry.
var Categories = []Category{CategoryBilling, CategoryTech, CategoryShipping}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryBilling, CategoryTech, CategoryShipping, CategoryOther:
		return true
	}
	return false
}

// Status tracks where a ticket is in its lifecycle.
type Status string

const (
	// StatusOpen means created and not yet triaged
	StatusOpen Status = "open"

	// StatusWaitingHuman means handed off to a support agent
	StatusWaitingHuman Status = "waiting_human"

	// StatusResolved means answered, either automatically or by an agent
	StatusResolved Status = "resolved"

	// StatusClosed means explicitly closed
	StatusClosed Status = "closed"
)

var transitions = map[Status][]Status{
	StatusOpen:         {StatusResolved, StatusWaitingHuman, StatusClosed},
	StatusWaitingHuman: {StatusResolved, StatusWaitingHuman, StatusClosed},
	StatusResolved:     {StatusWaitingHuman, StatusClosed},
	StatusClosed:       {StatusWaitingHuman},
}

// CanTransition reports whether a ticket may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Triageable reports whether the pipeline may run against a ticket in status s.
func Triageable(s Status) bool {
	return s == StatusOpen || s == StatusWaitingHuman
}

// Reply is a single message appended to a ticket thread.
type Reply struct {
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	Generated bool      `json:"generated"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticket is a customer support request.
type Ticket struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     Category  `json:"category"`
	Status       Status    `json:"status"`
	CreatedBy    string    `json:"created_by"`
	AssigneeID   string    `json:"assignee_id,omitempty"`
	SuggestionID string    `json:"suggestion_id,omitempty"`
	Replies      []Reply   `json:"replies"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Text returns the title and description joined the way the pipeline reads them.
func (t *Ticket) Text() string {
	return t.Title + "\n\n" + t.Description
}

// Clone returns a deep copy so callers can mutate replies without aliasing.
func (t *Ticket) Clone() *Ticket {
	cp := *t
	cp.Replies = append([]Reply(nil), t.Replies...)
	return &cp
}

// Mode records whether a classify or draft result came from the remote
// provider or from the local deterministic path.
type Mode string

const (
	ModeRemote   Mode = "remote"
	ModeFallback Mode = "fallback"
	ModeLocal    Mode = "local"
)

// ModelInfo is provenance for a generated classification or draft.
type ModelInfo struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	PromptVersion  string  `json:"prompt_version"`
	LatencySeconds float64 `json:"latency_seconds"`
	Mode           Mode    `json:"mode"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
}

// Degraded reports whether a remote call failed and the local path was used.
func (m ModelInfo) Degraded() bool {
	return m.Mode == ModeFallback
}

// Suggestion is the persisted product of one completed pipeline run.
type Suggestion struct {
	ID                string    `json:"id"`
	TicketID          string    `json:"ticket_id"`
	RunID             string    `json:"run_id"`
	PredictedCategory Category  `json:"predicted_category"`
	ArticleIDs        []string  `json:"article_ids"`
	DraftReply        string    `json:"draft_reply"`
	Confidence        float64   `json:"confidence"`
	AutoClosed        bool      `json:"auto_closed"`
	Model             ModelInfo `json:"model"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Settings is the singleton triage configuration record.
type Settings struct {
	AutoCloseEnabled    bool    `json:"auto_close_enabled"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	SLAHours            int     `json:"sla_hours"`
}

// DefaultSettings applies when no settings record has been stored.
func DefaultSettings() Settings {
	return Settings{
		AutoCloseEnabled:    true,
		ConfidenceThreshold: 0.78,
		SLAHours:            24,
	}
}

// Role is a user's permission level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// User is an account that can own, reply to, or be assigned tickets.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}

// Article is a knowledge-base entry that drafts may cite.
type Article struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags"`
	Published bool     `json:"published"`
	Score     float64  `json:"score"`
}

// HasTag reports whether the article carries tag (case-insensitive).
func (a *Article) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
