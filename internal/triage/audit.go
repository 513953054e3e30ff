package triage

import "time"

// Actor identifies who produced an audit entry.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorAgent  Actor = "agent"
	ActorUser   Actor = "user"
)

// Action is the enumerated audit event kind.
type Action string

const (
	ActionTicketCreated   Action = "TICKET_CREATED"
	ActionTriagePlanned   Action = "TRIAGE_PLANNED"
	ActionClassified      Action = "AGENT_CLASSIFIED"
	ActionKBRetrieved     Action = "KB_RETRIEVED"
	ActionDraftGenerated  Action = "DRAFT_GENERATED"
	ActionDecisionMade    Action = "DECISION_MADE"
	ActionAutoClosed      Action = "AUTO_CLOSED"
	ActionAssignedToHuman Action = "ASSIGNED_TO_HUMAN"
	ActionTriageFailed    Action = "TRIAGE_FAILED"
	ActionTicketReopened  Action = "TICKET_REOPENED"
	ActionTicketClosed    Action = "TICKET_CLOSED"
	ActionReplyAdded      Action = "REPLY_ADDED"
	ActionDraftEdited     Action = "DRAFT_EDITED"
	ActionSettingsUpdated Action = "SETTINGS_UPDATED"
)

// Terminal reports whether a is one of the actions that end a successful run.
func (a Action) Terminal() bool {
	return a == ActionAutoClosed || a == ActionAssignedToHuman
}

// AuditEntry is one immutable record in the audit trail. Entries are never
// updated or deleted.
type AuditEntry struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	TicketID  string         `json:"ticket_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Actor     Actor          `json:"actor"`
	Action    Action         `json:"action"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditQuery filters the audit trail. Zero values mean "no filter".
// Results are newest first unless Ascending is set, which is the order used
// to reconstruct a run.
type AuditQuery struct {
	TicketID  string
	RunID     string
	Actor     Actor
	Action    Action
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
	Ascending bool
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Normalize clamps Limit and Offset into their accepted ranges.
func (q AuditQuery) Normalize() AuditQuery {
	if q.Limit <= 0 {
		q.Limit = defaultAuditLimit
	}
	if q.Limit > maxAuditLimit {
		q.Limit = maxAuditLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches reports whether e passes every filter in q (pagination excluded).
func (q AuditQuery) Matches(e *AuditEntry) bool {
	if q.TicketID != "" && e.TicketID != q.TicketID {
		return false
	}
	if q.RunID != "" && e.RunID != q.RunID {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.Timestamp.Before(q.To) {
		return false
	}
	return true
}
