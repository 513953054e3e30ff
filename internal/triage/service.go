package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultMaxConcurrent bounds background runs started by Submit.
const DefaultMaxConcurrent = 8

// SubmitResult is the outcome of submitting a ticket for background triage.
type SubmitResult struct {
	TicketID string `json:"ticket_id"`
	RunID    string `json:"run_id,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// NewTicket is the caller-supplied part of a ticket.
type NewTicket struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	CreatedBy   string   `json:"created_by"`
}

// Service is the business boundary for ticket and triage operations.
type Service struct {
	store    Store
	engine   *Engine
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	settings SettingsSource
	sem      *semaphore.Weighted
	attempts int
	wg       sync.WaitGroup
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics records submits and retries on m.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier publishes run events to n.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithSettingsSource replaces the store-backed settings lookup.
func WithSettingsSource(src SettingsSource) ServiceOption {
	return func(s *Service) { s.settings = src }
}

// WithMaxConcurrent bounds how many background runs execute at once.
func WithMaxConcurrent(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRetryAttempts sets the attempt count RetryTriage uses when the caller
// gives none, capped at MaxRetryAttempts.
func WithRetryAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.attempts = min(n, MaxRetryAttempts)
		}
	}
}

// WithSleeper replaces the retry backoff wait.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) ServiceOption {
	return func(s *Service) { s.sleep = fn }
}

// WithClock replaces time.Now for lifecycle timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a new triage service.
func NewService(store Store, engine *Engine, logger log.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:    store,
		engine:   engine,
		logger:   logger,
		settings: StoreSettings{Store: store},
		sem:      semaphore.NewWeighted(DefaultMaxConcurrent),
		attempts: DefaultRetryAttempts,
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateTicket stores a new open ticket and submits it for background triage.
func (s *Service) CreateTicket(ctx context.Context, in NewTicket) (*Ticket, *SubmitResult, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" || in.Description == "" {
		return nil, nil, fmt.Errorf("title and description are required: %w", ErrInvalidInput)
	}
	if in.Category == "" {
		in.Category = CategoryOther
	}
	if !in.Category.Valid() {
		return nil, nil, fmt.Errorf("unknown category %q: %w", in.Category, ErrInvalidInput)
	}

	now := s.now()
	t := &Ticket{
		ID:          NewID(),
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Status:      StatusOpen,
		CreatedBy:   in.CreatedBy,
		Replies:     []Reply{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTicket(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("create ticket: %w", err)
	}
	s.auditUser(ctx, t.ID, ActionTicketCreated, in.CreatedBy, map[string]any{
		"category": string(t.Category),
	})

	sr, err := s.Submit(ctx, t.ID, TriggerCreated)
	if err != nil {
		return t, nil, err
	}
	return t, sr, nil
}

// Submit starts a background run for ticketID. Tickets that are not in a
// triageable status are skipped.
func (s *Service) Submit(ctx context.Context, ticketID string, trigger Trigger) (*SubmitResult, error) {
	t, ok, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		s.countSubmit("error")
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if !ok {
		s.countSubmit("not_found")
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	if !Triageable(t.Status) {
		s.countSubmit("skipped")
		return &SubmitResult{TicketID: ticketID, Skipped: true, Reason: "status " + string(t.Status)}, nil
	}

	runID := NewID()
	s.countSubmit("accepted")

	// pass only ids to the goroutine; the run reloads the ticket under its lock.
	s.wg.Add(1)
	go s.runTriage(context.WithoutCancel(ctx), ticketID, runID, trigger)

	return &SubmitResult{TicketID: ticketID, RunID: runID}, nil
}

// Wait blocks until every background run started by Submit has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) runTriage(ctx context.Context, ticketID, runID string, trigger Trigger) {
	defer s.wg.Done()
	L := s.logger.With("ticket_id", ticketID, "run_id", runID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		L.Error(ctx, err, "failed to acquire triage slot")
		return
	}
	defer s.sem.Release(1)

	if _, err := s.Triage(ctx, ticketID, runID, trigger); err != nil {
		L.Warn(ctx, "background triage failed", "error", err.Error())
	}
}

// Triage runs the pipeline synchronously for ticketID with the current
// settings snapshot and publishes the result.
func (s *Service) Triage(ctx context.Context, ticketID, runID string, trigger Trigger) (*Outcome, error) {
	settings, err := s.settings.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		runID = NewID()
	}

	out, err := s.engine.Run(ctx, RunRequest{
		TicketID: ticketID,
		RunID:    runID,
		Settings: &settings,
		Trigger:  trigger,
	})
	s.publish(ctx, ticketID, runID, trigger, out, err)
	return out, err
}

func (s *Service) publish(ctx context.Context, ticketID, runID string, trigger Trigger, out *Outcome, runErr error) {
	if s.notifier == nil {
		return
	}
	// rejected runs (lock held, status not triageable) never started a step.
	var se *StepError
	if runErr != nil && !errors.As(runErr, &se) {
		return
	}

	ev := &Event{
		Kind:     EventTriageCompleted,
		TicketID: ticketID,
		RunID:    runID,
		Trigger:  trigger,
		Outcome:  out,
		Time:     s.now(),
	}
	if runErr != nil {
		ev.Kind = EventTriageFailed
		ev.Error = runErr.Error()
	}
	if t, ok, err := s.store.GetTicket(ctx, ticketID); err == nil && ok {
		ev.Ticket = t
	}

	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Error(ctx, err, "failed to publish triage event",
			"ticket_id", ticketID,
			"run_id", runID,
			"kind", string(ev.Kind),
		)
	}
}

// GetTicket returns a ticket by id.
func (s *Service) GetTicket(ctx context.Context, id string) (*Ticket, bool, error) {
	return s.store.GetTicket(ctx, id)
}

// LatestSuggestion returns the newest suggestion recorded for a ticket.
func (s *Service) LatestSuggestion(ctx context.Context, ticketID string) (*Suggestion, bool, error) {
	return s.store.LatestSuggestion(ctx, ticketID)
}

// Reopen moves a resolved or closed ticket back to waiting_human. It does not
// start a run; callers submit one explicitly if they want the pipeline again.
func (s *Service) Reopen(ctx context.Context, ticketID, userID, reason string) (*Ticket, error) {
	return s.transition(ctx, ticketID, userID, StatusWaitingHuman, ActionTicketReopened, func(t *Ticket) error {
		if t.Status != StatusResolved && t.Status != StatusClosed {
			return fmt.Errorf("ticket %s is %s: %w", t.ID, t.Status, ErrInvalidState)
		}
		return nil
	}, map[string]any{"reason": reason})
}

// Close closes any ticket that is not already closed.
func (s *Service) Close(ctx context.Context, ticketID, userID string) (*Ticket, error) {
	return s.transition(ctx, ticketID, userID, StatusClosed, ActionTicketClosed, nil, nil)
}

// AddReply appends a human reply. When resolve is set a waiting_human ticket
// moves to resolved.
func (s *Service) AddReply(ctx context.Context, ticketID, userID, content string, resolve bool) (*Ticket, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("reply content is required: %w", ErrInvalidInput)
	}

	t, err := s.loadTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusClosed {
		return nil, fmt.Errorf("ticket %s is closed: %w", t.ID, ErrInvalidState)
	}

	from := t.Status
	now := s.now()
	t.Replies = append(t.Replies, Reply{AuthorID: userID, Content: content, CreatedAt: now})
	if resolve {
		if !CanTransition(t.Status, StatusResolved) {
			return nil, fmt.Errorf("ticket %s: %s -> %s: %w", t.ID, t.Status, StatusResolved, ErrInvalidState)
		}
		t.Status = StatusResolved
	}
	t.UpdatedAt = now
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}

	s.auditUser(ctx, t.ID, ActionReplyAdded, userID, map[string]any{
		"from_status":  string(from),
		"status":       string(t.Status),
		"reply_length": len([]rune(content)),
	})
	return t, nil
}

// EditDraft replaces the draft reply on a suggestion.
func (s *Service) EditDraft(ctx context.Context, suggestionID, userID, draft string) (*Suggestion, error) {
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return nil, fmt.Errorf("draft reply is required: %w", ErrInvalidInput)
	}

	sg, ok, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("load suggestion: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, ErrNotFound)
	}
	if sg.AutoClosed {
		return nil, fmt.Errorf("suggestion %s was auto-closed: %w", suggestionID, ErrInvalidState)
	}
	if err := s.store.UpdateSuggestionDraft(ctx, suggestionID, draft); err != nil {
		return nil, fmt.Errorf("update suggestion: %w", err)
	}

	sg.DraftReply = draft
	sg.UpdatedAt = s.now()
	s.auditUser(ctx, sg.TicketID, ActionDraftEdited, userID, map[string]any{
		"suggestion_id": sg.ID,
		"draft_length":  len([]rune(draft)),
	})
	return sg, nil
}

// ListAudit returns audit entries matching q.
func (s *Service) ListAudit(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	return s.store.ListAudit(ctx, q.Normalize())
}

// Settings returns the current settings snapshot.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return s.settings.Settings(ctx)
}

// UpdateSettings validates and stores st. Runs already in flight keep the
// snapshot they started with.
func (s *Service) UpdateSettings(ctx context.Context, userID string, st Settings) (Settings, error) {
	if err := st.Validate(); err != nil {
		return Settings{}, err
	}
	if err := s.store.PutSettings(ctx, st); err != nil {
		return Settings{}, fmt.Errorf("store settings: %w", err)
	}
	s.settings.Invalidate()

	s.auditUser(ctx, "", ActionSettingsUpdated, userID, map[string]any{
		"auto_close_enabled":   st.AutoCloseEnabled,
		"confidence_threshold": st.ConfidenceThreshold,
		"sla_hours":            st.SLAHours,
	})
	return st, nil
}

func (s *Service) loadTicket(ctx context.Context, id string) (*Ticket, error) {
	t, ok, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *Service) transition(ctx context.Context, ticketID, userID string, to Status, action Action, check func(*Ticket) error, meta map[string]any) (*Ticket, error) {
	t, err := s.loadTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(t); err != nil {
			return nil, err
		}
	}
	if !CanTransition(t.Status, to) {
		return nil, fmt.Errorf("ticket %s: %s -> %s: %w", t.ID, t.Status, to, ErrInvalidState)
	}

	from := t.Status
	t.Status = to
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}

	if meta == nil {
		meta = map[string]any{}
	}
	meta["from_status"] = string(from)
	meta["status"] = string(to)
	s.auditUser(ctx, t.ID, action, userID, meta)
	return t, nil
}

// auditUser records a user action. Failures are logged, not returned: the
// change itself has already been stored.
func (s *Service) auditUser(ctx context.Context, ticketID string, action Action, userID string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	if userID != "" {
		meta["user_id"] = userID
	}
	e := &AuditEntry{
		ID:        NewID(),
		TicketID:  ticketID,
		Actor:     ActorUser,
		Action:    action,
		Metadata:  meta,
		Timestamp: s.now(),
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.logger.Error(ctx, err, "failed to append audit entry",
			"ticket_id", ticketID,
			"action", string(action),
		)
	}
}

func (s *Service) countSubmit(result string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}
