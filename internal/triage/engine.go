// internal/triage/engine.go
package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const tracerName = "github.com/linnemanlabs/deskhand/internal/triage"

const (
	// CategoryUpdateThreshold is the confidence above which the predicted
	// category is written back to the ticket.
	CategoryUpdateThreshold = 0.7

	// DefaultSystemUserID authors auto-close replies.
	DefaultSystemUserID = "system"
)

// Pipeline step names, as recorded in audit metadata and spans.
const (
	StepLoad     = "load"
	StepPlan     = "plan"
	StepClassify = "classify"
	StepRetrieve = "retrieve"
	StepDraft    = "draft"
	StepDecide   = "decide"
	StepExecute  = "execute"
)

// PlanSteps is the fixed pipeline recorded in every plan entry.
var PlanSteps = []string{StepClassify, StepRetrieve, StepDraft, StepDecide, StepExecute}

// Trigger names what started a run.
type Trigger string

const (
	TriggerCreated Trigger = "created"
	TriggerManual  Trigger = "manual"
	TriggerRetry   Trigger = "retry"
)

// NewID returns a new sortable identifier for runs, tickets and suggestions.
func NewID() string {
	return ulid.Make().String()
}

// RunRequest is one invocation of the pipeline. Settings is the configuration
// snapshot the decision uses; nil means DefaultSettings.
type RunRequest struct {
	TicketID string
	RunID    string
	Settings *Settings
	Trigger  Trigger
}

// Outcome is the result of a successful run.
type Outcome struct {
	Success      bool           `json:"success"`
	RunID        string         `json:"run_id"`
	TicketID     string         `json:"ticket_id"`
	Decision     DecisionAction `json:"decision"`
	Confidence   float64        `json:"confidence"`
	SuggestionID string         `json:"suggestion_id"`
	AssigneeID   string         `json:"assignee_id,omitempty"`
	Category     Category       `json:"category"`
	Degraded     bool           `json:"degraded"`
	Duration     float64        `json:"duration_seconds"`
}

// CompleteEvent summarizes a finished run for hooks.
type CompleteEvent struct {
	Status     string
	Trigger    Trigger
	Decision   DecisionAction
	Confidence float64
	Degraded   bool
	Duration   float64
}

// Run completion statuses reported through EngineHooks.OnComplete.
const (
	RunAutoClosed = "auto_closed"
	RunAssigned   = "assigned"
	RunFailed     = "failed"
	RunConflict   = "conflict"
	RunRejected   = "rejected"
)

// EngineHooks are optional callbacks for observability. Nil funcs are skipped.
type EngineHooks struct {
	OnStep     func(step string, duration float64, err error)
	OnModel    func(op string, info ModelInfo)
	OnComplete func(e *CompleteEvent)
}

// EngineDeps bundles the collaborators of an Engine.
type EngineDeps struct {
	Store        Store
	Classifier   Classifier
	Retriever    *Retriever
	Drafter      Drafter
	Assigner     Assigner
	Locker       Locker
	Logger       log.Logger
	Hooks        EngineHooks
	SystemUserID string
	Now          func() time.Time
}

// Engine runs the fixed classify, retrieve, draft, decide, execute pipeline
// against one ticket, writing one audit entry per step.
type Engine struct {
	store        Store
	classifier   Classifier
	retriever    *Retriever
	drafter      Drafter
	assigner     Assigner
	locker       Locker
	logger       log.Logger
	hooks        EngineHooks
	systemUserID string
	now          func() time.Time
}

// NewEngine creates a new triage engine. Store is required; the remaining
// collaborators default to the deterministic implementations.
func NewEngine(deps EngineDeps) *Engine {
	if deps.Store == nil {
		panic(xerrors.New("triage store is required"))
	}
	e := &Engine{
		store:        deps.Store,
		classifier:   deps.Classifier,
		retriever:    deps.Retriever,
		drafter:      deps.Drafter,
		assigner:     deps.Assigner,
		locker:       deps.Locker,
		logger:       deps.Logger,
		hooks:        deps.Hooks,
		systemUserID: deps.SystemUserID,
		now:          deps.Now,
	}
	if e.classifier == nil {
		e.classifier = KeywordClassifier{}
	}
	if e.retriever == nil {
		e.retriever = NewRetriever(deps.Store)
	}
	if e.drafter == nil {
		e.drafter = TemplateDrafter{}
	}
	if e.assigner == nil {
		e.assigner = &FirstAvailable{users: deps.Store}
	}
	if e.locker == nil {
		e.locker = NewKeyedLocker()
	}
	if e.logger == nil {
		e.logger = log.Nop()
	}
	if e.systemUserID == "" {
		e.systemUserID = DefaultSystemUserID
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// runState carries every step's output through a single run. The audit log
// is written alongside it but never read back.
type runState struct {
	req       RunRequest
	settings  Settings
	ticket    *Ticket
	class     *Classification
	retrieval *Retrieval
	draft     *Draft
	decision  Decision
	sugg      *Suggestion
	L         log.Logger
}

type step struct {
	name string
	fn   func(ctx context.Context, rs *runState) error
}

// Run executes the pipeline for req.TicketID. On success it returns the
// outcome; on failure it records a TRIAGE_FAILED entry and returns a
// *StepError. Steps completed before a failure are not rolled back.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	start := e.now()
	if req.RunID == "" {
		req.RunID = NewID()
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	settings := DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.run", trace.WithAttributes(
		attribute.String("deskhand.ticket.id", req.TicketID),
		attribute.String("deskhand.run.id", req.RunID),
		attribute.String("deskhand.run.trigger", string(req.Trigger)),
	))
	defer span.End()

	rs := &runState{
		req:      req,
		settings: settings,
		L: e.logger.With(
			"ticket_id", req.TicketID,
			"run_id", req.RunID,
			"trigger", string(req.Trigger),
		),
	}
	// Store calls log through the run logger.
	ctx = log.WithContext(ctx, rs.L)

	unlock, err := e.locker.TryLock(ctx, req.TicketID)
	if err != nil {
		status := RunFailed
		if errors.Is(err, ErrConflict) {
			status = RunConflict
		}
		rs.L.Warn(ctx, "triage rejected, ticket is locked", "error", err.Error())
		span.SetStatus(codes.Error, err.Error())
		e.complete(rs, status, start)
		return nil, err
	}
	defer unlock()

	ticket, ok, err := e.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		return nil, e.fail(ctx, rs, span, StepLoad, fmt.Errorf("load ticket: %w", err), start)
	}
	if !ok {
		return nil, e.fail(ctx, rs, span, StepLoad, fmt.Errorf("ticket %s: %w", req.TicketID, ErrNotFound), start)
	}
	if !Triageable(ticket.Status) {
		err := fmt.Errorf("ticket %s is %s: %w", ticket.ID, ticket.Status, ErrInvalidState)
		rs.L.Warn(ctx, "triage rejected", "status", string(ticket.Status))
		span.SetStatus(codes.Error, err.Error())
		e.complete(rs, RunRejected, start)
		return nil, err
	}
	rs.ticket = ticket

	steps := []step{
		{StepPlan, e.plan},
		{StepClassify, e.classify},
		{StepRetrieve, e.retrieve},
		{StepDraft, e.draftReply},
		{StepDecide, e.decide},
		{StepExecute, e.execute},
	}
	for _, s := range steps {
		if err := e.runStep(ctx, rs, s); err != nil {
			return nil, e.fail(ctx, rs, span, s.name, err, start)
		}
	}

	out := &Outcome{
		Success:      true,
		RunID:        req.RunID,
		TicketID:     rs.ticket.ID,
		Decision:     rs.decision.Action,
		Confidence:   rs.class.Confidence,
		SuggestionID: rs.sugg.ID,
		AssigneeID:   rs.ticket.AssigneeID,
		Category:     rs.ticket.Category,
		Degraded:     rs.sugg.Model.Degraded(),
		Duration:     e.now().Sub(start).Seconds(),
	}

	span.SetAttributes(
		attribute.String("deskhand.decision", string(out.Decision)),
		attribute.Float64("deskhand.confidence", out.Confidence),
		attribute.Bool("deskhand.degraded", out.Degraded),
	)

	status := RunAssigned
	if out.Decision == DecisionAutoClose {
		status = RunAutoClosed
	}
	e.complete(rs, status, start)

	rs.L.Info(ctx, "triage complete",
		"decision", string(out.Decision),
		"confidence", out.Confidence,
		"category", string(out.Category),
		"assignee_id", out.AssigneeID,
		"degraded", out.Degraded,
		"duration", out.Duration,
	)
	return out, nil
}

func (e *Engine) runStep(ctx context.Context, rs *runState, s step) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.step", trace.WithAttributes(
		attribute.String("deskhand.step", s.name),
		attribute.String("deskhand.run.id", rs.req.RunID),
	))
	defer span.End()

	start := time.Now()
	err := s.fn(ctx, rs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.hooks.OnStep != nil {
		e.hooks.OnStep(s.name, time.Since(start).Seconds(), err)
	}
	return err
}

// fail records the terminal failure entry and wraps err.
func (e *Engine) fail(ctx context.Context, rs *runState, span trace.Span, stepName string, err error, start time.Time) error {
	rs.L.Error(ctx, err, "triage step failed", "step", stepName)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if aerr := e.audit(ctx, rs, ActorSystem, ActionTriageFailed, map[string]any{
		"step":  stepName,
		"error": err.Error(),
	}); aerr != nil {
		rs.L.Error(ctx, aerr, "failed to record triage failure")
	}

	e.complete(rs, RunFailed, start)
	return &StepError{Step: stepName, RunID: rs.req.RunID, Err: err}
}

func (e *Engine) complete(rs *runState, status string, start time.Time) {
	if e.hooks.OnComplete == nil {
		return
	}
	ev := &CompleteEvent{
		Status:   status,
		Trigger:  rs.req.Trigger,
		Duration: e.now().Sub(start).Seconds(),
	}
	if rs.class != nil {
		ev.Confidence = rs.class.Confidence
	}
	if rs.sugg != nil {
		ev.Decision = rs.decision.Action
		ev.Degraded = rs.sugg.Model.Degraded()
	}
	e.hooks.OnComplete(ev)
}

func (e *Engine) audit(ctx context.Context, rs *runState, actor Actor, action Action, meta map[string]any) error {
	entry := &AuditEntry{
		ID:        NewID(),
		TicketID:  rs.req.TicketID,
		RunID:     rs.req.RunID,
		Actor:     actor,
		Action:    action,
		Metadata:  meta,
		Timestamp: e.now(),
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

func (e *Engine) observeModel(op string, info ModelInfo) {
	if e.hooks.OnModel != nil {
		e.hooks.OnModel(op, info)
	}
}

// plan records the fixed step list and a snapshot of the ticket. It only
// observes; the ticket is not touched.
func (e *Engine) plan(ctx context.Context, rs *runState) error {
	t := rs.ticket
	return e.audit(ctx, rs, ActorSystem, ActionTriagePlanned, map[string]any{
		"steps":   PlanSteps,
		"trigger": string(rs.req.Trigger),
		"ticket": map[string]any{
			"id":       t.ID,
			"category": string(t.Category),
			"status":   string(t.Status),
		},
		"settings": map[string]any{
			"auto_close_enabled":   rs.settings.AutoCloseEnabled,
			"confidence_threshold": rs.settings.ConfidenceThreshold,
			"sla_hours":            rs.settings.SLAHours,
		},
	})
}

func (e *Engine) classify(ctx context.Context, rs *runState) error {
	c, err := e.classifier.Classify(ctx, rs.ticket.Text())
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	if !c.Category.Valid() {
		return fmt.Errorf("classify: unknown category %q", c.Category)
	}
	rs.class = c
	e.observeModel(StepClassify, c.Model)

	updated := false
	previous := rs.ticket.Category
	if c.Confidence > CategoryUpdateThreshold && c.Category != rs.ticket.Category {
		t := rs.ticket.Clone()
		t.Category = c.Category
		t.UpdatedAt = e.now()
		if err := e.store.UpdateTicket(ctx, t); err != nil {
			return fmt.Errorf("update ticket category: %w", err)
		}
		rs.ticket = t
		updated = true
	}

	return e.audit(ctx, rs, ActorAgent, ActionClassified, map[string]any{
		"predicted_category": string(c.Category),
		"confidence":         c.Confidence,
		"previous_category":  string(previous),
		"category_updated":   updated,
		"model":              modelMeta(c.Model),
	})
}

func (e *Engine) retrieve(ctx context.Context, rs *runState) error {
	query := buildQuery(rs.ticket)
	r, err := e.retriever.Search(ctx, query, rs.class.Category, DefaultArticleLimit)
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	rs.retrieval = r

	return e.audit(ctx, rs, ActorAgent, ActionKBRetrieved, map[string]any{
		"query":       query,
		"category":    string(rs.class.Category),
		"article_ids": r.IDs(),
		"count":       len(r.Articles),
		"fallback":    r.Fallback,
	})
}

func (e *Engine) draftReply(ctx context.Context, rs *runState) error {
	d, err := e.drafter.Draft(ctx, rs.ticket.Text(), rs.retrieval.Articles)
	if err != nil {
		return fmt.Errorf("draft: %w", err)
	}
	if d.Reply == "" {
		return errors.New("draft: empty reply")
	}
	rs.draft = d
	e.observeModel(StepDraft, d.Model)

	titles := make([]string, 0, len(d.Citations))
	for _, c := range d.Citations {
		titles = append(titles, c.Title)
	}
	return e.audit(ctx, rs, ActorAgent, ActionDraftGenerated, map[string]any{
		"citations":    titles,
		"reply_length": len([]rune(d.Reply)),
		"model":        modelMeta(d.Model),
	})
}

func (e *Engine) decide(ctx context.Context, rs *runState) error {
	rs.decision = Decide(rs.class.Confidence, rs.settings)
	return e.audit(ctx, rs, ActorAgent, ActionDecisionMade, map[string]any{
		"action":               string(rs.decision.Action),
		"reasoning":            rs.decision.Reasoning,
		"confidence":           rs.class.Confidence,
		"confidence_threshold": rs.settings.ConfidenceThreshold,
		"auto_close_enabled":   rs.settings.AutoCloseEnabled,
	})
}

// execute applies the decision: one new suggestion linked to the ticket and a
// status change, committed together.
func (e *Engine) execute(ctx context.Context, rs *runState) error {
	now := e.now()
	t := rs.ticket.Clone()
	s := &Suggestion{
		ID:                NewID(),
		TicketID:          t.ID,
		RunID:             rs.req.RunID,
		PredictedCategory: rs.class.Category,
		ArticleIDs:        rs.retrieval.IDs(),
		DraftReply:        rs.draft.Reply,
		Confidence:        rs.class.Confidence,
		AutoClosed:        rs.decision.Action == DecisionAutoClose,
		Model:             mergeModelInfo(rs.class.Model, rs.draft.Model),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	action := ActionAssignedToHuman
	switch rs.decision.Action {
	case DecisionAutoClose:
		action = ActionAutoClosed
		t.Status = StatusResolved
		t.Replies = append(t.Replies, Reply{
			AuthorID:  e.systemUserID,
			Content:   rs.draft.Reply,
			Generated: true,
			CreatedAt: now,
		})
	case DecisionAssignHuman:
		t.Status = StatusWaitingHuman
		assignee, err := e.assigner.Assign(ctx, t)
		if err != nil {
			return fmt.Errorf("assign: %w", err)
		}
		if assignee != "" {
			t.AssigneeID = assignee
		}
	default:
		return fmt.Errorf("unknown decision %q", rs.decision.Action)
	}

	if !CanTransition(rs.ticket.Status, t.Status) {
		return fmt.Errorf("ticket %s: %s -> %s: %w", t.ID, rs.ticket.Status, t.Status, ErrInvalidState)
	}
	t.SuggestionID = s.ID
	t.UpdatedAt = now

	if err := e.store.CommitTriage(ctx, t, s); err != nil {
		return fmt.Errorf("commit triage: %w", err)
	}
	rs.ticket = t
	rs.sugg = s

	meta := map[string]any{
		"suggestion_id": s.ID,
		"status":        string(t.Status),
		"confidence":    s.Confidence,
	}
	if action == ActionAssignedToHuman {
		meta["assignee_id"] = t.AssigneeID
	}
	return e.audit(ctx, rs, ActorSystem, action, meta)
}

func modelMeta(m ModelInfo) map[string]any {
	meta := map[string]any{
		"provider":        m.Provider,
		"model":           m.Model,
		"prompt_version":  m.PromptVersion,
		"latency_seconds": m.LatencySeconds,
		"mode":            string(m.Mode),
	}
	if m.FallbackReason != "" {
		meta["fallback_reason"] = m.FallbackReason
	}
	return meta
}

// mergeModelInfo combines classify and draft provenance into the single
// record stored on a suggestion. A fallback on either side marks the whole
// suggestion as degraded.
func mergeModelInfo(class, draft ModelInfo) ModelInfo {
	m := draft
	m.PromptVersion = class.PromptVersion + "+" + draft.PromptVersion
	m.LatencySeconds = class.LatencySeconds + draft.LatencySeconds
	if class.Degraded() && !draft.Degraded() {
		m.Mode = ModeFallback
		m.FallbackReason = "classify: " + class.FallbackReason
	}
	return m
}
