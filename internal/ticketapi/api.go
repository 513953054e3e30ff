// Package ticketapi exposes ticket lifecycle, triage, audit and settings
// operations over HTTP.
package ticketapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/deskhand/internal/authmw"
	"github.com/linnemanlabs/deskhand/internal/postgres"
	"github.com/linnemanlabs/deskhand/internal/triage"
)

// TicketService defines the business operations ticketapi needs.
type TicketService interface {
	CreateTicket(ctx context.Context, in triage.NewTicket) (*triage.Ticket, *triage.SubmitResult, error)
	GetTicket(ctx context.Context, id string) (*triage.Ticket, bool, error)
	Triage(ctx context.Context, ticketID, runID string, trigger triage.Trigger) (*triage.Outcome, error)
	RetryTriage(ctx context.Context, ticketID string, maxAttempts int) (*triage.Outcome, error)
	Reopen(ctx context.Context, ticketID, userID, reason string) (*triage.Ticket, error)
	Close(ctx context.Context, ticketID, userID string) (*triage.Ticket, error)
	AddReply(ctx context.Context, ticketID, userID, content string, resolve bool) (*triage.Ticket, error)
	LatestSuggestion(ctx context.Context, ticketID string) (*triage.Suggestion, bool, error)
	EditDraft(ctx context.Context, suggestionID, userID, draft string) (*triage.Suggestion, error)
	ListAudit(ctx context.Context, q triage.AuditQuery) ([]triage.AuditEntry, error)
	Settings(ctx context.Context) (triage.Settings, error)
	UpdateSettings(ctx context.Context, userID string, st triage.Settings) (triage.Settings, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TicketService
	auth   func(http.Handler) http.Handler
}

// New creates a new API handler. auth authenticates every /api/v1 request
// and must place an authmw.Principal in the request context.
func New(logger log.Logger, svc TicketService, auth func(http.Handler) http.Handler) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("ticket service is required"))
	}
	if auth == nil {
		panic(xerrors.New("auth middleware is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		auth:   auth,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	staff := authmw.RequireRole(triage.RoleAgent, triage.RoleAdmin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.auth)
		r.Use(a.dbStats)

		r.Post("/tickets", a.handleCreateTicket)
		r.Get("/tickets/{id}", a.handleGetTicket)

		r.Group(func(r chi.Router) {
			r.Use(staff)
			r.Post("/tickets/{id}/triage", a.handleTriage)
			r.Post("/tickets/{id}/triage/retry", a.handleRetryTriage)
			r.Post("/tickets/{id}/reopen", a.handleReopen)
			r.Post("/tickets/{id}/close", a.handleClose)
			r.Post("/tickets/{id}/replies", a.handleAddReply)
			r.Get("/tickets/{id}/suggestion", a.handleGetSuggestion)
			r.Patch("/suggestions/{id}", a.handleEditDraft)
			r.Get("/audit", a.handleListAudit)
			r.Get("/settings", a.handleGetSettings)
		})

		r.With(authmw.RequireRole(triage.RoleAdmin)).Put("/settings", a.handleUpdateSettings)
	})
}

// dbStats counts the database work each request does and logs it once the
// handler returns.
func (a *API) dbStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.NewReqDBStatsContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))

		stats, ok := postgres.ReqDBStatsFromContext(ctx)
		if !ok {
			return
		}
		queries, dur, errs := stats.Snapshot()
		if queries == 0 {
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.query_count", queries),
			attribute.Int("db.error_count", errs),
		)
		log.FromContext(ctx).Info(ctx, "request db stats",
			"db_queries", queries,
			"db_time", dur.Seconds(),
			"db_errors", errs,
		)
	})
}

func principal(r *http.Request) authmw.Principal {
	p, _ := authmw.FromContext(r.Context())
	return p
}

func setTicketSpan(r *http.Request, id string) {
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("deskhand.ticket.id", id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, extra map[string]any) {
	body := map[string]any{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// fail maps a service error onto an HTTP response.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var (
		se  *triage.StepError
		rex *triage.RetryExhaustedError
	)
	switch {
	case errors.Is(err, triage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, triage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, triage.ErrInvalidState), errors.Is(err, triage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.As(err, &rex):
		writeError(w, http.StatusBadGateway, err.Error(), map[string]any{
			"attempts": rex.Attempts,
			"run_ids":  rex.RunIDs,
		})
	case errors.As(err, &se):
		writeError(w, http.StatusInternalServerError, err.Error(), map[string]any{
			"step":   se.Step,
			"run_id": se.RunID,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request canceled", nil)
	default:
		a.logger.Error(r.Context(), err, msg, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
