package ticketapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

type createTicketRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    triage.Category `json:"category"`
}

type createTicketResponse struct {
	Ticket *triage.Ticket       `json:"ticket"`
	Triage *triage.SubmitResult `json:"triage,omitempty"`
}

func (a *API) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", nil)
		return
	}

	t, sr, err := a.svc.CreateTicket(r.Context(), triage.NewTicket{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		CreatedBy:   principal(r).UserID,
	})
	if err != nil && t == nil {
		a.fail(w, r, err, "failed to create ticket")
		return
	}
	if err != nil {
		// stored, but the background run could not be submitted
		a.logger.Error(r.Context(), err, "failed to submit new ticket", "ticket_id", t.ID)
	}
	setTicketSpan(r, t.ID)

	writeJSON(w, http.StatusAccepted, createTicketResponse{Ticket: t, Triage: sr})
}

func (a *API) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setTicketSpan(r, id)

	t, ok, err := a.svc.GetTicket(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get ticket")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	p := principal(r)
	if p.Role == triage.RoleCustomer && t.CreatedBy != p.UserID {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type triageRequest struct {
	RunID string `json:"run_id"`
}

func (a *API) handleTriage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setTicketSpan(r, id)

	var req triageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", nil)
		return
	}

	out, err := a.svc.Triage(r.Context(), id, req.RunID, triage.TriggerManual)
	if err != nil {
		a.fail(w, r, err, "triage failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type retryRequest struct {
	MaxAttempts int `json:"max_attempts"`
}

func (a *API) handleRetryTriage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setTicketSpan(r, id)

	var req retryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", nil)
		return
	}
	if req.MaxAttempts < 0 || req.MaxAttempts > triage.MaxRetryAttempts {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("max_attempts must be in [0,%d]", triage.MaxRetryAttempts), nil)
		return
	}

	out, err := a.svc.RetryTriage(r.Context(), id, req.MaxAttempts)
	if err != nil {
		a.fail(w, r, err, "triage retry failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type reopenRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleReopen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setTicketSpan(r, id)

	var req reopenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", nil)
		return
	}

	t, err := a.svc.Reopen(r.Context(), id, principal(r).UserID, req.Reason)
	if err != nil {
		a.fail(w, r, err, "failed to reopen ticket")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setTicketSpan(r, id)

	t, err := a.svc.Close(r.Context(), id, principal(r).UserID)
	if err != nil {
		a.fail(w, r, err, "failed to close ticket")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type replyRequest struct {
	Content string        `json:"content"`
	Status  triage.Status `json:"status"`
}

func (a *API) handleAddReply(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setTicketSpan(r, id)

	var req replyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", nil)
		return
	}
	if req.Status != "" && req.Status != triage.StatusResolved {
		writeError(w, http.StatusBadRequest, "status may only be resolved", nil)
		return
	}

	t, err := a.svc.AddReply(r.Context(), id, principal(r).UserID, req.Content, req.Status == triage.StatusResolved)
	if err != nil {
		a.fail(w, r, err, "failed to add reply")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleGetSuggestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setTicketSpan(r, id)

	sg, ok, err := a.svc.LatestSuggestion(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get suggestion")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

type editDraftRequest struct {
	DraftReply string `json:"draft_reply"`
}

func (a *API) handleEditDraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req editDraftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", nil)
		return
	}

	sg, err := a.svc.EditDraft(r.Context(), id, principal(r).UserID, req.DraftReply)
	if err != nil {
		a.fail(w, r, err, "failed to edit draft")
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q, err := auditQueryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	entries, err := a.svc.ListAudit(r.Context(), q)
	if err != nil {
		a.fail(w, r, err, "failed to list audit")
		return
	}
	if entries == nil {
		entries = []triage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   q.Normalize().Limit,
		"offset":  q.Normalize().Offset,
	})
}

func auditQueryFromRequest(r *http.Request) (triage.AuditQuery, error) {
	v := r.URL.Query()
	q := triage.AuditQuery{
		TicketID: v.Get("ticket_id"),
		RunID:    v.Get("run_id"),
		Actor:    triage.Actor(v.Get("actor")),
		Action:   triage.Action(v.Get("action")),
	}

	var err error
	if q.From, err = parseTime(v.Get("from")); err != nil {
		return q, errBadParam("from")
	}
	if q.To, err = parseTime(v.Get("to")); err != nil {
		return q, errBadParam("to")
	}
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil {
			return q, errBadParam("limit")
		}
	}
	if s := v.Get("offset"); s != "" {
		if q.Offset, err = strconv.Atoi(s); err != nil {
			return q, errBadParam("offset")
		}
	}
	switch v.Get("order") {
	case "", "desc":
	case "asc":
		q.Ascending = true
	default:
		return q, errBadParam("order")
	}
	return q, nil
}

type badParamError string

func (e badParamError) Error() string { return "invalid query parameter " + string(e) }

func errBadParam(name string) error { return badParamError(name) }

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Settings(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var st triage.Settings
	if err := decode(r, &st); err != nil || r.ContentLength == 0 {
		writeError(w, http.StatusBadRequest, "invalid payload", nil)
		return
	}

	st, err := a.svc.UpdateSettings(r.Context(), principal(r).UserID, st)
	if err != nil {
		a.fail(w, r, err, "failed to update settings")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
