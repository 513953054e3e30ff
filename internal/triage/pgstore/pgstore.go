// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/deskhand/internal/postgres"
	"github.com/linnemanlabs/deskhand/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/deskhand/internal/triage/pgstore")

// Store persists tickets, suggestions, the audit trail, settings, users and
// knowledge-base articles in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies pending migrations, connects to PostgreSQL and returns a ready
// Store.
func New(ctx context.Context, databaseURL string, pc postgres.PoolConfig) (*Store, error) {
	if err := postgres.Migrate(ctx, databaseURL); err != nil {
		return nil, err
	}
	pool, err := postgres.NewPool(ctx, databaseURL, pc)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The schema must already be migrated.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(postgres.WithOperation(ctx, name), "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func recordErr(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, triage.ErrNotFound) && !errors.Is(err, triage.ErrConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

const ticketColumns = `id, title, description, category, status, created_by, assignee_id,
	suggestion_id, replies, version, created_at, updated_at`

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*triage.Ticket, bool, error) {
	ctx, span := startSpan(ctx, "GetTicket", "SELECT")
	defer span.End()

	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		return nil, false, recordErr(span, err)
	}
	if t == nil {
		return nil, false, nil
	}
	return t, true, nil
}

// CreateTicket inserts t at version 1.
func (s *Store) CreateTicket(ctx context.Context, t *triage.Ticket) error {
	ctx, span := startSpan(ctx, "CreateTicket", "INSERT")
	defer span.End()

	replies, err := marshalReplies(t.Replies)
	if err != nil {
		return recordErr(span, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tickets (`+ticketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
		t.ID, t.Title, t.Description, string(t.Category), string(t.Status), t.CreatedBy,
		t.AssigneeID, t.SuggestionID, replies, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ticket %s already exists: %w", t.ID, triage.ErrConflict)
		}
		return recordErr(span, fmt.Errorf("insert ticket: %w", err))
	}
	t.Version = 1
	return nil
}

// UpdateTicket writes t if the stored version equals t.Version.
func (s *Store) UpdateTicket(ctx context.Context, t *triage.Ticket) error {
	ctx, span := startSpan(ctx, "UpdateTicket", "UPDATE")
	defer span.End()
	return recordErr(span, updateTicket(ctx, s.pool, t))
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateTicket(ctx context.Context, db execer, t *triage.Ticket) error {
	replies, err := marshalReplies(t.Replies)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx,
		`UPDATE tickets SET
			title = $2, description = $3, category = $4, status = $5, assignee_id = $6,
			suggestion_id = $7, replies = $8, updated_at = $9, version = version + 1
		 WHERE id = $1 AND version = $10`,
		t.ID, t.Title, t.Description, string(t.Category), string(t.Status), t.AssigneeID,
		t.SuggestionID, replies, t.UpdatedAt, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	if tag.RowsAffected() == 1 {
		t.Version++
		return nil
	}

	var current int
	err = db.QueryRow(ctx, `SELECT version FROM tickets WHERE id = $1`, t.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ticket %s: %w", t.ID, triage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check ticket version: %w", err)
	}
	return fmt.Errorf("ticket %s changed (version %d, have %d): %w", t.ID, current, t.Version, triage.ErrConflict)
}

// CountAssigned counts tickets waiting on assigneeID.
func (s *Store) CountAssigned(ctx context.Context, assigneeID string) (int, error) {
	ctx, span := startSpan(ctx, "CountAssigned", "SELECT")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tickets WHERE assignee_id = $1 AND status = $2`,
		assigneeID, string(triage.StatusWaitingHuman),
	).Scan(&n)
	if err != nil {
		return 0, recordErr(span, fmt.Errorf("count assigned: %w", err))
	}
	return n, nil
}

const suggestionColumns = `id, ticket_id, run_id, predicted_category, article_ids, draft_reply,
	confidence, auto_closed, model, created_at, updated_at`

// GetSuggestion retrieves a suggestion by ID.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*triage.Suggestion, bool, error) {
	ctx, span := startSpan(ctx, "GetSuggestion", "SELECT")
	defer span.End()

	sg, err := scanSuggestion(s.pool.QueryRow(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = $1`, id))
	if err != nil {
		return nil, false, recordErr(span, err)
	}
	return sg, sg != nil, nil
}

// LatestSuggestion returns the most recently committed suggestion for a ticket.
func (s *Store) LatestSuggestion(ctx context.Context, ticketID string) (*triage.Suggestion, bool, error) {
	ctx, span := startSpan(ctx, "LatestSuggestion", "SELECT")
	defer span.End()

	sg, err := scanSuggestion(s.pool.QueryRow(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE ticket_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, ticketID))
	if err != nil {
		return nil, false, recordErr(span, err)
	}
	return sg, sg != nil, nil
}

// UpdateSuggestionDraft replaces a suggestion's draft reply. Auto-closed
// suggestions are immutable.
func (s *Store) UpdateSuggestionDraft(ctx context.Context, id, draft string) error {
	ctx, span := startSpan(ctx, "UpdateSuggestionDraft", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE suggestions SET draft_reply = $2, updated_at = now()
		 WHERE id = $1 AND NOT auto_closed`, id, draft)
	if err != nil {
		return recordErr(span, fmt.Errorf("update draft: %w", err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var autoClosed bool
	err = s.pool.QueryRow(ctx, `SELECT auto_closed FROM suggestions WHERE id = $1`, id).Scan(&autoClosed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("suggestion %s: %w", id, triage.ErrNotFound)
	case err != nil:
		return recordErr(span, fmt.Errorf("check suggestion: %w", err))
	default:
		return fmt.Errorf("suggestion %s was auto-closed: %w", id, triage.ErrInvalidState)
	}
}

// CommitTriage inserts sg and updates t in one transaction.
func (s *Store) CommitTriage(ctx context.Context, t *triage.Ticket, sg *triage.Suggestion) error {
	ctx, span := startSpan(ctx, "CommitTriage", "TRANSACTION")
	defer span.End()

	model, err := json.Marshal(sg.Model)
	if err != nil {
		return recordErr(span, fmt.Errorf("marshal model info: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return recordErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	version := t.Version
	if err := updateTicket(ctx, tx, t); err != nil {
		return recordErr(span, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO suggestions (`+suggestionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sg.ID, sg.TicketID, sg.RunID, string(sg.PredictedCategory), nonNil(sg.ArticleIDs),
		sg.DraftReply, sg.Confidence, sg.AutoClosed, model, sg.CreatedAt, sg.UpdatedAt,
	)
	if err != nil {
		t.Version = version
		if isUniqueViolation(err) {
			return fmt.Errorf("suggestion %s already exists: %w", sg.ID, triage.ErrConflict)
		}
		return recordErr(span, fmt.Errorf("insert suggestion: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		t.Version = version
		return recordErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// AppendAudit inserts e and sets its sequence number.
func (s *Store) AppendAudit(ctx context.Context, e *triage.AuditEntry) error {
	ctx, span := startSpan(ctx, "AppendAudit", "INSERT")
	defer span.End()

	meta, err := json.Marshal(nonNilMap(e.Metadata))
	if err != nil {
		return recordErr(span, fmt.Errorf("marshal audit metadata: %w", err))
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO audit_log (id, ticket_id, run_id, actor, action, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		e.ID, e.TicketID, e.RunID, string(e.Actor), string(e.Action), meta, e.Timestamp,
	).Scan(&e.Seq)
	if err != nil {
		return recordErr(span, fmt.Errorf("insert audit entry: %w", err))
	}
	return nil
}

// ListAudit returns entries matching q, newest first unless q.Ascending.
func (s *Store) ListAudit(ctx context.Context, q triage.AuditQuery) ([]triage.AuditEntry, error) {
	ctx, span := startSpan(ctx, "ListAudit", "SELECT")
	defer span.End()

	sql, args := auditQuery(q.Normalize())
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("query audit: %w", err))
	}
	defer rows.Close()

	out := []triage.AuditEntry{}
	for rows.Next() {
		var (
			e            triage.AuditEntry
			actor, actn  string
			metadataJSON []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.TicketID, &e.RunID, &actor, &actn, &metadataJSON, &e.Timestamp); err != nil {
			return nil, recordErr(span, fmt.Errorf("scan audit entry: %w", err))
		}
		e.Actor = triage.Actor(actor)
		e.Action = triage.Action(actn)
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, recordErr(span, fmt.Errorf("unmarshal audit metadata %s: %w", e.ID, err))
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, fmt.Errorf("iterate audit: %w", err))
	}
	return out, nil
}

// auditQuery builds the filtered, paginated audit SELECT for q.
func auditQuery(q triage.AuditQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.TicketID != "" {
		add("ticket_id = $%d", q.TicketID)
	}
	if q.RunID != "" {
		add("run_id = $%d", q.RunID)
	}
	if q.Actor != "" {
		add("actor = $%d", string(q.Actor))
	}
	if q.Action != "" {
		add("action = $%d", string(q.Action))
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at < $%d", q.To)
	}

	var b strings.Builder
	b.WriteString(`SELECT seq, id, ticket_id, run_id, actor, action, metadata, created_at FROM audit_log`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if q.Ascending {
		b.WriteString(" ORDER BY seq ASC")
	} else {
		b.WriteString(" ORDER BY seq DESC")
	}
	args = append(args, q.Limit, q.Offset)
	fmt.Fprintf(&b, " LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

// GetSettings returns the stored settings, if any.
func (s *Store) GetSettings(ctx context.Context) (triage.Settings, bool, error) {
	ctx, span := startSpan(ctx, "GetSettings", "SELECT")
	defer span.End()

	var st triage.Settings
	err := s.pool.QueryRow(ctx,
		`SELECT auto_close_enabled, confidence_threshold, sla_hours FROM settings WHERE id`,
	).Scan(&st.AutoCloseEnabled, &st.ConfidenceThreshold, &st.SLAHours)
	if errors.Is(err, pgx.ErrNoRows) {
		return triage.Settings{}, false, nil
	}
	if err != nil {
		return triage.Settings{}, false, recordErr(span, fmt.Errorf("select settings: %w", err))
	}
	return st, true, nil
}

// PutSettings replaces the settings record.
func (s *Store) PutSettings(ctx context.Context, st triage.Settings) error {
	ctx, span := startSpan(ctx, "PutSettings", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (id, auto_close_enabled, confidence_threshold, sla_hours, updated_at)
		 VALUES (TRUE, $1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET
			auto_close_enabled   = EXCLUDED.auto_close_enabled,
			confidence_threshold = EXCLUDED.confidence_threshold,
			sla_hours            = EXCLUDED.sla_hours,
			updated_at           = EXCLUDED.updated_at`,
		st.AutoCloseEnabled, st.ConfidenceThreshold, st.SLAHours,
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("upsert settings: %w", err))
	}
	return nil
}

// ListUsersByRole returns active users with role, ordered by creation then ID.
func (s *Store) ListUsersByRole(ctx context.Context, role triage.Role) ([]triage.User, error) {
	ctx, span := startSpan(ctx, "ListUsersByRole", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, email, role, active FROM users
		 WHERE role = $1 AND active ORDER BY created_at, id`, string(role))
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("query users: %w", err))
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (triage.User, error) {
		var (
			u    triage.User
			role string
		)
		err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &u.Active)
		u.Role = triage.Role(role)
		return u, err
	})
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("scan users: %w", err))
	}
	return users, nil
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(ctx context.Context, u triage.User) error {
	ctx, span := startSpan(ctx, "PutUser", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, role, active) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email,
			role = EXCLUDED.role, active = EXCLUDED.active`,
		u.ID, u.Name, u.Email, string(u.Role), u.Active,
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("upsert user %s: %w", u.ID, err))
	}
	return nil
}

// PutArticle inserts or replaces a knowledge-base article.
func (s *Store) PutArticle(ctx context.Context, a triage.Article) error {
	ctx, span := startSpan(ctx, "PutArticle", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO articles (id, title, body, tags, published) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, body = EXCLUDED.body, tags = EXCLUDED.tags,
			published = EXCLUDED.published, updated_at = now()`,
		a.ID, a.Title, a.Body, nonNil(a.Tags), a.Published,
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("upsert article %s: %w", a.ID, err))
	}
	return nil
}

// Seed upserts users and articles.
func (s *Store) Seed(ctx context.Context, users []triage.User, articles []triage.Article) error {
	for _, u := range users {
		if err := s.PutUser(ctx, u); err != nil {
			return err
		}
	}
	for _, a := range articles {
		if err := s.PutArticle(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

const articleColumns = `id, title, body, tags, published`

// SearchArticles ranks published articles against query with PostgreSQL
// full-text search, restricted to category when non-empty.
func (s *Store) SearchArticles(ctx context.Context, query string, category triage.Category, limit int) ([]triage.Article, error) {
	ctx, span := startSpan(ctx, "SearchArticles", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+articleColumns+`, ts_rank(search, q) AS score
		 FROM articles, plainto_tsquery('english', $1) q
		 WHERE published AND search @@ q
		   AND ($2 = '' OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE lower(t) = lower($2)))
		 ORDER BY score DESC, id
		 LIMIT $3`,
		query, string(category), limit,
	)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("search articles: %w", err))
	}
	arts, err := collectArticles(rows, true)
	if err != nil {
		return nil, recordErr(span, err)
	}
	return arts, nil
}

// MatchArticles returns published articles tagged with any of words, or whose
// title contains any of them.
func (s *Store) MatchArticles(ctx context.Context, words []string, limit int) ([]triage.Article, error) {
	ctx, span := startSpan(ctx, "MatchArticles", "SELECT")
	defer span.End()

	if len(words) == 0 {
		return []triage.Article{}, nil
	}
	lower := make([]string, len(words))
	patterns := make([]string, len(words))
	for i, w := range words {
		lower[i] = strings.ToLower(w)
		patterns[i] = "%" + escapeLike(lower[i]) + "%"
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+articleColumns+`
		 FROM articles
		 WHERE published AND (
			EXISTS (SELECT 1 FROM unnest(tags) t WHERE lower(t) = ANY($1))
			OR lower(title) LIKE ANY($2)
		 )
		 ORDER BY id
		 LIMIT $3`,
		lower, patterns, limit,
	)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("match articles: %w", err))
	}
	arts, err := collectArticles(rows, false)
	if err != nil {
		return nil, recordErr(span, err)
	}
	return arts, nil
}

func collectArticles(rows pgx.Rows, scored bool) ([]triage.Article, error) {
	arts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (triage.Article, error) {
		var a triage.Article
		dest := []any{&a.ID, &a.Title, &a.Body, &a.Tags, &a.Published}
		if scored {
			var score float32
			if err := row.Scan(append(dest, &score)...); err != nil {
				return a, err
			}
			a.Score = float64(score)
			return a, nil
		}
		return a, row.Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("scan articles: %w", err)
	}
	if arts == nil {
		arts = []triage.Article{}
	}
	return arts, nil
}

// scanTicket scans one ticket row. Returns (nil, nil) when no row is found.
func scanTicket(row pgx.Row) (*triage.Ticket, error) {
	var (
		t                triage.Ticket
		category, status string
		repliesJSON      []byte
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &category, &status, &t.CreatedBy, &t.AssigneeID,
		&t.SuggestionID, &repliesJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	t.Category = triage.Category(category)
	t.Status = triage.Status(status)
	if err := json.Unmarshal(repliesJSON, &t.Replies); err != nil {
		return nil, fmt.Errorf("unmarshal replies %s: %w", t.ID, err)
	}
	return &t, nil
}

// scanSuggestion scans one suggestion row. Returns (nil, nil) when no row is
// found.
func scanSuggestion(row pgx.Row) (*triage.Suggestion, error) {
	var (
		sg        triage.Suggestion
		category  string
		modelJSON []byte
	)
	err := row.Scan(
		&sg.ID, &sg.TicketID, &sg.RunID, &category, &sg.ArticleIDs, &sg.DraftReply,
		&sg.Confidence, &sg.AutoClosed, &modelJSON, &sg.CreatedAt, &sg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan suggestion: %w", err)
	}
	sg.PredictedCategory = triage.Category(category)
	if err := json.Unmarshal(modelJSON, &sg.Model); err != nil {
		return nil, fmt.Errorf("unmarshal model info %s: %w", sg.ID, err)
	}
	return &sg, nil
}

func marshalReplies(replies []triage.Reply) ([]byte, error) {
	if replies == nil {
		replies = []triage.Reply{}
	}
	b, err := json.Marshal(replies)
	if err != nil {
		return nil, fmt.Errorf("marshal replies: %w", err)
	}
	return b, nil
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
