package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// SlowQueryThreshold is the duration at which a successful query is logged at
// warn level. Faster queries are logged at debug.
const SlowQueryThreshold = 250 * time.Millisecond

// UnknownOperation labels queries issued without WithOperation.
const UnknownOperation = "unknown"

var queryObserver atomic.Pointer[queryObserverHolder]

type (
	operationKey struct{}
	queryKey     struct{}
	dbStatsKey   struct{}
)

type queryObserverHolder struct{ QueryObserver }

// queryStart is stashed between TraceQueryStart and TraceQueryEnd.
type queryStart struct {
	sql   string
	args  []any
	start time.Time
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration) {
	f(ctx, operation, outcome, dur)
}

// ReqDBStats accumulates per-request database query statistics.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the counters accumulated so far.
func (s *ReqDBStats) Snapshot() (queries int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithOperation names the store operation issuing the queries made with ctx.
// The name labels query logs, spans and metrics.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey{}, op)
}

// OperationFromContext returns the name set by WithOperation, or
// UnknownOperation.
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok {
		return op
	}
	return UnknownOperation
}

// loggingTracer wraps another pgx.QueryTracer (e.g. otelpgx). Failed queries
// are logged at error and slow ones at warn, through the context logger so
// ticket and run fields set by the caller ride along.
type loggingTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

// wrapQueryTracer wraps an inner tracer with structured logging.
func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner, slow: SlowQueryThreshold}
}

func (t loggingTracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	start := time.Now()

	// Let inner tracer (otelpgx) create its span first.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("deskhand.db.operation", OperationFromContext(ctx)))
	}

	return context.WithValue(ctx, queryKey{}, queryStart{sql: data.SQL, args: data.Args, start: start})
}

func (t loggingTracer) TraceQueryEnd(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	// Always call inner tracer first so spans are finished correctly.
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, _ := ctx.Value(queryKey{}).(queryStart)
	var dur time.Duration
	if !q.start.IsZero() {
		dur = time.Since(q.start)
	}
	op := OperationFromContext(ctx)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	if obs := getQueryObserver(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, op, outcome, dur)
	}

	L := log.FromContext(ctx)

	// args carry ticket text and replies; log their shape, never their values.
	fields := []any{
		"db.operation", op,
		"db.statement", q.sql,
		"db.args", redactArgs(q.args),
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}

	switch {
	case data.Err != nil:
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
	case t.slow > 0 && dur >= t.slow:
		L.Warn(ctx, "slow db query", fields...)
	default:
		L.Debug(ctx, "db query", fields...)
	}
}

// redactArgs describes query arguments by type and size.
func redactArgs(args []any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case nil:
			out[i] = "null"
		case string:
			out[i] = fmt.Sprintf("string(%d)", len(v))
		case []byte:
			out[i] = fmt.Sprintf("bytes(%d)", len(v))
		case []string:
			out[i] = fmt.Sprintf("[]string(%d)", len(v))
		default:
			out[i] = fmt.Sprintf("%T", v)
		}
	}
	return out
}
