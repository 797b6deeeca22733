package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanStore is a span exporter that keeps spans in a SQLite table so a
// single-box deployment can inspect guard and dispatch traces without a
// collector.
type SpanStore struct {
	db        *sql.DB
	table     string
	retention time.Duration

	mu sync.Mutex
}

// SpanStoreOption configures a SpanStore.
type SpanStoreOption func(*SpanStore)

// WithSpanTable sets the table name (default "otel_spans").
func WithSpanTable(name string) SpanStoreOption {
	return func(s *SpanStore) {
		s.table = name
	}
}

// WithSpanRetention drops spans older than d on every export (0 keeps all).
func WithSpanRetention(d time.Duration) SpanStoreOption {
	return func(s *SpanStore) {
		s.retention = d
	}
}

// NewSpanStore creates the span table if needed.
func NewSpanStore(ctx context.Context, db *sql.DB, opts ...SpanStoreOption) (*SpanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SpanStore{
		db:        db,
		table:     "otel_spans",
		retention: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			span_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT,
			name TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			status TEXT NOT NULL,
			status_message TEXT,
			attributes TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_trace_id ON %[1]s(trace_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_start_time ON %[1]s(start_time);
	`, s.table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("creating span table: %w", err)
	}
	return s, nil
}

// ExportSpans implements sdktrace.SpanExporter
func (s *SpanStore) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			span_id, trace_id, parent_span_id, name,
			start_time, end_time, status, status_message, attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table))
	if err != nil {
		return fmt.Errorf("prepare span statement: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		var parent *string
		if span.Parent().SpanID().IsValid() {
			sid := span.Parent().SpanID().String()
			parent = &sid
		}
		attrs, err := json.Marshal(attributesToMap(span.Attributes()))
		if err != nil {
			return fmt.Errorf("encode attributes: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			span.SpanContext().SpanID().String(),
			span.SpanContext().TraceID().String(),
			parent,
			span.Name(),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			statusCodeToString(span.Status().Code),
			span.Status().Description,
			string(attrs),
		); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention).UnixNano()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE end_time < ?`, s.table), cutoff); err != nil {
			return fmt.Errorf("prune spans: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The database is owned by the caller.
func (s *SpanStore) Shutdown(ctx context.Context) error {
	return nil
}

// StoredSpan is a span read back from the store.
type StoredSpan struct {
	TraceID    string
	SpanID     string
	ParentID   string
	Name       string
	Start      time.Time
	End        time.Time
	Status     string
	Attributes map[string]any
}

// Trace returns the spans of one trace ordered by start time.
func (s *SpanStore) Trace(ctx context.Context, traceID string) ([]StoredSpan, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT trace_id, span_id, COALESCE(parent_span_id, ''), name, start_time, end_time, status, attributes
		FROM %s WHERE trace_id = ? ORDER BY start_time ASC
	`, s.table), traceID)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var spans []StoredSpan
	for rows.Next() {
		var (
			sp         StoredSpan
			start, end int64
			attrs      sql.NullString
		)
		if err := rows.Scan(&sp.TraceID, &sp.SpanID, &sp.ParentID, &sp.Name, &start, &end, &sp.Status, &attrs); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		sp.Start = time.Unix(0, start).UTC()
		sp.End = time.Unix(0, end).UTC()
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &sp.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		m[string(attr.Key)] = attr.Value.AsInterface()
	}
	return m
}

// statusCodeToString converts OTel status code to string
func statusCodeToString(code codes.Code) string {
	switch code {
	case codes.Ok:
		return "OK"
	case codes.Error:
		return "ERROR"
	default:
		return "UNSET"
	}
}

var _ sdktrace.SpanExporter = (*SpanStore)(nil)
