// Package pgstore provides a PostgreSQL implementation of analysis.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/argus/internal/analysis"
)

var tracer = otel.Tracer("github.com/linnemanlabs/argus/internal/analysis/pgstore")

//go:embed schema.sql
var schema string

// Store persists orchestration records in PostgreSQL. The full record is
// kept as JSONB; analysis_steps mirrors the timeline for ops queries.
type Store struct {
	pool *pgxpool.Pool
}

// New verifies the pool, applies the schema, and returns a ready Store.
// The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves the record for an alert.
func (s *Store) Get(ctx context.Context, alertID string) (*analysis.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT record FROM analysis_records WHERE alert_id = $1`, alertID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// Save upserts the record and its step rows in one transaction. The
// lineage in ctx is stored for diagnostics only.
func (s *Store) Save(ctx context.Context, r *analysis.Record) error {
	lineage := analysis.LineageFrom(ctx)
	ctx, span := startSpan(ctx, "pgstore.Save", "UPSERT")
	defer span.End()
	span.SetAttributes(
		attribute.String("argus.alert.id", r.AlertID),
		attribute.String("argus.lineage", string(lineage)),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertRecord(ctx, tx, r, lineage); err != nil {
		return fail(span, err)
	}
	if err := upsertSteps(ctx, tx, r); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Delete removes the record and, by cascade, its step rows.
func (s *Store) Delete(ctx context.Context, alertID string) error {
	ctx, span := startSpan(ctx, "pgstore.Delete", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM analysis_records WHERE alert_id = $1`, alertID); err != nil {
		return fail(span, fmt.Errorf("delete record: %w", err))
	}
	return nil
}

// Lineage returns the lineage that last saved the record.
func (s *Store) Lineage(ctx context.Context, alertID string) (analysis.Lineage, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Lineage", "SELECT")
	defer span.End()

	var l string
	err := s.pool.QueryRow(ctx, `SELECT lineage FROM analysis_records WHERE alert_id = $1`, alertID).Scan(&l)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fail(span, fmt.Errorf("scan lineage: %w", err))
	}
	return analysis.Lineage(l), true, nil
}

func upsertRecord(ctx context.Context, tx pgx.Tx, r *analysis.Record, lineage analysis.Lineage) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	query := `INSERT INTO analysis_records (
		alert_id, status, lineage, record, processing_ms, error_details, analyzed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (alert_id) DO UPDATE SET
		status        = EXCLUDED.status,
		lineage       = EXCLUDED.lineage,
		record        = EXCLUDED.record,
		processing_ms = EXCLUDED.processing_ms,
		error_details = EXCLUDED.error_details,
		analyzed_at   = EXCLUDED.analyzed_at,
		updated_at    = now()`

	_, err = tx.Exec(ctx, query,
		r.AlertID, string(r.OrchestrationStatus), string(lineage), body,
		r.ProcessingTimeMs, r.ErrorDetails, r.AnalysisTimestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func upsertSteps(ctx context.Context, tx pgx.Tx, r *analysis.Record) error {
	query := `INSERT INTO analysis_steps (
		alert_id, seq, step_key, status, started_at, ended_at, duration_ms, degraded, error_kind, error_message
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (alert_id, seq) DO UPDATE SET
		step_key      = EXCLUDED.step_key,
		status        = EXCLUDED.status,
		started_at    = EXCLUDED.started_at,
		ended_at      = EXCLUDED.ended_at,
		duration_ms   = EXCLUDED.duration_ms,
		degraded      = EXCLUDED.degraded,
		error_kind    = EXCLUDED.error_kind,
		error_message = EXCLUDED.error_message`

	batch := &pgx.Batch{}
	for i := range r.ExecutionTimeline {
		sr := &r.ExecutionTimeline[i]
		var kind, msg *string
		if sr.Error != nil {
			kind, msg = &sr.Error.Kind, &sr.Error.Message
		}
		batch.Queue(query,
			r.AlertID, i, sr.Key, string(sr.Status), sr.StartedAt, sr.EndedAt,
			sr.DurationMs, sr.Degraded, kind, msg,
		)
	}
	batch.Queue(`DELETE FROM analysis_steps WHERE alert_id = $1 AND seq >= $2`, r.AlertID, len(r.ExecutionTimeline))

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert steps: %w", err)
	}
	return nil
}

// scanRecord decodes a single record row. Returns (nil, nil) when no row
// is found.
func scanRecord(row pgx.Row) (*analysis.Record, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	var r analysis.Record
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}
