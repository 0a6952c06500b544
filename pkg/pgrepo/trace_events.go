package pgrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avesed/webstock/engine/domain"
)

// TraceStore is the Postgres-backed Pipeline Trace Store (C4): an
// append-only log of per-node executions plus the aggregate/search views
// over it.
type TraceStore struct {
	pool *pgxpool.Pool
}

func NewTraceStore(pool *pgxpool.Pool) *TraceStore {
	return &TraceStore{pool: pool}
}

// Record appends a single trace event. Failures here are logged by the
// caller and never fail the pipeline stage that produced the event (§4.4:
// tracing is best-effort, never load-bearing for correctness).
func (t *TraceStore) Record(ctx context.Context, ev domain.TraceEvent) error {
	return t.RecordMany(ctx, []domain.TraceEvent{ev})
}

// RecordMany appends a batch of trace events in one round trip — the shape
// C8's per-article workflow uses to commit all of a run's node events
// alongside the final article UPDATE (§4.8 shared-resource policy).
func (t *TraceStore) RecordMany(ctx context.Context, evs []domain.TraceEvent) error {
	if len(evs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range evs {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("pgrepo: marshal trace metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO trace_events (article_id, layer, node, status, duration_ms, metadata, error, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,now())`,
			ev.ArticleID, ev.Layer, ev.Node, ev.Status, ev.DurationMS, meta, ev.Error)
	}
	results := t.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range evs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("pgrepo: record trace events: %w", err)
		}
	}
	return nil
}

// Timeline returns every trace event for an article, oldest first.
func (t *TraceStore) Timeline(ctx context.Context, articleID string) ([]domain.TraceEvent, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT id, article_id, layer, node, status, duration_ms, metadata, error, created_at
		FROM trace_events WHERE article_id = $1 ORDER BY created_at ASC`, articleID)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: timeline %s: %w", articleID, err)
	}
	defer rows.Close()
	return scanTraceEvents(rows)
}

// AggregateStat is one (layer, node) rollup row for the admin stats endpoint.
type AggregateStat struct {
	Layer        string
	Node         string
	Total        int64
	Succeeded    int64
	Failed       int64
	AvgDurationMS float64
}

func (t *TraceStore) AggregateStats(ctx context.Context, since time.Time) ([]AggregateStat, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT layer, node, count(*),
		       count(*) FILTER (WHERE status = 'success'),
		       count(*) FILTER (WHERE status = 'error'),
		       avg(duration_ms)
		FROM trace_events
		WHERE created_at >= $1
		GROUP BY layer, node
		ORDER BY layer, node`, since)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: aggregate stats: %w", err)
	}
	defer rows.Close()

	var out []AggregateStat
	for rows.Next() {
		var s AggregateStat
		if err := rows.Scan(&s.Layer, &s.Node, &s.Total, &s.Succeeded, &s.Failed, &s.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("pgrepo: scan aggregate stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SearchOpts narrows a trace-event search. A zero Since is ignored.
type SearchOpts struct {
	Layer, Node string
	Status      domain.EventStatus
	Since       time.Time
	Limit       int
	Offset      int
}

// Search filters trace events by optional layer/node/status/age, newest
// first, with offset/limit pagination for the admin events endpoint.
func (t *TraceStore) Search(ctx context.Context, opts SearchOpts) ([]domain.TraceEvent, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	query := `SELECT id, article_id, layer, node, status, duration_ms, metadata, error, created_at FROM trace_events WHERE 1=1`
	args := []any{}
	if opts.Layer != "" {
		args = append(args, opts.Layer)
		query += fmt.Sprintf(" AND layer = $%d", len(args))
	}
	if opts.Node != "" {
		args = append(args, opts.Node)
		query += fmt.Sprintf(" AND node = $%d", len(args))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	args = append(args, opts.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, opts.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: search trace events: %w", err)
	}
	defer rows.Close()
	return scanTraceEvents(rows)
}

// DeleteOlderThan purges trace events past the retention window (§4.4), run
// daily from the dispatcher's cron schedule.
func (t *TraceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := t.pool.Exec(ctx, `DELETE FROM trace_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pgrepo: delete trace events older than %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

func scanTraceEvents(rows pgx.Rows) ([]domain.TraceEvent, error) {
	var out []domain.TraceEvent
	for rows.Next() {
		var ev domain.TraceEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.ArticleID, &ev.Layer, &ev.Node, &ev.Status,
			&ev.DurationMS, &meta, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgrepo: scan trace event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("pgrepo: unmarshal trace metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
