package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/musubi/internal/model"
)

const traceColumns = `id, name, content_digest, status, event_count, slice_count, edge_count, error, created_at, completed_at`

// CreateTrace inserts a trace in processing state. If a non-failed trace with
// the same content digest already exists, the existing row is returned and
// created is false. The digest race (two concurrent uploads of the same
// payload) resolves through the partial unique index on content_digest.
func (db *DB) CreateTrace(ctx context.Context, name, digest string) (model.Trace, bool, error) {
	tr := model.Trace{
		ID:            uuid.New(),
		Name:          name,
		ContentDigest: digest,
		Status:        model.TraceStatusProcessing,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO traces (id, name, content_digest, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tr.ID, tr.Name, tr.ContentDigest, string(tr.Status), tr.CreatedAt,
	)
	if err == nil {
		return tr, true, nil
	}
	if !isUniqueViolation(err) {
		return model.Trace{}, false, fmt.Errorf("storage: create trace: %w", err)
	}
	existing, lookupErr := db.GetTraceByDigest(ctx, digest)
	if lookupErr != nil {
		return model.Trace{}, false, fmt.Errorf("storage: create trace: lookup digest conflict: %w", lookupErr)
	}
	return existing, false, nil
}

// GetTrace retrieves a trace by id. Returns ErrNotFound if it does not exist.
func (db *DB) GetTrace(ctx context.Context, id uuid.UUID) (model.Trace, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+traceColumns+` FROM traces WHERE id = $1`, id)
	return scanTrace(row)
}

// GetTraceByDigest returns the live (non-failed) trace with the given content
// digest. Returns ErrNotFound if none exists.
func (db *DB) GetTraceByDigest(ctx context.Context, digest string) (model.Trace, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces
		 WHERE content_digest = $1 AND status <> 'failed'
		 ORDER BY created_at DESC
		 LIMIT 1`, digest)
	return scanTrace(row)
}

// ListTraces returns traces ordered newest first, plus the total count.
func (db *DB) ListTraces(ctx context.Context, limit, offset int) ([]model.Trace, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM traces`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count traces: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM traces
		 ORDER BY created_at DESC, id
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, 0, err
		}
		traces = append(traces, tr)
	}
	return traces, total, rows.Err()
}

// MarkTraceFailed records a processing failure on the trace row.
func (db *DB) MarkTraceFailed(ctx context.Context, id uuid.UUID, msg string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE traces SET status = 'failed', error = $2, completed_at = now() WHERE id = $1`,
		id, msg)
	if err != nil {
		return fmt.Errorf("storage: mark trace failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEdges returns a trace's flow edges in edge-id order with their args,
// plus the total count. A non-nil flow restricts results to one flow id.
func (db *DB) ListEdges(ctx context.Context, traceID uuid.UUID, flow *model.FlowID, limit, offset int) ([]model.Edge, int, error) {
	if limit <= 0 {
		limit = 100
	}

	where := `WHERE trace_id = $1`
	args := []any{traceID}
	if flow != nil {
		where += ` AND flow_id = $2`
		args = append(args, int64(*flow))
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM flow_edges `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count edges: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, flow_id, slice_out, slice_in FROM flow_edges %s ORDER BY id LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	rows, err := db.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list edges: %w", err)
	}
	defer rows.Close()

	var edges []model.Edge
	var ids []int64
	for rows.Next() {
		var e model.Edge
		var flowRaw int64
		if err := rows.Scan(&e.ID, &flowRaw, &e.SliceOut, &e.SliceIn); err != nil {
			return nil, 0, fmt.Errorf("storage: scan edge: %w", err)
		}
		e.Flow = model.FlowID(flowRaw)
		edges = append(edges, e)
		ids = append(ids, int64(e.ID))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(edges) == 0 {
		return edges, total, nil
	}

	if err := db.attachEdgeArgs(ctx, traceID, ids, edges); err != nil {
		return nil, 0, err
	}
	return edges, total, nil
}

// attachEdgeArgs loads edge_args rows for the given edge ids and attaches
// them to the matching edges in place.
func (db *DB) attachEdgeArgs(ctx context.Context, traceID uuid.UUID, ids []int64, edges []model.Edge) error {
	rows, err := db.pool.Query(ctx,
		`SELECT edge_id, key, value FROM edge_args
		 WHERE trace_id = $1 AND edge_id = ANY($2)`,
		traceID, ids)
	if err != nil {
		return fmt.Errorf("storage: list edge args: %w", err)
	}
	defer rows.Close()

	byID := make(map[model.EdgeID]*model.Edge, len(edges))
	for i := range edges {
		byID[edges[i].ID] = &edges[i]
	}
	for rows.Next() {
		var edgeID model.EdgeID
		var key, value string
		if err := rows.Scan(&edgeID, &key, &value); err != nil {
			return fmt.Errorf("storage: scan edge arg: %w", err)
		}
		e, ok := byID[edgeID]
		if !ok {
			continue
		}
		if e.Args == nil {
			e.Args = make(map[string]string)
		}
		e.Args[key] = value
	}
	return rows.Err()
}

// GetCounters returns a trace's correlation anomaly counters. Traces with no
// anomalies have no rows; the result is an empty map.
func (db *DB) GetCounters(ctx context.Context, traceID uuid.UUID) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT name, value FROM trace_counters WHERE trace_id = $1`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: get counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("storage: scan counter: %w", err)
		}
		counters[name] = value
	}
	return counters, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (model.Trace, error) {
	var t model.Trace
	var status string
	err := row.Scan(&t.ID, &t.Name, &t.ContentDigest, &status,
		&t.EventCount, &t.SliceCount, &t.EdgeCount, &t.Error, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Trace{}, ErrNotFound
	}
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: scan trace: %w", err)
	}
	t.Status = model.TraceStatus(status)
	return t, nil
}
