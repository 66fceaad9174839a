package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/trace"
)

// SessionWriter buffers one correlation session's output and persists it in a
// single transaction at Finish. Buffering keeps mid-session sink calls
// infallible, so a failing database surfaces exactly once, as a session-fatal
// error, without partially written traces.
type SessionWriter struct {
	db      *DB
	traceID uuid.UUID

	tracks []model.Track
	slices []model.Slice
	edges  []edgeRow
	args   []argRow
}

type edgeRow struct {
	id   model.EdgeID
	flow model.FlowID
	out  model.SliceID
	in   model.SliceID
}

type argRow struct {
	edge  model.EdgeID
	key   string
	value string
}

// NewSessionWriter returns a writer that persists under the given trace id.
// The trace row must already exist in processing state.
func (db *DB) NewSessionWriter(traceID uuid.UUID) *SessionWriter {
	return &SessionWriter{db: db, traceID: traceID}
}

// SessionWriter adapts NewSessionWriter to the trace.TraceWriter interface,
// letting DB satisfy consumers declared against the interface.
func (db *DB) SessionWriter(traceID uuid.UUID) trace.TraceWriter {
	return db.NewSessionWriter(traceID)
}

// WriteTracks buffers the track registry.
func (w *SessionWriter) WriteTracks(tracks []model.Track) error {
	w.tracks = append(w.tracks, tracks...)
	return nil
}

// WriteSlice buffers one completed or open slice row.
func (w *SessionWriter) WriteSlice(s model.Slice) error {
	w.slices = append(w.slices, s)
	return nil
}

// InsertEdge buffers a flow edge and returns its id. Ids are sequential
// within the trace.
func (w *SessionWriter) InsertEdge(flow model.FlowID, out, in model.SliceID) (model.EdgeID, error) {
	id := model.EdgeID(len(w.edges))
	w.edges = append(w.edges, edgeRow{id: id, flow: flow, out: out, in: in})
	return id, nil
}

// AttachEdgeArg buffers one key/value argument for an edge.
func (w *SessionWriter) AttachEdgeArg(edge model.EdgeID, key, value string) error {
	w.args = append(w.args, argRow{edge: edge, key: key, value: value})
	return nil
}

// EdgeCount returns the number of edges buffered so far.
func (w *SessionWriter) EdgeCount() int64 {
	return int64(len(w.edges))
}

// Finish persists the buffered session atomically and marks the trace
// completed. Serialization conflicts retry; any other failure is returned to
// the session. On success a lifecycle notification goes out on ChannelTraces.
func (w *SessionWriter) Finish(ctx context.Context, sum trace.Summary) error {
	err := WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		return w.flush(ctx, sum)
	})
	if err != nil {
		return err
	}
	w.db.NotifyTrace(ctx, w.traceID, model.TraceStatusCompleted, sum.Edges)
	return nil
}

// flush writes all buffered rows and the final trace row update in one
// transaction. It does not consume the buffers, so a retried flush starts
// from the same state.
func (w *SessionWriter) flush(ctx context.Context, sum trace.Summary) error {
	tx, err := w.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin session flush: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(w.tracks) > 0 {
		rows := make([][]any, len(w.tracks))
		for i, t := range w.tracks {
			rows[i] = []any{w.traceID, int64(t.ID), t.PID, t.TID}
		}
		if err := copyRows(ctx, tx, "tracks",
			[]string{"trace_id", "id", "pid", "tid"}, rows); err != nil {
			return err
		}
	}

	if len(w.slices) > 0 {
		rows := make([][]any, len(w.slices))
		for i, s := range w.slices {
			rows[i] = []any{w.traceID, int64(s.ID), int64(s.Track), s.Name, s.Category, s.StartNS, s.EndNS, s.Depth}
		}
		if err := copyRows(ctx, tx, "slices",
			[]string{"trace_id", "id", "track_id", "name", "category", "start_ns", "end_ns", "depth"}, rows); err != nil {
			return err
		}
	}

	if len(w.edges) > 0 {
		rows := make([][]any, len(w.edges))
		for i, e := range w.edges {
			rows[i] = []any{w.traceID, int64(e.id), int64(e.flow), int64(e.out), int64(e.in)}
		}
		if err := copyRows(ctx, tx, "flow_edges",
			[]string{"trace_id", "id", "flow_id", "slice_out", "slice_in"}, rows); err != nil {
			return err
		}
	}

	if len(w.args) > 0 {
		rows := make([][]any, len(w.args))
		for i, a := range w.args {
			rows[i] = []any{w.traceID, int64(a.edge), a.key, a.value}
		}
		if err := copyRows(ctx, tx, "edge_args",
			[]string{"trace_id", "edge_id", "key", "value"}, rows); err != nil {
			return err
		}
	}

	if len(sum.Counters) > 0 {
		rows := make([][]any, 0, len(sum.Counters))
		for name, value := range sum.Counters {
			rows = append(rows, []any{w.traceID, name, value})
		}
		if err := copyRows(ctx, tx, "trace_counters",
			[]string{"trace_id", "name", "value"}, rows); err != nil {
			return err
		}
	}

	completed := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE traces
		 SET status = 'completed', event_count = $2, slice_count = $3, edge_count = $4, completed_at = $5
		 WHERE id = $1 AND status = 'processing'`,
		w.traceID, sum.Events, sum.Slices, sum.Edges, completed)
	if err != nil {
		return fmt.Errorf("storage: complete trace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete trace %s: %w", w.traceID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit session flush: %w", err)
	}
	return nil
}

// copyRows COPYs rows under a dedicated 30s timeout so a hung Postgres cannot
// block the flush indefinitely.
func copyRows(ctx context.Context, tx pgx.Tx, table string, columns []string, rows [][]any) error {
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy %s: %w", table, err)
	}
	return nil
}
