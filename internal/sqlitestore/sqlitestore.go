// Package sqlitestore persists correlated traces to a local SQLite file. It
// backs `musubi process`, which runs without Postgres: same TraceWriter
// contract as the server's storage layer, CGO-free driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/trace"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("sqlitestore: not found")

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	content_digest TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'processing',
	event_count    INTEGER NOT NULL DEFAULT 0,
	slice_count    INTEGER NOT NULL DEFAULT 0,
	edge_count     INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	created_at     TEXT NOT NULL,
	completed_at   TEXT
);

CREATE TABLE IF NOT EXISTS tracks (
	trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	id       INTEGER NOT NULL,
	pid      INTEGER NOT NULL,
	tid      INTEGER NOT NULL,
	PRIMARY KEY (trace_id, id)
);

CREATE TABLE IF NOT EXISTS slices (
	trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	id       INTEGER NOT NULL,
	track_id INTEGER NOT NULL,
	name     TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	start_ns INTEGER NOT NULL,
	end_ns   INTEGER,
	depth    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (trace_id, id)
);

-- flow_id holds the uint64 flow identifier bit-cast to a signed integer, the
-- same convention as the Postgres schema.
CREATE TABLE IF NOT EXISTS flow_edges (
	trace_id  TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	id        INTEGER NOT NULL,
	flow_id   INTEGER NOT NULL,
	slice_out INTEGER NOT NULL,
	slice_in  INTEGER NOT NULL,
	PRIMARY KEY (trace_id, id)
);

CREATE TABLE IF NOT EXISTS edge_args (
	trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	edge_id  INTEGER NOT NULL,
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (trace_id, edge_id, key)
);

CREATE TABLE IF NOT EXISTS trace_counters (
	trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	name     TEXT NOT NULL,
	value    INTEGER NOT NULL,
	PRIMARY KEY (trace_id, name)
);
`

// Store is a SQLite-backed trace store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite trace store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// One connection: the driver serializes writes anyway, and a single
	// conn avoids SQLITE_BUSY between writer and readers in-process.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for ad-hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTrace inserts a trace row in processing state.
func (s *Store) CreateTrace(ctx context.Context, name, digest string) (model.Trace, error) {
	tr := model.Trace{
		ID:            uuid.New(),
		Name:          name,
		ContentDigest: digest,
		Status:        model.TraceStatusProcessing,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (id, name, content_digest, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tr.ID.String(), tr.Name, tr.ContentDigest, string(tr.Status),
		tr.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return model.Trace{}, fmt.Errorf("sqlitestore: create trace: %w", err)
	}
	return tr, nil
}

// GetTrace retrieves a trace by id. Returns ErrNotFound if it does not exist.
func (s *Store) GetTrace(ctx context.Context, id uuid.UUID) (model.Trace, error) {
	var (
		t         model.Trace
		idStr     string
		status    string
		created   string
		completed *string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content_digest, status, event_count, slice_count, edge_count, error, created_at, completed_at
		 FROM traces WHERE id = ?`, id.String(),
	).Scan(&idStr, &t.Name, &t.ContentDigest, &status,
		&t.EventCount, &t.SliceCount, &t.EdgeCount, &t.Error, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trace{}, ErrNotFound
	}
	if err != nil {
		return model.Trace{}, fmt.Errorf("sqlitestore: get trace: %w", err)
	}

	t.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Trace{}, fmt.Errorf("sqlitestore: parse trace id: %w", err)
	}
	t.Status = model.TraceStatus(status)
	t.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return model.Trace{}, fmt.Errorf("sqlitestore: parse created_at: %w", err)
	}
	if completed != nil {
		ts, err := time.Parse(time.RFC3339Nano, *completed)
		if err != nil {
			return model.Trace{}, fmt.Errorf("sqlitestore: parse completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

// MarkTraceFailed records a processing failure on the trace row.
func (s *Store) MarkTraceFailed(ctx context.Context, id uuid.UUID, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE traces SET status = 'failed', error = ?, completed_at = ? WHERE id = ?`,
		msg, time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: mark trace failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: mark trace failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCounters returns a trace's correlation anomaly counters.
func (s *Store) GetCounters(ctx context.Context, traceID uuid.UUID) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM trace_counters WHERE trace_id = ?`, traceID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan counter: %w", err)
		}
		counters[name] = value
	}
	return counters, rows.Err()
}

// SessionWriter buffers one correlation session's output and persists it in a
// single transaction at Finish, mirroring the Postgres session writer.
type SessionWriter struct {
	store   *Store
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
func (s *Store) NewSessionWriter(traceID uuid.UUID) *SessionWriter {
	return &SessionWriter{store: s, traceID: traceID}
}

// WriteTracks buffers the track registry.
func (w *SessionWriter) WriteTracks(tracks []model.Track) error {
	w.tracks = append(w.tracks, tracks...)
	return nil
}

// WriteSlice buffers one slice row.
func (w *SessionWriter) WriteSlice(s model.Slice) error {
	w.slices = append(w.slices, s)
	return nil
}

// InsertEdge buffers a flow edge and returns its id.
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

// Finish persists the buffered session in one transaction and marks the
// trace completed.
func (w *SessionWriter) Finish(ctx context.Context, sum trace.Summary) error {
	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin session flush: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	traceID := w.traceID.String()

	if err := execRows(ctx, tx,
		`INSERT INTO tracks (trace_id, id, pid, tid) VALUES (?, ?, ?, ?)`,
		len(w.tracks), func(i int) []any {
			t := w.tracks[i]
			return []any{traceID, int64(t.ID), t.PID, t.TID}
		}); err != nil {
		return fmt.Errorf("sqlitestore: insert tracks: %w", err)
	}

	if err := execRows(ctx, tx,
		`INSERT INTO slices (trace_id, id, track_id, name, category, start_ns, end_ns, depth)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		len(w.slices), func(i int) []any {
			s := w.slices[i]
			return []any{traceID, int64(s.ID), int64(s.Track), s.Name, s.Category, s.StartNS, s.EndNS, s.Depth}
		}); err != nil {
		return fmt.Errorf("sqlitestore: insert slices: %w", err)
	}

	if err := execRows(ctx, tx,
		`INSERT INTO flow_edges (trace_id, id, flow_id, slice_out, slice_in) VALUES (?, ?, ?, ?, ?)`,
		len(w.edges), func(i int) []any {
			e := w.edges[i]
			return []any{traceID, int64(e.id), int64(e.flow), int64(e.out), int64(e.in)}
		}); err != nil {
		return fmt.Errorf("sqlitestore: insert edges: %w", err)
	}

	if err := execRows(ctx, tx,
		`INSERT INTO edge_args (trace_id, edge_id, key, value) VALUES (?, ?, ?, ?)`,
		len(w.args), func(i int) []any {
			a := w.args[i]
			return []any{traceID, int64(a.edge), a.key, a.value}
		}); err != nil {
		return fmt.Errorf("sqlitestore: insert edge args: %w", err)
	}

	for name, value := range sum.Counters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trace_counters (trace_id, name, value) VALUES (?, ?, ?)`,
			traceID, name, value); err != nil {
			return fmt.Errorf("sqlitestore: insert counter %s: %w", name, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE traces
		 SET status = 'completed', event_count = ?, slice_count = ?, edge_count = ?, completed_at = ?
		 WHERE id = ? AND status = 'processing'`,
		sum.Events, sum.Slices, sum.Edges,
		time.Now().UTC().Format(time.RFC3339Nano), traceID)
	if err != nil {
		return fmt.Errorf("sqlitestore: complete trace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: complete trace: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlitestore: complete trace %s: %w", traceID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit session flush: %w", err)
	}
	return nil
}

// execRows prepares stmt once and executes it for each of n rows.
func execRows(ctx context.Context, tx *sql.Tx, stmt string, n int, row func(i int) []any) error {
	if n == 0 {
		return nil
	}
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer prepared.Close()

	for i := 0; i < n; i++ {
		if _, err := prepared.ExecContext(ctx, row(i)...); err != nil {
			return err
		}
	}
	return nil
}
