// Package jobs runs trace correlation in the background.
//
// Each uploaded trace becomes a job that moves through a fixed state
// machine: queued, decoding, correlating, persisting, and finally
// completed or failed. Job state lives in memory; the trace row in
// storage is the durable record, so a restart loses only the queue of
// not-yet-processed uploads.
package jobs

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/trace"
)

// Job statuses, in the order a healthy job passes through them.
const (
	StatusQueued      = "queued"
	StatusDecoding    = "decoding"
	StatusCorrelating = "correlating"
	StatusPersisting  = "persisting"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// retention is how long finished jobs stay queryable before pruning.
const retention = time.Hour

// Store is the storage surface the manager needs. *storage.DB satisfies it.
type Store interface {
	SessionWriter(traceID uuid.UUID) trace.TraceWriter
	MarkTraceFailed(ctx context.Context, id uuid.UUID, msg string) error
	NotifyTrace(ctx context.Context, id uuid.UUID, status model.TraceStatus, edges int64)
}

// Exporter receives successfully correlated traces. *export.Publisher
// satisfies it. Export failures are logged, never propagated: the trace is
// already durable by the time the exporter runs.
type Exporter interface {
	PublishCompleted(ctx context.Context, traceID uuid.UUID, name string, sum trace.Summary) error
}

// Job is a point-in-time view of a processing job.
type Job struct {
	ID         uuid.UUID      `json:"id"`
	TraceID    uuid.UUID      `json:"trace_id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Summary    *trace.Summary `json:"summary,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// record is the manager's mutable state for one job. The fsm carries the
// status; everything else is guarded by mu.
type record struct {
	id         uuid.UUID
	traceID    uuid.UUID
	name       string
	enqueuedAt time.Time
	machine    *fsm.FSM

	mu         sync.Mutex
	errMsg     string
	finishedAt *time.Time
	summary    *trace.Summary
}

func newRecord(traceID uuid.UUID, name string, logger *slog.Logger) *record {
	rec := &record{
		id:         uuid.New(),
		traceID:    traceID,
		name:       name,
		enqueuedAt: time.Now().UTC(),
	}
	rec.machine = fsm.NewFSM(
		StatusQueued,
		fsm.Events{
			{Name: StatusDecoding, Src: []string{StatusQueued}, Dst: StatusDecoding},
			{Name: StatusCorrelating, Src: []string{StatusDecoding}, Dst: StatusCorrelating},
			{Name: StatusPersisting, Src: []string{StatusCorrelating}, Dst: StatusPersisting},
			{Name: StatusCompleted, Src: []string{StatusPersisting}, Dst: StatusCompleted},
			{Name: StatusFailed, Src: []string{StatusQueued, StatusDecoding, StatusCorrelating, StatusPersisting}, Dst: StatusFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("job state change",
					"job_id", rec.id, "trace_id", rec.traceID, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return rec
}

// transition fires the event named after the target status. Invalid
// transitions indicate a pipeline bug and are logged, not propagated.
func (r *record) transition(ctx context.Context, status string, logger *slog.Logger) {
	if err := r.machine.Event(ctx, status); err != nil {
		logger.Warn("job transition rejected",
			"job_id", r.id, "from", r.machine.Current(), "to", status, "error", err)
	}
}

// snapshot copies the record into an immutable Job view.
func (r *record) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Job{
		ID:         r.id,
		TraceID:    r.traceID,
		Name:       r.name,
		Status:     r.machine.Current(),
		Error:      r.errMsg,
		EnqueuedAt: r.enqueuedAt,
		FinishedAt: r.finishedAt,
		Summary:    r.summary,
	}
}

// Manager owns the worker pool and the in-memory job table.
type Manager struct {
	store    Store
	exporter Exporter    // may be nil
	mirror   trace.Stats // optional fleet-wide counter mirror, may be nil
	logger   *slog.Logger
	pool     *workerpool.WorkerPool

	mu   sync.RWMutex
	jobs map[uuid.UUID]*record
}

// NewManager creates a manager processing up to workers traces concurrently.
func NewManager(store Store, exporter Exporter, mirror trace.Stats, logger *slog.Logger, workers int) *Manager {
	return &Manager{
		store:    store,
		exporter: exporter,
		mirror:   mirror,
		logger:   logger,
		pool:     workerpool.New(workers),
		jobs:     make(map[uuid.UUID]*record),
	}
}

// Submit enqueues one trace payload for correlation and returns the job view
// immediately. The payload must be the raw upload body; the trace row must
// already exist in processing state.
func (m *Manager) Submit(traceID uuid.UUID, name string, payload []byte) Job {
	rec := newRecord(traceID, name, m.logger)

	m.mu.Lock()
	m.pruneLocked()
	m.jobs[rec.id] = rec
	m.mu.Unlock()

	m.pool.Submit(func() {
		m.run(rec, payload)
	})
	return rec.snapshot()
}

// Get returns the job view for id.
func (m *Manager) Get(id uuid.UUID) (Job, bool) {
	m.mu.RLock()
	rec, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, false
	}
	return rec.snapshot(), true
}

// Stop waits for in-flight jobs to finish. Queued jobs still run; Stop
// returns once the pool drains.
func (m *Manager) Stop() {
	m.pool.StopWait()
}

func (m *Manager) run(rec *record, payload []byte) {
	ctx := context.Background()
	writer := m.store.SessionWriter(rec.traceID)

	sum, err := trace.Process(ctx, bytes.NewReader(payload), writer, m.mirror, m.logger, func(stage string) {
		rec.transition(ctx, stage, m.logger)
	})
	now := time.Now().UTC()

	if err != nil {
		rec.transition(ctx, StatusFailed, m.logger)
		rec.mu.Lock()
		rec.errMsg = err.Error()
		rec.finishedAt = &now
		rec.mu.Unlock()

		m.logger.Error("trace processing failed",
			"job_id", rec.id, "trace_id", rec.traceID, "error", err)
		if err := m.store.MarkTraceFailed(ctx, rec.traceID, rec.errMsg); err != nil {
			m.logger.Error("mark trace failed", "trace_id", rec.traceID, "error", err)
		}
		m.store.NotifyTrace(ctx, rec.traceID, model.TraceStatusFailed, 0)
		return
	}

	rec.transition(ctx, StatusCompleted, m.logger)
	rec.mu.Lock()
	rec.summary = &sum
	rec.finishedAt = &now
	rec.mu.Unlock()

	m.logger.Info("trace processed",
		"job_id", rec.id, "trace_id", rec.traceID,
		"events", sum.Events, "slices", sum.Slices, "edges", sum.Edges)

	if m.exporter != nil {
		if err := m.exporter.PublishCompleted(ctx, rec.traceID, rec.name, sum); err != nil {
			m.logger.Error("export trace", "trace_id", rec.traceID, "error", err)
		}
	}
}

// pruneLocked drops finished jobs older than the retention window.
// Caller holds m.mu.
func (m *Manager) pruneLocked() {
	cutoff := time.Now().UTC().Add(-retention)
	for id, rec := range m.jobs {
		rec.mu.Lock()
		done := rec.finishedAt != nil && rec.finishedAt.Before(cutoff)
		rec.mu.Unlock()
		if done {
			delete(m.jobs, id)
		}
	}
}
