package musubi

import (
	"time"

	"github.com/google/uuid"
)

// Trace statuses.
const (
	TraceProcessing = "processing"
	TraceCompleted  = "completed"
	TraceFailed     = "failed"
)

// Trace is one ingested trace and its correlation results.
type Trace struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	ContentDigest string     `json:"content_digest"`
	Status        string     `json:"status"`
	EventCount    int64      `json:"event_count"`
	SliceCount    int64      `json:"slice_count"`
	EdgeCount     int64      `json:"edge_count"`
	Error         *string    `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Edge is one directed causal link between two slices: SliceOut causally
// precedes SliceIn. Flow ids at or above 2^63 were synthesized for legacy
// flow events.
type Edge struct {
	ID       int64             `json:"id"`
	Flow     uint64            `json:"flow_id"`
	SliceOut int64             `json:"slice_out"`
	SliceIn  int64             `json:"slice_in"`
	Args     map[string]string `json:"args,omitempty"`
}

// Summary is the outcome of correlating one trace.
type Summary struct {
	Events   int64            `json:"events"`
	Tracks   int64            `json:"tracks"`
	Slices   int64            `json:"slices"`
	Edges    int64            `json:"edges"`
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Job statuses. A job is terminal once completed or failed.
const (
	JobQueued      = "queued"
	JobDecoding    = "decoding"
	JobCorrelating = "correlating"
	JobPersisting  = "persisting"
	JobCompleted   = "completed"
	JobFailed      = "failed"
)

// Job is the processing state of one uploaded trace.
type Job struct {
	ID         uuid.UUID  `json:"id"`
	TraceID    uuid.UUID  `json:"trace_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    *Summary   `json:"summary,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// UploadResult is the outcome of UploadTrace. For a new trace, JobID tracks
// the processing job. When the server has already ingested an identical
// payload, Duplicate is true and Existing holds the earlier trace.
type UploadResult struct {
	JobID     uuid.UUID
	TraceID   uuid.UUID
	Duplicate bool
	Existing  *Trace
}

// QualityReport scores how faithfully a trace's flow graph was
// reconstructed, from the anomaly counters recorded during correlation.
type QualityReport struct {
	Status   string           `json:"status"` // "clean", "degraded", or "malformed"
	Score    float64          `json:"score"`
	Events   int64            `json:"events"`
	Counters map[string]int64 `json:"counters,omitempty"`
	Gaps     []string         `json:"gaps,omitempty"`
}

// Health is the server's health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Kafka    string `json:"kafka,omitempty"`
	Broker   string `json:"broker,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// ListOptions control pagination for list endpoints.
type ListOptions struct {
	Limit  int
	Offset int
}

// EdgeOptions control the edge listing.
type EdgeOptions struct {
	// Flow restricts the listing to a single flow id.
	Flow *uint64
	ListOptions
}

// TracePage is one page of the trace listing.
type TracePage struct {
	Traces  []Trace
	Total   int
	HasMore bool
}

// EdgePage is one page of a trace's edge listing.
type EdgePage struct {
	Edges   []Edge
	Total   int
	HasMore bool
}
