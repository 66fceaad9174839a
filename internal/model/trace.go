package model

import (
	"time"

	"github.com/google/uuid"
)

// TraceStatus tracks a stored trace through processing.
type TraceStatus string

const (
	TraceStatusProcessing TraceStatus = "processing"
	TraceStatusCompleted  TraceStatus = "completed"
	TraceStatusFailed     TraceStatus = "failed"
)

// Trace is one ingested trace and its processing outcome. Rows are created
// at upload and finalized exactly once; completed traces are immutable.
type Trace struct {
	ID            uuid.UUID   `json:"id"`
	Name          string      `json:"name"`
	ContentDigest string      `json:"content_digest"`
	Status        TraceStatus `json:"status"`
	EventCount    int64       `json:"event_count"`
	SliceCount    int64       `json:"slice_count"`
	EdgeCount     int64       `json:"edge_count"`
	Error         *string     `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Slice is one time-bounded slice row. EndNS is nil when the slice was still
// open at session end.
type Slice struct {
	ID       SliceID `json:"id"`
	Track    TrackID `json:"track"`
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"`
	StartNS  int64   `json:"start_ns"`
	EndNS    *int64  `json:"end_ns,omitempty"`
	Depth    int32   `json:"depth"`
}

// Edge is one directed causal link between two slices: SliceOut causally
// precedes SliceIn. Args carries the legacy identity attributes when the
// producing flow had one. Edges are append-only; never mutated or retracted.
type Edge struct {
	ID       EdgeID            `json:"id"`
	Flow     FlowID            `json:"flow_id"`
	SliceOut SliceID           `json:"slice_out"`
	SliceIn  SliceID           `json:"slice_in"`
	Args     map[string]string `json:"args,omitempty"`
}
