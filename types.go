package musubi

import (
	"github.com/google/uuid"
)

// Summary is the outcome of correlating one trace: how many events were
// applied and how many tracks, slices, and edges they produced. Counters
// holds per-anomaly tallies (unmatched flow ends, orphaned enclosing
// bindings, and so on) keyed by counter name; a clean trace has none.
type Summary struct {
	Events   int64            `json:"events"`
	Tracks   int64            `json:"tracks"`
	Slices   int64            `json:"slices"`
	Edges    int64            `json:"edges"`
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Track is one ordered timeline within a trace, keyed by the producing
// process and thread.
type Track struct {
	ID  int64 `json:"id"`
	PID int64 `json:"pid"`
	TID int64 `json:"tid"`
}

// Slice is one time-bounded span on a track. EndNS is nil while the slice
// is still open (the trace ended before its end event arrived).
type Slice struct {
	ID       int64  `json:"id"`
	Track    int64  `json:"track"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	StartNS  int64  `json:"start_ns"`
	EndNS    *int64 `json:"end_ns,omitempty"`
	Depth    int32  `json:"depth"`
}

// Edge is one directed causal link between two slices: SliceOut causally
// precedes SliceIn. Args carries the flow's identity attributes when the
// producing event stream supplied them.
type Edge struct {
	ID       int64             `json:"id"`
	Flow     uint64            `json:"flow_id"`
	SliceOut int64             `json:"slice_out"`
	SliceIn  int64             `json:"slice_in"`
	Args     map[string]string `json:"args,omitempty"`
}

// Result is the in-memory output of ProcessTrace.
type Result struct {
	Summary Summary
	Tracks  []Track
	Slices  []Slice
	Edges   []Edge
}

// Completion describes one trace that finished correlation successfully.
// Delivered to CompletionHooks after the trace row is finalized.
type Completion struct {
	TraceID uuid.UUID
	Name    string
	Summary Summary
}
