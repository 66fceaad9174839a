// Package trace implements single-pass correlation of flow events into
// directed causal edges between slices.
//
// A Session owns all state for one trace: the slice stacks, the flow
// tracker, the string table, and the anomaly counters. Input malformations
// are recoverable per event (dropped and counted); only storage failure
// aborts a session.
package trace

import (
	"github.com/ashita-ai/musubi/internal/intern"
	"github.com/ashita-ai/musubi/internal/model"
)

// LegacyID is the composite identity of a flow in the legacy event schema.
// Category and Name are handles from the session's string table; two legacy
// events denote the same flow iff all three fields are equal.
type LegacyID struct {
	SourceID uint64
	Category intern.ID
	Name     intern.ID
}

// SliceStack answers which slice is currently open on a track. The answer is
// a point-in-time fact that may be absent; the lookup has no side effects.
type SliceStack interface {
	TopmostOpenSlice(track model.TrackID) (model.SliceID, bool)
}

// EdgeWriter persists correlated edges. InsertEdge appends one edge and
// returns its id without blocking on I/O; AttachEdgeArg records one string
// argument on a previously inserted edge. A returned error is fatal for the
// session.
type EdgeWriter interface {
	InsertEdge(flow model.FlowID, out, in model.SliceID) (model.EdgeID, error)
	AttachEdgeArg(edge model.EdgeID, key, value string) error
}

// FlowTracker owns all in-flight flow state for one session: which flows are
// active and bound to which outgoing slice, which ends are deferred on which
// track, and the legacy identity mapping. Exactly one driver goroutine may
// use an instance; it is scoped to one trace and discarded with it.
type FlowTracker struct {
	slices  SliceStack
	edges   EdgeWriter
	stats   Stats
	strings *intern.Table

	open    map[model.FlowID]model.SliceID   // active flow -> outgoing slice of its unresolved leg
	pending map[model.TrackID][]model.FlowID // deferred ends in arrival order, duplicates kept
	legacy  map[LegacyID]model.FlowID
	idents  map[model.FlowID]LegacyID
	nextSyn model.FlowID
}

// NewFlowTracker returns a tracker that resolves slices through stack,
// persists through edges, and reports anomalies through stats. The string
// table resolves legacy identity handles when attaching edge arguments.
func NewFlowTracker(stack SliceStack, edges EdgeWriter, stats Stats, strings *intern.Table) *FlowTracker {
	return &FlowTracker{
		slices:  stack,
		edges:   edges,
		stats:   stats,
		strings: strings,
		open:    make(map[model.FlowID]model.SliceID),
		pending: make(map[model.TrackID][]model.FlowID),
		legacy:  make(map[LegacyID]model.FlowID),
		idents:  make(map[model.FlowID]LegacyID),
		nextSyn: model.SyntheticFlowBase,
	}
}

// Begin marks flow active, bound to the slice currently open on track. No
// edge is emitted; a flow needs at least two legs to produce one. A begin
// with no enclosing slice, or for an id that is already active, is dropped
// and counted, leaving all state unchanged.
//
// A begin arriving before its enclosing slice opens cannot be corrected in a
// single pass; it is counted, not reordered.
func (t *FlowTracker) Begin(track model.TrackID, flow model.FlowID) {
	slice, ok := t.slices.TopmostOpenSlice(track)
	if !ok {
		t.stats.Increment(FlowNoEnclosingSlice)
		return
	}
	if _, active := t.open[flow]; active {
		t.stats.Increment(FlowDuplicateID)
		return
	}
	t.open[flow] = slice
}

// Step emits an edge from the flow's recorded slice to the slice currently
// open on track, then rebinds the flow to that slice, chaining consecutive
// legs of a multi-hop flow.
func (t *FlowTracker) Step(track model.TrackID, flow model.FlowID) error {
	slice, ok := t.slices.TopmostOpenSlice(track)
	if !ok {
		t.stats.Increment(FlowNoEnclosingSlice)
		return nil
	}
	out, active := t.open[flow]
	if !active {
		t.stats.Increment(FlowStepWithoutStart)
		return nil
	}
	if err := t.insertEdge(flow, out, slice); err != nil {
		return err
	}
	t.open[flow] = slice
	return nil
}

// End resolves the final leg of a flow. With bindEnclosing false the
// resolution is deferred: the id is queued for track, unconditionally, and
// bound by the next ClosePendingEventsOnTrack call there. With bindEnclosing
// true the edge targets the slice currently open on track; closeFlow then
// retires the id, or leaves it active for schemas that reuse an id across
// disjoint async scopes.
func (t *FlowTracker) End(track model.TrackID, flow model.FlowID, bindEnclosing, closeFlow bool) error {
	if !bindEnclosing {
		t.pending[track] = append(t.pending[track], flow)
		return nil
	}
	slice, ok := t.slices.TopmostOpenSlice(track)
	if !ok {
		t.stats.Increment(FlowNoEnclosingSlice)
		return nil
	}
	out, active := t.open[flow]
	if !active {
		t.stats.Increment(FlowEndWithoutStart)
		return nil
	}
	if err := t.insertEdge(flow, out, slice); err != nil {
		return err
	}
	if closeFlow {
		delete(t.open, flow)
	}
	return nil
}

// ClosePendingEventsOnTrack resolves every end deferred on track against the
// slice that just closed there, in arrival order. The queue is drained and
// its map entry cleared before any edge is emitted, so a sink failure cannot
// leave it half-consumed. Pending resolutions never retire the flow; a
// queued id that is no longer active is skipped and counted.
func (t *FlowTracker) ClosePendingEventsOnTrack(track model.TrackID, slice model.SliceID) error {
	queued, ok := t.pending[track]
	if !ok {
		return nil
	}
	delete(t.pending, track)
	for _, flow := range queued {
		out, active := t.open[flow]
		if !active {
			t.stats.Increment(FlowEndWithoutStart)
			continue
		}
		if err := t.insertEdge(flow, out, slice); err != nil {
			return err
		}
	}
	return nil
}

// IsActive reports whether flow currently has an unresolved outgoing slice.
func (t *FlowTracker) IsActive(flow model.FlowID) bool {
	_, ok := t.open[flow]
	return ok
}

// FlowIDForLegacy returns the synthetic flow id for a legacy identity,
// allocating the next one on first sight. The mapping is append-only and
// bijective for the life of the session: identical identities always resolve
// to the same id, regardless of what happened in between.
func (t *FlowTracker) FlowIDForLegacy(id LegacyID) model.FlowID {
	if flow, ok := t.legacy[id]; ok {
		return flow
	}
	flow := t.nextSyn
	t.nextSyn++
	t.legacy[id] = flow
	t.idents[flow] = id
	return flow
}

// insertEdge persists one edge and, when the flow carries a legacy identity,
// attaches its category and name as edge arguments, exactly once per edge.
func (t *FlowTracker) insertEdge(flow model.FlowID, out, in model.SliceID) error {
	edge, err := t.edges.InsertEdge(flow, out, in)
	if err != nil {
		return err
	}
	ident, ok := t.idents[flow]
	if !ok {
		return nil
	}
	if err := t.edges.AttachEdgeArg(edge, "category", t.strings.Lookup(ident.Category)); err != nil {
		return err
	}
	return t.edges.AttachEdgeArg(edge, "name", t.strings.Lookup(ident.Name))
}
