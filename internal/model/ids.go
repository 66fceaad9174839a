package model

// TrackID identifies one ordered timeline (thread, process, async lane)
// within a single trace. Dense ids assigned by the decoder's track registry
// in first-seen order.
type TrackID int64

// SliceID identifies one time-bounded slice within a single trace. Assigned
// sequentially from zero as slices open.
type SliceID int64

// FlowID identifies one logical flow (a causal chain of edges) within a
// single trace. Explicit ids come from the event stream; synthetic ids for
// legacy flows are allocated from SyntheticFlowBase upward. The decoder
// rejects explicit ids at or above SyntheticFlowBase, so the two spaces
// never collide.
type FlowID uint64

// SyntheticFlowBase is the first FlowID handed out for legacy flows.
const SyntheticFlowBase FlowID = 1 << 63

// EdgeID identifies one flow edge within a single trace. Assigned
// sequentially by the storage sink as edges are inserted.
type EdgeID int64
