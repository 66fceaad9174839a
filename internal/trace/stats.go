package trace

// Counter names a per-session anomaly counter. Counters are monotonic,
// session-scoped, and never decremented; they are the only surface through
// which recoverable input malformations are reported.
type Counter string

const (
	// Incremented by the flow tracker.
	FlowNoEnclosingSlice Counter = "flow_no_enclosing_slice"
	FlowDuplicateID      Counter = "flow_duplicate_id"
	FlowStepWithoutStart Counter = "flow_step_without_start"
	FlowEndWithoutStart  Counter = "flow_end_without_start"

	// Incremented by the session driver.
	SliceEndWithoutBegin Counter = "slice_end_without_begin"
	EventsMalformed      Counter = "events_malformed"
	EventsSkipped        Counter = "events_skipped"
)

// Counters lists every counter a session can report, in reporting order.
var Counters = []Counter{
	FlowNoEnclosingSlice,
	FlowDuplicateID,
	FlowStepWithoutStart,
	FlowEndWithoutStart,
	SliceEndWithoutBegin,
	EventsMalformed,
	EventsSkipped,
}

// Stats receives anomaly increments. Implementations must not fail; an
// increment is fire-and-forget.
type Stats interface {
	Increment(Counter)
}

// CounterSet is the in-memory Stats implementation and the source of truth
// for a session's counters. Not safe for concurrent use.
type CounterSet struct {
	counts map[Counter]int64
}

// NewCounterSet returns an empty counter set.
func NewCounterSet() *CounterSet {
	return &CounterSet{counts: make(map[Counter]int64)}
}

// Increment adds one to c.
func (s *CounterSet) Increment(c Counter) {
	s.counts[c]++
}

// Add adds n to c. Used for decode-stage anomalies reported in bulk.
func (s *CounterSet) Add(c Counter, n int64) {
	if n == 0 {
		return
	}
	s.counts[c] += n
}

// Get returns the current value of c.
func (s *CounterSet) Get(c Counter) int64 {
	return s.counts[c]
}

// Snapshot returns a copy of all non-zero counters keyed by name.
func (s *CounterSet) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(s.counts))
	for c, v := range s.counts {
		if v != 0 {
			out[string(c)] = v
		}
	}
	return out
}

// multiStats fans increments out to several sinks.
type multiStats []Stats

func (m multiStats) Increment(c Counter) {
	for _, s := range m {
		s.Increment(c)
	}
}

// adder is implemented by sinks that can record bulk increments directly.
type adder interface {
	Add(Counter, int64)
}
