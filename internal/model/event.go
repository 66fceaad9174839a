package model

// EventKind discriminates decoded trace events.
type EventKind uint8

const (
	KindSliceBegin EventKind = iota + 1
	KindSliceEnd
	KindFlowBegin
	KindFlowStep
	KindFlowEnd
	// KindFlowAttach is an explicit flow id carried on a slice event. The
	// session resolves it to a begin when the flow is inactive and to a
	// step when it is already active.
	KindFlowAttach
)

// String returns the kind's wire name, used in logs and test output.
func (k EventKind) String() string {
	switch k {
	case KindSliceBegin:
		return "slice_begin"
	case KindSliceEnd:
		return "slice_end"
	case KindFlowBegin:
		return "flow_begin"
	case KindFlowStep:
		return "flow_step"
	case KindFlowEnd:
		return "flow_end"
	case KindFlowAttach:
		return "flow_attach"
	default:
		return "unknown"
	}
}

// Event is one decoded trace event. TS is in nanoseconds since the trace
// epoch; a session consumes events in non-decreasing TS order.
//
// Name and Category carry the slice strings for slice events and the legacy
// identity strings for legacy flow events.
type Event struct {
	Kind     EventKind
	TS       int64
	Track    TrackID
	Name     string
	Category string

	// Flow fields.
	Flow          FlowID // explicit flow id; unset for legacy events
	Legacy        bool   // flow identified by (SourceID, Category, Name)
	SourceID      uint64 // legacy source id
	BindEnclosing bool   // flow end binds the enclosing slice instead of deferring
	CloseFlow     bool   // flow end retires the id after the edge
}

// Track is one ordered timeline discovered during decoding, keyed by the
// producing process and thread ids.
type Track struct {
	ID  TrackID `json:"id"`
	PID int64   `json:"pid"`
	TID int64   `json:"tid"`
}
