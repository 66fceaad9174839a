// Package ingest decodes the Chrome trace-event JSON format into the event
// stream consumed by a correlation session.
//
// Three flow schemas are supported: legacy s/t/f events keyed by
// (id, cat, name), flow_ids/terminating_flow_ids arrays on duration events,
// and the bind_id scheme with flow_in/flow_out markers. Duration events are
// B/E pairs or complete X events, which split into a begin and an end during
// decoding.
package ingest

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"

	"github.com/ashita-ai/musubi/internal/model"
)

// Result is the decoder output: events stably sorted by timestamp, the track
// registry, and decode-stage anomaly counts. Malformed counts events dropped
// for bad ids or negative durations; Skipped counts phases this decoder does
// not ingest (metadata, counters, instants).
type Result struct {
	Events    []model.Event
	Tracks    []model.Track
	Malformed int64
	Skipped   int64
}

// rawEvent mirrors one object of the trace-event format. Unknown fields are
// ignored. Ids decode as RawMessage because producers emit them as numbers,
// decimal strings, or 0x-prefixed hex strings.
type rawEvent struct {
	Name    string          `json:"name"`
	Cat     string          `json:"cat"`
	Phase   string          `json:"ph"`
	TS      float64         `json:"ts"`
	Dur     float64         `json:"dur"`
	PID     int64           `json:"pid"`
	TID     int64           `json:"tid"`
	ID      json.RawMessage `json:"id"`
	BindID  json.RawMessage `json:"bind_id"`
	FlowIn  bool            `json:"flow_in"`
	FlowOut bool            `json:"flow_out"`
	BindPt  string          `json:"bp"`
	FlowIDs []uint64        `json:"flow_ids"`
	TermIDs []uint64        `json:"terminating_flow_ids"`
}

// Decode reads one trace from r, either a bare JSON array of events or the
// {"traceEvents": [...]} wrapper. Timestamps are microseconds in the input
// and nanoseconds in the result. A JSON syntax error is fatal; semantically
// malformed events are dropped and counted.
func Decode(r io.Reader) (*Result, error) {
	dec := json.NewDecoder(r)
	st := newDecodeState()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("ingest: read trace: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil, fmt.Errorf("ingest: trace must be a JSON array or object, got %v", tok)
	}

	switch delim {
	case '[':
		if err := st.consumeArray(dec); err != nil {
			return nil, err
		}
	case '{':
		if err := st.consumeWrapper(dec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("ingest: unexpected delimiter %v", delim)
	}

	// Stable: events with equal timestamps keep file order, which preserves
	// the begin-before-flows and flows-before-end ordering established per
	// source event.
	slices.SortStableFunc(st.events, func(a, b model.Event) int {
		return cmp.Compare(a.TS, b.TS)
	})

	return &Result{
		Events:    st.events,
		Tracks:    st.tracks,
		Malformed: st.malformed,
		Skipped:   st.skipped,
	}, nil
}

type trackKey struct {
	pid, tid int64
}

type decodeState struct {
	events    []model.Event
	tracks    []model.Track
	trackIDs  map[trackKey]model.TrackID
	malformed int64
	skipped   int64
}

func newDecodeState() *decodeState {
	return &decodeState{trackIDs: make(map[trackKey]model.TrackID)}
}

func (d *decodeState) consumeWrapper(dec *json.Decoder) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("ingest: read wrapper key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("ingest: unexpected wrapper token %v", tok)
		}
		if key != "traceEvents" {
			// displayTimeUnit, otherData and friends.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("ingest: skip %q: %w", key, err)
			}
			continue
		}
		tok, err = dec.Token()
		if err != nil {
			return fmt.Errorf("ingest: read traceEvents: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return fmt.Errorf("ingest: traceEvents must be an array")
		}
		if err := d.consumeArray(dec); err != nil {
			return err
		}
	}
	return nil
}

func (d *decodeState) consumeArray(dec *json.Decoder) error {
	for dec.More() {
		var re rawEvent
		if err := dec.Decode(&re); err != nil {
			return fmt.Errorf("ingest: decode event: %w", err)
		}
		d.add(re)
	}
	// Consume the closing bracket.
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("ingest: close array: %w", err)
	}
	return nil
}

func (d *decodeState) add(re rawEvent) {
	ts := toNanos(re.TS)
	track := d.track(re.PID, re.TID)

	switch re.Phase {
	case "B":
		d.emit(model.Event{Kind: model.KindSliceBegin, TS: ts, Track: track, Name: re.Name, Category: re.Cat})
		d.emitFlows(re, ts, track)
	case "E":
		// Flow ids on an end event bind to the slice being closed, so they
		// must precede the close.
		d.emitFlows(re, ts, track)
		d.emit(model.Event{Kind: model.KindSliceEnd, TS: ts, Track: track})
	case "X":
		if re.Dur < 0 {
			d.malformed++
			return
		}
		d.emit(model.Event{Kind: model.KindSliceBegin, TS: ts, Track: track, Name: re.Name, Category: re.Cat})
		d.emitFlows(re, ts, track)
		d.emit(model.Event{Kind: model.KindSliceEnd, TS: ts + toNanos(re.Dur), Track: track})
	case "s", "t", "f":
		id, err := parseID(re.ID)
		if err != nil {
			d.malformed++
			return
		}
		ev := model.Event{
			TS:       ts,
			Track:    track,
			Name:     re.Name,
			Category: re.Cat,
			Legacy:   true,
			SourceID: id,
		}
		switch re.Phase {
		case "s":
			ev.Kind = model.KindFlowBegin
		case "t":
			ev.Kind = model.KindFlowStep
		case "f":
			ev.Kind = model.KindFlowEnd
			ev.BindEnclosing = re.BindPt == "e"
			ev.CloseFlow = true
		}
		d.emit(ev)
	default:
		d.skipped++
	}
}

// emitFlows decodes the explicit-id flow schemas riding on duration events.
func (d *decodeState) emitFlows(re rawEvent, ts int64, track model.TrackID) {
	for _, f := range re.FlowIDs {
		if f >= uint64(model.SyntheticFlowBase) {
			d.malformed++
			continue
		}
		d.emit(model.Event{Kind: model.KindFlowAttach, TS: ts, Track: track, Flow: model.FlowID(f)})
	}
	for _, f := range re.TermIDs {
		if f >= uint64(model.SyntheticFlowBase) {
			d.malformed++
			continue
		}
		d.emit(model.Event{Kind: model.KindFlowEnd, TS: ts, Track: track, Flow: model.FlowID(f), BindEnclosing: true, CloseFlow: true})
	}

	if len(re.BindID) == 0 {
		return
	}
	id, err := parseID(re.BindID)
	if err != nil || id >= uint64(model.SyntheticFlowBase) {
		d.malformed++
		return
	}
	switch {
	case re.FlowOut && re.FlowIn:
		d.emit(model.Event{Kind: model.KindFlowStep, TS: ts, Track: track, Flow: model.FlowID(id)})
	case re.FlowOut:
		d.emit(model.Event{Kind: model.KindFlowAttach, TS: ts, Track: track, Flow: model.FlowID(id)})
	case re.FlowIn:
		d.emit(model.Event{Kind: model.KindFlowEnd, TS: ts, Track: track, Flow: model.FlowID(id), BindEnclosing: true, CloseFlow: true})
	default:
		// bind_id without direction markers carries no flow semantics.
		d.skipped++
	}
}

func (d *decodeState) emit(ev model.Event) {
	d.events = append(d.events, ev)
}

// track returns the dense id for a (pid, tid) pair, registering it on first
// sight.
func (d *decodeState) track(pid, tid int64) model.TrackID {
	k := trackKey{pid: pid, tid: tid}
	if id, ok := d.trackIDs[k]; ok {
		return id
	}
	id := model.TrackID(len(d.tracks))
	d.trackIDs[k] = id
	d.tracks = append(d.tracks, model.Track{ID: id, PID: pid, TID: tid})
	return id
}

// parseID accepts a JSON number, a decimal string, or a 0x-prefixed hex
// string.
func parseID(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("ingest: missing id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("ingest: id: %w", err)
		}
		id, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("ingest: id %q: %w", s, err)
		}
		return id, nil
	}
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ingest: id %s: %w", raw, err)
	}
	return id, nil
}

// toNanos converts trace-event microseconds (possibly fractional) to integer
// nanoseconds.
func toNanos(us float64) int64 {
	return int64(math.Round(us * 1000))
}
