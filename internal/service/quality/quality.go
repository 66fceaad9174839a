// Package quality scores how cleanly a trace correlated. Scores (0.0-1.0)
// measure how much of the input survived decoding and flow resolution; the
// report backs GET /v1/traces/{id}/quality and the CLI summary.
package quality

import (
	"fmt"

	"github.com/ashita-ai/musubi/internal/trace"
)

// Status classifies a trace's correlation health.
type Status string

const (
	// StatusClean means every event decoded and every flow resolved.
	StatusClean Status = "clean"
	// StatusDegraded means some events could not be correlated but the
	// decoded data itself was sound.
	StatusDegraded Status = "degraded"
	// StatusMalformed means a meaningful share of events was dropped
	// outright during decoding.
	StatusMalformed Status = "malformed"
)

// malformedShare is the fraction of dropped events at which a trace stops
// counting as merely degraded.
const malformedShare = 0.1

// Report is a per-trace quality assessment.
type Report struct {
	Status   Status           `json:"status"`
	Score    float64          `json:"score"`
	Events   int64            `json:"events"`
	Counters map[string]int64 `json:"counters,omitempty"`
	Gaps     []string         `json:"gaps,omitempty"`
}

// gapText describes each anomaly counter for the human-readable gap list.
// events_skipped is absent: skipping metadata and counter phases is normal,
// not a quality gap.
var gapText = map[trace.Counter]string{
	trace.FlowNoEnclosingSlice: "flow events without an enclosing slice",
	trace.FlowDuplicateID:      "flow begins for an already-active flow id",
	trace.FlowStepWithoutStart: "flow steps with no active flow",
	trace.FlowEndWithoutStart:  "flow ends with no active flow",
	trace.SliceEndWithoutBegin: "slice ends with no open slice",
	trace.EventsMalformed:      "events dropped as malformed during decoding",
}

// Assess computes a quality report from a trace's applied-event total and its
// anomaly counter snapshot.
//
// Scoring:
//   - anomalies count against the event total proportionally
//   - malformed events weigh double: they mean dropped data, not just an
//     unresolved correlation
//   - events_skipped never affects score or status
func Assess(events int64, counters map[string]int64) Report {
	r := Report{
		Status:   StatusClean,
		Score:    1.0,
		Events:   events,
		Counters: counters,
	}

	var weighted, malformed int64
	for name, count := range counters {
		c := trace.Counter(name)
		if _, scored := gapText[c]; !scored || count <= 0 {
			continue
		}
		weighted += count
		if c == trace.EventsMalformed {
			// Double weight.
			weighted += count
			malformed = count
		}
	}
	if weighted == 0 {
		return r
	}

	r.Score = 1.0 - float64(weighted)/float64(events+weighted)
	r.Status = StatusDegraded
	if float64(malformed) > malformedShare*float64(events+malformed) {
		r.Status = StatusMalformed
	}
	r.Gaps = gaps(counters)
	return r
}

// gaps renders one line per non-zero scored counter, in counter reporting
// order.
func gaps(counters map[string]int64) []string {
	var out []string
	for _, c := range trace.Counters {
		count := counters[string(c)]
		text, scored := gapText[c]
		if count <= 0 || !scored {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %d (%s)", text, count, c))
	}
	return out
}
