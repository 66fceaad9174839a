package musubi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ashita-ai/musubi/internal/export"
	"github.com/ashita-ai/musubi/internal/trace"
)

// A begin/end pair linked to a complete event by one legacy flow.
const sampleTrace = `[
	{"name":"span","cat":"demo","ph":"B","ts":1,"pid":1,"tid":1},
	{"name":"link","cat":"demo","ph":"s","ts":1,"pid":1,"tid":1,"id":"0x1"},
	{"name":"span","cat":"demo","ph":"E","ts":3,"pid":1,"tid":1},
	{"name":"sink","cat":"demo","ph":"X","ts":4,"dur":2,"pid":1,"tid":2},
	{"name":"link","cat":"demo","ph":"f","bp":"e","ts":4,"pid":1,"tid":2,"id":"0x1"}
]`

func TestProcessTrace(t *testing.T) {
	res, err := ProcessTrace(context.Background(), strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("ProcessTrace: %v", err)
	}

	if res.Summary.Events != 6 {
		t.Errorf("events = %d, want 6", res.Summary.Events)
	}
	if res.Summary.Slices != 2 || len(res.Slices) != 2 {
		t.Errorf("slices = %d (summary %d), want 2", len(res.Slices), res.Summary.Slices)
	}
	if res.Summary.Edges != 1 || len(res.Edges) != 1 {
		t.Fatalf("edges = %d (summary %d), want 1", len(res.Edges), res.Summary.Edges)
	}
	if len(res.Summary.Counters) != 0 {
		t.Errorf("counters = %v, want none", res.Summary.Counters)
	}

	// Two tracks: (1,1) and (1,2).
	if res.Summary.Tracks != 2 || len(res.Tracks) != 2 {
		t.Errorf("tracks = %d (summary %d), want 2", len(res.Tracks), res.Summary.Tracks)
	}

	edge := res.Edges[0]
	if edge.Flow < 1<<63 {
		t.Errorf("flow id %d not in the synthetic range", edge.Flow)
	}
	if edge.Args["name"] != "link" || edge.Args["category"] != "demo" {
		t.Errorf("edge args = %v", edge.Args)
	}
	if edge.SliceOut == edge.SliceIn {
		t.Errorf("edge links slice %d to itself", edge.SliceOut)
	}
}

func TestProcessTraceMalformedInput(t *testing.T) {
	_, err := ProcessTrace(context.Background(), strings.NewReader("not json"))
	if err == nil {
		t.Fatal("want decode error, got nil")
	}
}

type recordingHook struct {
	completions []Completion
	err         error
}

func (h *recordingHook) OnTraceCompleted(_ context.Context, c Completion) error {
	h.completions = append(h.completions, c)
	return h.err
}

func TestBuildExporter(t *testing.T) {
	disabled := export.NewPublisher("", "musubi.trace.completed",
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	if got := buildExporter(disabled, nil); got != nil {
		t.Fatalf("no destinations should yield a nil exporter, got %T", got)
	}

	hook := &recordingHook{}
	exp := buildExporter(disabled, []CompletionHook{hook})
	if exp == nil {
		t.Fatal("one hook should yield an exporter")
	}

	traceID := uuid.New()
	sum := trace.Summary{Events: 6, Tracks: 2, Slices: 2, Edges: 1}
	if err := exp.PublishCompleted(context.Background(), traceID, "checkout", sum); err != nil {
		t.Fatalf("PublishCompleted: %v", err)
	}
	if len(hook.completions) != 1 {
		t.Fatalf("hook called %d times, want 1", len(hook.completions))
	}
	got := hook.completions[0]
	if got.TraceID != traceID || got.Name != "checkout" {
		t.Errorf("completion = %+v", got)
	}
	if got.Summary.Edges != 1 || got.Summary.Events != 6 {
		t.Errorf("summary = %+v", got.Summary)
	}
}

func TestMultiExporterDeliversPastFailures(t *testing.T) {
	failing := &recordingHook{err: errors.New("sink unavailable")}
	healthy := &recordingHook{}

	exp := multiExporter{
		hookExporter{hook: failing},
		hookExporter{hook: healthy},
	}

	err := exp.PublishCompleted(context.Background(), uuid.New(), "t", trace.Summary{})
	if err == nil {
		t.Fatal("want joined error from failing hook")
	}
	if len(healthy.completions) != 1 {
		t.Fatalf("healthy hook called %d times, want 1", len(healthy.completions))
	}
}

func TestCompletionHookFunc(t *testing.T) {
	var seen Completion
	hook := CompletionHookFunc(func(_ context.Context, c Completion) error {
		seen = c
		return nil
	})

	want := Completion{TraceID: uuid.New(), Name: "t", Summary: Summary{Edges: 3}}
	if err := hook.OnTraceCompleted(context.Background(), want); err != nil {
		t.Fatal(err)
	}
	if seen.TraceID != want.TraceID || seen.Summary.Edges != 3 {
		t.Errorf("hook saw %+v, want %+v", seen, want)
	}
}
