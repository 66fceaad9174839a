package export

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/ashita-ai/musubi/internal/trace"
)

func TestDisabledPublisherDropsEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisher("", "musubi.trace.completed", logger)

	if p.Enabled() {
		t.Fatal("publisher with no brokers should be disabled")
	}
	err := p.PublishCompleted(context.Background(), uuid.New(), "t", trace.Summary{Edges: 3})
	if err != nil {
		t.Fatalf("disabled publish should be a no-op, got: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestEnabledPublisherConfiguresWriter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisher("broker-1:9092,broker-2:9092", "musubi.trace.completed", logger)
	defer p.Close()

	if !p.Enabled() {
		t.Fatal("publisher with brokers should be enabled")
	}
	if p.writer.Topic != "musubi.trace.completed" {
		t.Fatalf("unexpected topic: %s", p.writer.Topic)
	}
	if got := p.writer.Addr.String(); got != "broker-1:9092,broker-2:9092" {
		t.Fatalf("unexpected addr: %s", got)
	}
}

func TestEventShape(t *testing.T) {
	id := uuid.New()
	raw, err := json.Marshal(Event{
		TraceID:  id,
		Name:     "render loop",
		Events:   10,
		Slices:   4,
		Edges:    2,
		Counters: map[string]int64{"flow_duplicate_id": 1},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["trace_id"] != id.String() {
		t.Fatalf("trace_id = %v", decoded["trace_id"])
	}
	if decoded["edges"] != float64(2) {
		t.Fatalf("edges = %v", decoded["edges"])
	}
	counters, ok := decoded["counters"].(map[string]any)
	if !ok || counters["flow_duplicate_id"] != float64(1) {
		t.Fatalf("counters = %v", decoded["counters"])
	}
}
