package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/musubi/internal/trace"
)

// CounterSink mirrors per-session anomaly counters into an OpenTelemetry
// counter, labeled by counter name. Sessions keep their own authoritative
// CounterSet; the sink only feeds the fleet-wide aggregate.
type CounterSink struct {
	anomalies metric.Int64Counter
}

// NewCounterSink builds a sink on the global meter provider. With OTEL
// disabled the underlying counter is a no-op, so the sink is always safe
// to wire in.
func NewCounterSink() (*CounterSink, error) {
	anomalies, err := Meter("musubi/pipeline").Int64Counter(
		"musubi.pipeline.anomalies",
		metric.WithDescription("Recoverable anomalies observed while correlating trace events."),
	)
	if err != nil {
		return nil, err
	}
	return &CounterSink{anomalies: anomalies}, nil
}

// Increment records a single anomaly.
func (s *CounterSink) Increment(c trace.Counter) {
	s.Add(c, 1)
}

// Add records n anomalies at once. Decode-stage anomalies arrive in bulk.
func (s *CounterSink) Add(c trace.Counter, n int64) {
	if n == 0 {
		return
	}
	s.anomalies.Add(context.Background(), n,
		metric.WithAttributes(attribute.String("counter", string(c))))
}
