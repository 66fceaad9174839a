// Package export publishes completed-trace events to Kafka for downstream
// consumers (alerting, long-term analytics). Export is optional; with no
// brokers configured the publisher is a no-op.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ashita-ai/musubi/internal/trace"
)

// Event is the message body published for each completed trace. The message
// key is the trace id, so per-trace ordering is preserved under partitioning.
type Event struct {
	TraceID     uuid.UUID        `json:"trace_id"`
	Name        string           `json:"name"`
	Events      int64            `json:"events"`
	Slices      int64            `json:"slices"`
	Edges       int64            `json:"edges"`
	Counters    map[string]int64 `json:"counters,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Publisher writes completed-trace events to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher creates a publisher for the comma-separated broker list.
// An empty list disables export: the returned publisher accepts and drops
// every event.
func NewPublisher(brokers, topic string, logger *slog.Logger) *Publisher {
	if brokers == "" {
		return &Publisher{logger: logger}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error("kafka: " + fmt.Sprintf(msg, args...))
		}),
	}
	return &Publisher{writer: w, logger: logger}
}

// Enabled reports whether events actually leave the process.
func (p *Publisher) Enabled() bool {
	return p.writer != nil
}

// PublishCompleted emits one event for a successfully correlated trace.
func (p *Publisher) PublishCompleted(ctx context.Context, traceID uuid.UUID, name string, sum trace.Summary) error {
	if p.writer == nil {
		return nil
	}

	value, err := json.Marshal(Event{
		TraceID:     traceID,
		Name:        name,
		Events:      sum.Events,
		Slices:      sum.Slices,
		Edges:       sum.Edges,
		Counters:    sum.Counters,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("export: marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(traceID.String()),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("export: publish trace %s: %w", traceID, err)
	}
	p.logger.Debug("trace exported", "trace_id", traceID, "edges", sum.Edges)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
