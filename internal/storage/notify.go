package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/musubi/internal/model"
)

// ChannelTraces is the Postgres LISTEN/NOTIFY channel carrying trace
// lifecycle payloads for the event stream.
const ChannelTraces = "musubi_traces"

// TraceNotification is the JSON payload published on ChannelTraces.
type TraceNotification struct {
	TraceID   uuid.UUID         `json:"trace_id"`
	Status    model.TraceStatus `json:"status"`
	EdgeCount int64             `json:"edge_count"`
}

// Listen starts listening on the specified channel using the dedicated
// notify connection. Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// NotifyTrace publishes a trace lifecycle notification on ChannelTraces.
// Failures are logged, not returned; notifications are advisory and must not
// fail the operation that produced them.
func (db *DB) NotifyTrace(ctx context.Context, id uuid.UUID, status model.TraceStatus, edges int64) {
	payload, err := json.Marshal(TraceNotification{TraceID: id, Status: status, EdgeCount: edges})
	if err != nil {
		return
	}
	if err := db.Notify(ctx, ChannelTraces, string(payload)); err != nil {
		db.logger.Warn("storage: notify trace lifecycle", "trace_id", id, "error", err)
	}
}
