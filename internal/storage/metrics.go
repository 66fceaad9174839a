package storage

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RegisterPoolMetrics exposes pgxpool statistics as observable gauges on the
// global meter provider. Call once after New. Metric registration failures
// are logged and swallowed; observability must not block startup.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.Meter("musubi/storage")

	total, err1 := meter.Int64ObservableGauge("musubi.db.connections.total",
		metric.WithDescription("Open connections in the pool"))
	idle, err2 := meter.Int64ObservableGauge("musubi.db.connections.idle",
		metric.WithDescription("Idle connections in the pool"))
	acquired, err3 := meter.Int64ObservableGauge("musubi.db.connections.acquired",
		metric.WithDescription("Connections currently checked out"))
	if err := errors.Join(err1, err2, err3); err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}
