package observability

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics carries the instruments for work that happens outside an HTTP
// request: archive uploads run inside scheduled cleanup jobs, where there is
// no Prometheus endpoint to scrape, so the numbers are pushed through the
// OTLP pipeline instead. Request-level metrics stay on the Prometheus
// registry and the otelhttp wrapper.
type OTelMetrics struct {
	archiveBatches  metric.Int64Counter
	archiveDuration metric.Float64Histogram
	archiveSize     metric.Int64Histogram
}

// NewOTelMetrics creates the instruments against the globally registered
// meter provider. Without a provider the instruments are no-ops, so callers
// may wire this unconditionally.
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(tracerName)
	m := &OTelMetrics{}

	var err error
	if m.archiveBatches, err = meter.Int64Counter("audit.archive.batches",
		metric.WithDescription("Archived audit batches by backend and outcome"),
		metric.WithUnit("{batch}"),
	); err != nil {
		return nil, err
	}
	if m.archiveDuration, err = meter.Float64Histogram("audit.archive.duration",
		metric.WithDescription("Time spent uploading one archive batch"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.archiveSize, err = meter.Int64Histogram("audit.archive.size",
		metric.WithDescription("Encoded size of one archive batch"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordArchiveUpload records one batch upload to the given backend. The size
// histogram is skipped when the batch never reached the wire.
func (m *OTelMetrics) RecordArchiveUpload(ctx context.Context, backend string, duration time.Duration, size int64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	)
	m.archiveBatches.Add(ctx, 1, attrs)
	m.archiveDuration.Record(ctx, duration.Seconds(), attrs)
	if size > 0 {
		m.archiveSize.Record(ctx, size, attrs)
	}
}

// ObserveDBPool registers gauges that sample database/sql pool statistics on
// every collection cycle. Call it once per process after the pool is opened;
// the registration lives until the meter provider shuts down.
func ObserveDBPool(db *sql.DB) error {
	meter := otel.Meter(tracerName)

	open, err := meter.Int64ObservableGauge("db.client.connections.open",
		metric.WithDescription("Connections currently established"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}
	inUse, err := meter.Int64ObservableGauge("db.client.connections.in_use",
		metric.WithDescription("Connections currently handed out"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}
	idle, err := meter.Int64ObservableGauge("db.client.connections.idle",
		metric.WithDescription("Connections sitting in the pool"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}
	waits, err := meter.Int64ObservableCounter("db.client.connections.waits",
		metric.WithDescription("Times a caller had to wait for a connection"),
		metric.WithUnit("{wait}"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := db.Stats()
		o.ObserveInt64(open, int64(s.OpenConnections))
		o.ObserveInt64(inUse, int64(s.InUse))
		o.ObserveInt64(idle, int64(s.Idle))
		o.ObserveInt64(waits, s.WaitCount)
		return nil
	}, open, inUse, idle, waits)
	return err
}
