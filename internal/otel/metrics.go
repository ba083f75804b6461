package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all beacon metrics instruments.
type Metrics struct {
	UploadsTotal       metric.Int64Counter
	DuplicatesSkipped  metric.Int64Counter
	UploadErrors       metric.Int64Counter
	AggregateMerges    metric.Int64Counter
	CommandDispatches  metric.Int64Counter
	CommandFailures    metric.Int64Counter
	DispatchDuration   metric.Float64Histogram
	BlobUploadBytes    metric.Int64Counter
	BlobUploadFailures metric.Int64Counter
	WatchEvents        metric.Int64Counter
	SpoolDepth         metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.UploadsTotal, err = meter.Int64Counter("beacon.telemetry.uploads",
		metric.WithDescription("Telemetry records written to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicatesSkipped, err = meter.Int64Counter("beacon.telemetry.duplicates",
		metric.WithDescription("Telemetry uploads skipped because the dedup key already existed"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadErrors, err = meter.Int64Counter("beacon.telemetry.errors",
		metric.WithDescription("Telemetry uploads abandoned on store errors"),
	)
	if err != nil {
		return nil, err
	}

	m.AggregateMerges, err = meter.Int64Counter("beacon.usage.merges",
		metric.WithDescription("Daily usage aggregate merges committed"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandDispatches, err = meter.Int64Counter("beacon.command.dispatches",
		metric.WithDescription("Commands handed to the executor"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandFailures, err = meter.Int64Counter("beacon.command.failures",
		metric.WithDescription("Commands terminated as failed"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("beacon.command.duration",
		metric.WithDescription("Executor run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BlobUploadBytes, err = meter.Int64Counter("beacon.blob.bytes",
		metric.WithDescription("Bytes uploaded to the blob store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.BlobUploadFailures, err = meter.Int64Counter("beacon.blob.failures",
		metric.WithDescription("Blob uploads that surfaced an error"),
	)
	if err != nil {
		return nil, err
	}

	m.WatchEvents, err = meter.Int64Counter("beacon.store.watch_events",
		metric.WithDescription("Change-stream events observed"),
	)
	if err != nil {
		return nil, err
	}

	m.SpoolDepth, err = meter.Int64UpDownCounter("beacon.spool.depth",
		metric.WithDescription("Records waiting in the offline spool"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
