package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all minder metrics instruments.
type Metrics struct {
	PushDuration   metric.Float64Histogram
	PullDuration   metric.Float64Histogram
	SyncOutcomes   metric.Int64Counter
	SyncConflicts  metric.Int64Counter
	OutboxDepth    metric.Int64UpDownCounter
	SavesTotal     metric.Int64Counter
	MeetingsTiered metric.Int64Counter
	BlobsEvicted   metric.Int64Counter
	BytesFreed     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PushDuration, err = meter.Float64Histogram("minder.sync.push.duration",
		metric.WithDescription("Snapshot push duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PullDuration, err = meter.Float64Histogram("minder.sync.pull.duration",
		metric.WithDescription("Snapshot pull duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncOutcomes, err = meter.Int64Counter("minder.sync.outcomes",
		metric.WithDescription("Sync operations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncConflicts, err = meter.Int64Counter("minder.sync.conflicts",
		metric.WithDescription("Sync conflicts detected"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDepth, err = meter.Int64UpDownCounter("minder.outbox.depth",
		metric.WithDescription("Pending outbox entries"),
	)
	if err != nil {
		return nil, err
	}

	m.SavesTotal, err = meter.Int64Counter("minder.store.saves",
		metric.WithDescription("Record saves by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.MeetingsTiered, err = meter.Int64Counter("minder.governor.retiered",
		metric.WithDescription("Meetings moved between tiers"),
	)
	if err != nil {
		return nil, err
	}

	m.BlobsEvicted, err = meter.Int64Counter("minder.governor.evicted",
		metric.WithDescription("Meetings whose blobs were evicted"),
	)
	if err != nil {
		return nil, err
	}

	m.BytesFreed, err = meter.Int64Counter("minder.governor.bytes_freed",
		metric.WithDescription("Bytes reclaimed by blob eviction"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
