package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all swarmstore metric instruments.
type Metrics struct {
	CommandDuration      metric.Float64Histogram
	EventAppends         metric.Int64Counter
	IdempotentReplays    metric.Int64Counter
	StateUpserts         metric.Int64Counter
	CounterClamps        metric.Int64Counter
	ActiveInvestigations metric.Int64UpDownCounter
	ReviewStalls         metric.Int64Counter
	RetentionPurged      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram("swarmstore.command.duration",
		metric.WithDescription("Store command duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventAppends, err = meter.Int64Counter("swarmstore.events.appends",
		metric.WithDescription("Event log appends"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotentReplays, err = meter.Int64Counter("swarmstore.events.idempotent_replays",
		metric.WithDescription("Event appends deduplicated by idempotency key"),
	)
	if err != nil {
		return nil, err
	}

	m.StateUpserts, err = meter.Int64Counter("swarmstore.state.upserts",
		metric.WithDescription("State snapshot upserts"),
	)
	if err != nil {
		return nil, err
	}

	m.CounterClamps, err = meter.Int64Counter("swarmstore.group.counter_clamps",
		metric.WithDescription("Negative counter updates clamped to zero"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveInvestigations, err = meter.Int64UpDownCounter("swarmstore.investigation.active",
		metric.WithDescription("Investigations currently in progress"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewStalls, err = meter.Int64Counter("swarmstore.review.stalls",
		metric.WithDescription("Review passes with no blocking-count progress"),
	)
	if err != nil {
		return nil, err
	}

	m.RetentionPurged, err = meter.Int64Counter("swarmstore.retention.purged",
		metric.WithDescription("Rows removed by retention sweeps"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
