package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Pipeline names used as the "pipeline" attribute.
const (
	PipelineScheduler = "scheduler"
	PipelineFleet     = "fleet"
)

var (
	initMetricsOnce     sync.Once
	jobsCounter         metric.Int64Counter
	tickDuration        metric.Float64Histogram
	tickErrorsCounter   metric.Int64Counter
	fleetDeploysCounter metric.Int64Counter
	eventsCounter       metric.Int64Counter
	subscribersGauge    metric.Int64ObservableGauge
	subscribers         int64
	subscribersMu       sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		jobsCounter, err = m.Int64Counter("sybil_jobs_total", metric.WithDescription("Jobs reaching a terminal state, by pipeline, action and status"))
		if err != nil {
			return
		}
		tickDuration, err = m.Float64Histogram("sybil_tick_duration_seconds", metric.WithDescription("Tick duration in seconds"))
		if err != nil {
			return
		}
		tickErrorsCounter, err = m.Int64Counter("sybil_tick_errors_total", metric.WithDescription("Errors caught inside a tick"))
		if err != nil {
			return
		}
		fleetDeploysCounter, err = m.Int64Counter("sybil_fleet_deploys_total", metric.WithDescription("Fleet deploy attempts by outcome"))
		if err != nil {
			return
		}
		eventsCounter, err = m.Int64Counter("sybil_events_total", metric.WithDescription("Total events emitted on the event bus"))
		if err != nil {
			return
		}
		subscribersGauge, err = m.Int64ObservableGauge("sybil_event_subscribers", metric.WithDescription("Current event bus subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			subscribersMu.Lock()
			n := subscribers
			subscribersMu.Unlock()
			o.ObserveInt64(subscribersGauge, n)
			return nil
		}, subscribersGauge)
	})
	return err
}

// RecordJob records one job reaching a terminal status.
func RecordJob(ctx context.Context, pipeline, action, status string) {
	if jobsCounter == nil {
		return
	}
	jobsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrPipeline.String(pipeline),
		AttrAction.String(action),
		AttrStatus.String(status),
	))
}

// RecordTick records a tick's duration.
func RecordTick(ctx context.Context, pipeline string, duration time.Duration) {
	if tickDuration != nil {
		tickDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrPipeline.String(pipeline)))
	}
}

// RecordTickError counts one error caught at a tick phase or agent boundary.
func RecordTickError(ctx context.Context, pipeline string) {
	if tickErrorsCounter != nil {
		tickErrorsCounter.Add(ctx, 1, metric.WithAttributes(AttrPipeline.String(pipeline)))
	}
}

// RecordFleetDeploy records a deploy attempt outcome (deployed, failed, race_lost).
func RecordFleetDeploy(ctx context.Context, outcome string) {
	if fleetDeploysCounter != nil {
		fleetDeploysCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

// RecordEvent records one event emitted on the bus.
func RecordEvent(ctx context.Context) {
	if eventsCounter != nil {
		eventsCounter.Add(ctx, 1)
	}
}

// AddSubscriber adds 1 to the subscriber gauge (call on subscribe).
func AddSubscriber() {
	subscribersMu.Lock()
	subscribers++
	subscribersMu.Unlock()
}

// RemoveSubscriber subtracts 1 from the subscriber gauge (call on unsubscribe).
func RemoveSubscriber() {
	subscribersMu.Lock()
	subscribers--
	if subscribers < 0 {
		subscribers = 0
	}
	subscribersMu.Unlock()
}

// JobCountFunc returns job counts keyed by status. Used for the sybil_jobs gauge.
type JobCountFunc func(ctx context.Context) (map[string]int64, error)

// InitMetricsWithJobCount creates instruments and optionally registers a callback for job gauges.
// Call after InitMeterProvider. If jobCount is nil, job gauges are not reported.
func InitMetricsWithJobCount(ctx context.Context, jobCount JobCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if jobCount == nil {
		return nil
	}
	m := Meter()
	jobsGauge, err := m.Float64ObservableGauge("sybil_jobs", metric.WithDescription("Number of primary jobs by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := jobCount(ctx)
		if err != nil {
			return nil
		}
		for _, status := range []string{"pending", "running", "completed", "failed"} {
			o.ObserveFloat64(jobsGauge, float64(counts[status]), metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, jobsGauge)
	return err
}
