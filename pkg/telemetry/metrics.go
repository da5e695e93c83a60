package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ActiveRequestsCounter mirrors the Dispatcher's active_requests atomic
// counter (spec.md §4.5) as an OpenTelemetry up-down counter, so fleet
// dashboards can see concurrent in-flight generations without scraping
// process state.
type ActiveRequestsCounter struct {
	counter metric.Int64UpDownCounter
}

// NewActiveRequestsCounter creates the counter against the global meter
// provider. Safe to call whether or not a metrics exporter is configured:
// with none installed, recordings are simply discarded.
func NewActiveRequestsCounter() (*ActiveRequestsCounter, error) {
	meter := otel.GetMeterProvider().Meter("edge-ai-gateway")
	counter, err := meter.Int64UpDownCounter(
		"gateway.active_requests",
		metric.WithDescription("number of in-flight generate calls"),
	)
	if err != nil {
		return nil, err
	}
	return &ActiveRequestsCounter{counter: counter}, nil
}

// Inc records the start of one generation.
func (a *ActiveRequestsCounter) Inc(ctx context.Context) {
	if a == nil {
		return
	}
	a.counter.Add(ctx, 1)
}

// Dec records the terminal event (complete/error/cancel) of one generation.
func (a *ActiveRequestsCounter) Dec(ctx context.Context) {
	if a == nil {
		return
	}
	a.counter.Add(ctx, -1)
}
