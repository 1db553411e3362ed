package scrape

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "fairscraper/scrape"

// pipelineInstruments are OpenTelemetry instruments recorded once per
// pipeline run. They reach /metrics through the Prometheus bridge.
type pipelineInstruments struct {
	runs     metric.Int64Counter
	attempts metric.Int64Histogram
}

func newPipelineInstruments(mp metric.MeterProvider) pipelineInstruments {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	fallback := noop.Meter{}

	runs, err := meter.Int64Counter("fairscraper.pipeline.runs",
		metric.WithDescription("Pipeline runs by winning driver; none when every driver came back empty."))
	if err != nil {
		runs, _ = fallback.Int64Counter("fairscraper.pipeline.runs")
	}
	attempts, err := meter.Int64Histogram("fairscraper.pipeline.attempts",
		metric.WithDescription("Drivers consulted per pipeline run, skipped ones included."),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4))
	if err != nil {
		attempts, _ = fallback.Int64Histogram("fairscraper.pipeline.attempts")
	}
	return pipelineInstruments{runs: runs, attempts: attempts}
}

func (i pipelineInstruments) record(ctx context.Context, winner string, consulted int) {
	attrs := metric.WithAttributes(attribute.String("driver", winner))
	i.runs.Add(ctx, 1, attrs)
	i.attempts.Record(ctx, int64(consulted), attrs)
}
