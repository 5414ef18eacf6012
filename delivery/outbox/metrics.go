package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	entriesDispatched metric.Int64Counter
	entriesFailed     metric.Int64Counter
	entriesAbandoned  metric.Int64Counter
	entriesCleaned    metric.Int64Counter
	dispatchLatency   metric.Float64Histogram
	batchDepth        metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("delivery.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.entriesDispatched, err = meter.Int64Counter(
		"outbox.entries.dispatched",
		metric.WithDescription("Number of outbox entries successfully sent to the transport"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.dispatched counter: %w", err)
	}

	metrics.entriesFailed, err = meter.Int64Counter(
		"outbox.entries.failed",
		metric.WithDescription("Number of outbox entries whose transport send failed"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.failed counter: %w", err)
	}

	metrics.entriesAbandoned, err = meter.Int64Counter(
		"outbox.entries.abandoned",
		metric.WithDescription("Number of outbox entries abandoned after exhausting the retry budget"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.abandoned counter: %w", err)
	}

	metrics.entriesCleaned, err = meter.Int64Counter(
		"outbox.entries.cleaned",
		metric.WithDescription("Number of dispatched outbox entries removed by retention cleanup"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.cleaned counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.batch.depth",
		metric.WithDescription("Number of outbox entries selected in a dispatch cycle"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
