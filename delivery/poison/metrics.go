package poison

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type orchestratorMetrics struct {
	messagesSucceeded  metric.Int64Counter
	messagesRetried    metric.Int64Counter
	messagesDeadLetter metric.Int64Counter
	resolutionFailed   metric.Int64Counter
	sweepLatency       metric.Float64Histogram
	batchDepth         metric.Int64Gauge
}

func newOrchestratorMetrics(provider metric.MeterProvider) (orchestratorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("delivery.poison.orchestrator")

	var (
		metrics orchestratorMetrics
		err     error
	)

	metrics.messagesSucceeded, err = meter.Int64Counter(
		"poison.messages.succeeded",
		metric.WithDescription("Number of poison-queue messages redelivered successfully"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create poison.messages.succeeded counter: %w", err)
	}

	metrics.messagesRetried, err = meter.Int64Counter(
		"poison.messages.retried",
		metric.WithDescription("Number of poison-queue messages requeued with a backoff delay"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create poison.messages.retried counter: %w", err)
	}

	metrics.messagesDeadLetter, err = meter.Int64Counter(
		"poison.messages.dead_lettered",
		metric.WithDescription("Number of poison-queue messages routed to the dead letter store"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create poison.messages.dead_lettered counter: %w", err)
	}

	metrics.resolutionFailed, err = meter.Int64Counter(
		"poison.messages.resolution_failed",
		metric.WithDescription("Number of verdicts whose transport action failed; the lease times out and the message reappears"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create poison.messages.resolution_failed counter: %w", err)
	}

	metrics.sweepLatency, err = meter.Float64Histogram(
		"poison.sweep.latency",
		metric.WithDescription("Time taken per retry sweep"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create poison.sweep.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"poison.batch.depth",
		metric.WithDescription("Number of messages leased in a retry sweep"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create poison.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
