package poison

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
)

const (
	defaultMaxRetryAttempts            = 3
	defaultMaxMessagesPerBatch         = 10
	defaultProcessingVisibilityTimeout = 5 * time.Minute
	defaultPollInterval                = 30 * time.Second
)

// OrchestratorConfig controls polling, batching, and lease visibility.
type OrchestratorConfig struct {
	// PollInterval is the periodic interval between retry sweeps.
	PollInterval time.Duration
	// MaxMessagesPerBatch bounds how many leases one sweep takes and how
	// many are processed concurrently.
	MaxMessagesPerBatch int
	// ProcessingVisibilityTimeout is how long received messages stay
	// invisible while a sweep works on them.
	ProcessingVisibilityTimeout time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultOrchestratorConfig returns the baseline orchestrator configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PollInterval:                defaultPollInterval,
		MaxMessagesPerBatch:         defaultMaxMessagesPerBatch,
		ProcessingVisibilityTimeout: defaultProcessingVisibilityTimeout,
		MeterProvider:               nil,
	}
}

func (cfg *OrchestratorConfig) normalize() {
	defaults := DefaultOrchestratorConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.MaxMessagesPerBatch <= 0 {
		cfg.MaxMessagesPerBatch = defaults.MaxMessagesPerBatch
	}

	if cfg.ProcessingVisibilityTimeout <= 0 {
		cfg.ProcessingVisibilityTimeout = defaults.ProcessingVisibilityTimeout
	}
}

// OrchestratorOption mutates orchestrator configuration at construction.
type OrchestratorOption func(*Orchestrator)

// WithPollInterval sets the sweep polling interval.
func WithPollInterval(interval time.Duration) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if interval > 0 {
			orchestrator.cfg.PollInterval = interval
		}
	}
}

// WithMaxMessagesPerBatch sets the per-sweep lease bound.
func WithMaxMessagesPerBatch(maxMessages int) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if maxMessages > 0 {
			orchestrator.cfg.MaxMessagesPerBatch = maxMessages
		}
	}
}

// WithProcessingVisibilityTimeout sets the lease visibility window.
func WithProcessingVisibilityTimeout(timeout time.Duration) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if timeout > 0 {
			orchestrator.cfg.ProcessingVisibilityTimeout = timeout
		}
	}
}

// WithMeterProvider injects a custom meter provider for orchestrator
// metrics. Passing nil keeps the default global OpenTelemetry meter
// provider.
func WithMeterProvider(provider metric.MeterProvider) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if nilcheck.Interface(provider) {
			orchestrator.cfg.MeterProvider = nil

			return
		}

		orchestrator.cfg.MeterProvider = provider
	}
}
