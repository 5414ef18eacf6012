package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultBatchSize        = 50
	defaultMaxRetries       = 3
	defaultBaseRetryDelay   = 2 * time.Minute
	defaultCleanupRetention = 30 * 24 * time.Hour
)

// DispatcherConfig controls dispatcher polling, batching, and cleanup.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of entries processed per cycle.
	BatchSize int
	// CleanupRetention is how long dispatched entries are kept before the
	// post-cycle cleanup removes them.
	CleanupRetention time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval: defaultDispatchInterval,
		BatchSize:        defaultBatchSize,
		CleanupRetention: defaultCleanupRetention,
		MeterProvider:    nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.CleanupRetention <= 0 {
		cfg.CleanupRetention = defaults.CleanupRetention
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets the maximum entries processed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithCleanupRetention sets the retention window for dispatched entries.
func WithCleanupRetention(retention time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if retention > 0 {
			dispatcher.cfg.CleanupRetention = retention
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
