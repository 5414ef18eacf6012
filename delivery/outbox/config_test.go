//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDispatcherConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultDispatcherConfig()

	assert.Equal(t, 2*time.Second, cfg.DispatchInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 30*24*time.Hour, cfg.CleanupRetention)
	assert.Nil(t, cfg.MeterProvider)
}

func TestDispatcherConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		DispatchInterval: -time.Second,
		BatchSize:        0,
		CleanupRetention: 0,
	}

	cfg.normalize()

	assert.Equal(t, DefaultDispatcherConfig(), cfg)
}

func TestDispatcherOptions(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(
		&fakeStore{},
		&fakeTransport{},
		nil,
		nil,
		WithBatchSize(7),
		WithDispatchInterval(time.Minute),
		WithCleanupRetention(48*time.Hour),
	)
	require.NoError(t, err)

	assert.Equal(t, 7, dispatcher.cfg.BatchSize)
	assert.Equal(t, time.Minute, dispatcher.cfg.DispatchInterval)
	assert.Equal(t, 48*time.Hour, dispatcher.cfg.CleanupRetention)
}

func TestDispatcherOptionsIgnoreInvalidValues(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(
		&fakeStore{},
		&fakeTransport{},
		nil,
		nil,
		WithBatchSize(-1),
		WithDispatchInterval(0),
		WithCleanupRetention(-time.Hour),
	)
	require.NoError(t, err)

	assert.Equal(t, DefaultDispatcherConfig().BatchSize, dispatcher.cfg.BatchSize)
	assert.Equal(t, DefaultDispatcherConfig().DispatchInterval, dispatcher.cfg.DispatchInterval)
	assert.Equal(t, DefaultDispatcherConfig().CleanupRetention, dispatcher.cfg.CleanupRetention)
}
