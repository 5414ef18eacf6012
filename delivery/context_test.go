//go:build unit

package delivery

import (
	"context"
	"testing"

	"github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTrackingFromContextDefaults(t *testing.T) {
	t.Parallel()

	logger, tracer, headerID := NewTrackingFromContext(context.Background())

	require.NotNil(t, logger)
	require.NotNil(t, tracer)
	require.NotEmpty(t, headerID)
}

func TestContextWithLoggerRoundTrip(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	ctx := ContextWithLogger(context.Background(), logger)

	require.Same(t, logger, NewLoggerFromContext(ctx))
}

func TestContextWithHeaderIDPreserved(t *testing.T) {
	t.Parallel()

	ctx := ContextWithHeaderID(context.Background(), "corr-123")

	_, _, headerID := NewTrackingFromContext(ctx)
	require.Equal(t, "corr-123", headerID)
}

func TestContextValuesDoNotLeakAcrossBranches(t *testing.T) {
	t.Parallel()

	base := ContextWithHeaderID(context.Background(), "base")
	branch := ContextWithHeaderID(base, "branch")

	_, _, baseID := NewTrackingFromContext(base)
	_, _, branchID := NewTrackingFromContext(branch)

	require.Equal(t, "base", baseID)
	require.Equal(t, "branch", branchID)
}

func TestContextWithTracer(t *testing.T) {
	t.Parallel()

	tracer := noop.NewTracerProvider().Tracer("test")
	ctx := ContextWithTracer(context.Background(), tracer)

	_, extracted, _ := NewTrackingFromContext(ctx)
	require.Equal(t, tracer, extracted)
}

type launchedApp struct {
	ran chan struct{}
}

func (a *launchedApp) Run(_ *Launcher) error {
	close(a.ran)

	return nil
}

func TestLauncherRunsApps(t *testing.T) {
	t.Parallel()

	app := &launchedApp{ran: make(chan struct{})}
	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("worker", app),
	)

	require.NoError(t, launcher.RunWithError())

	select {
	case <-app.ran:
	default:
		t.Fatal("app did not run")
	}
}

func TestLauncherRejectsInvalidApps(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(WithLogger(log.NewNop()))

	require.ErrorIs(t, launcher.Add("", &launchedApp{ran: make(chan struct{})}), ErrEmptyApp)
	require.ErrorIs(t, launcher.Add("worker", nil), ErrNilApp)
}

func TestLauncherRequiresLogger(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher()
	require.ErrorIs(t, launcher.RunWithError(), ErrLoggerNil)
}
