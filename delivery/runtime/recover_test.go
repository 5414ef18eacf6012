//go:build unit

package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	log.NopLogger

	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.msgs = append(l.msgs, msg)
}

func (l *captureLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.msgs...)
}

func TestRecoverAndLogContainsPanic(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}

	require.NotPanics(t, func() {
		defer RecoverAndLog(context.Background(), logger, "outbox", "dispatch_once")

		panic("boom")
	})

	require.Equal(t, []string{"panic recovered"}, logger.messages())
}

func TestRecoverAndCrashRepanics(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}

	require.PanicsWithValue(t, "boom", func() {
		defer RecoverAndCrash(context.Background(), logger, "outbox", "startup")

		panic("boom")
	})

	require.Equal(t, []string{"panic recovered"}, logger.messages())
}

func TestRecoverWithPolicyKeepRunning(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		defer RecoverWithPolicy(context.Background(), nil, "outbox", "sweep", KeepRunning)

		panic("boom")
	})
}

func TestSafeGoContainsPanic(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	done := make(chan struct{})

	SafeGo(logger, "worker", KeepRunning, func() {
		defer close(done)

		panic("boom")
	})

	<-done
}

func TestPanicErrorMessage(t *testing.T) {
	t.Parallel()

	err := &PanicError{Value: "boom"}
	require.Equal(t, "panic recovered: boom", err.Error())
}
