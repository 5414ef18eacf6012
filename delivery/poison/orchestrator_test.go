//go:build unit

package poison

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	libDelivery "github.com/LerianStudio/lib-delivery/delivery"
	"github.com/LerianStudio/lib-delivery/delivery/cron"
	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/LerianStudio/lib-delivery/delivery/queue"
	"github.com/LerianStudio/lib-delivery/delivery/retry"
)

type visibilityUpdate struct {
	messageID string
	body      []byte
	delay     time.Duration
}

type fakePoisonTransport struct {
	mu sync.Mutex

	leases        []queue.Lease
	receiveErr    error
	deleteErr     error
	updateErr     error
	panicOnDelete string

	deleted      []string
	updates      []visibilityUpdate
	ensuredCalls int
}

func (transport *fakePoisonTransport) Send(context.Context, []byte) error { return nil }

func (transport *fakePoisonTransport) Receive(_ context.Context, maxCount int, _ time.Duration) ([]queue.Lease, error) {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.receiveErr != nil {
		return nil, transport.receiveErr
	}

	if len(transport.leases) > maxCount {
		return transport.leases[:maxCount], nil
	}

	return transport.leases, nil
}

func (transport *fakePoisonTransport) Delete(_ context.Context, messageID, _ string) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.panicOnDelete != "" && transport.panicOnDelete == messageID {
		panic("delete exploded")
	}

	if transport.deleteErr != nil {
		return transport.deleteErr
	}

	transport.deleted = append(transport.deleted, messageID)

	return nil
}

func (transport *fakePoisonTransport) UpdateVisibility(_ context.Context, messageID, _ string, newBody []byte, delay time.Duration) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.updateErr != nil {
		return transport.updateErr
	}

	transport.updates = append(transport.updates, visibilityUpdate{
		messageID: messageID,
		body:      newBody,
		delay:     delay,
	})

	return nil
}

func (transport *fakePoisonTransport) EnsureExists(context.Context) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	transport.ensuredCalls++

	return nil
}

func (transport *fakePoisonTransport) deletedIDs() []string {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	return append([]string(nil), transport.deleted...)
}

func (transport *fakePoisonTransport) visibilityUpdates() []visibilityUpdate {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	return append([]visibilityUpdate(nil), transport.updates...)
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	records []DeadLetterRecord
	err     error
}

func (store *recordingDeadLetters) Record(_ context.Context, record DeadLetterRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.err != nil {
		return store.err
	}

	store.records = append(store.records, record)

	return nil
}

func (store *recordingDeadLetters) all() []DeadLetterRecord {
	store.mu.Lock()
	defer store.mu.Unlock()

	return append([]DeadLetterRecord(nil), store.records...)
}

type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (logger *recordingLogger) Log(_ context.Context, _ libLog.Level, msg string, _ ...libLog.Field) {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	logger.messages = append(logger.messages, msg)
}

func (logger *recordingLogger) With(_ ...libLog.Field) libLog.Logger { return logger }

func (logger *recordingLogger) WithGroup(_ string) libLog.Logger { return logger }

func (logger *recordingLogger) Enabled(libLog.Level) bool { return true }

func (logger *recordingLogger) Sync(context.Context) error { return nil }

func (logger *recordingLogger) logged() []string {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	return append([]string(nil), logger.messages...)
}

func leaseFor(t *testing.T, id string, message Message) queue.Lease {
	t.Helper()

	return queue.Lease{
		MessageID:    id,
		ReceiptToken: "tok-" + id,
		Body:         mustEncode(t, message),
		DequeueCount: message.RetryCount + 1,
	}
}

func newTestOrchestrator(
	t *testing.T,
	transport *fakePoisonTransport,
	sink queue.Sink,
	deadLetters DeadLetterStore,
	opts ...OrchestratorOption,
) *Orchestrator {
	t.Helper()

	strategy := retry.NewPowerStrategy(
		retry.WithBaseDelay(2*time.Minute),
		retry.WithJitter(false),
	)

	processor, err := NewProcessor(sink, strategy, 3, nil)
	require.NoError(t, err)

	orchestrator, err := NewOrchestrator(transport, processor, deadLetters, nil, nil, opts...)
	require.NoError(t, err)

	return orchestrator
}

func TestNewOrchestratorValidation(t *testing.T) {
	t.Parallel()

	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })
	processor, err := NewProcessor(sink, retry.NewPowerStrategy(), 3, nil)
	require.NoError(t, err)

	deadLetters := &recordingDeadLetters{}

	_, err = NewOrchestrator(nil, processor, deadLetters, nil, nil)
	require.ErrorIs(t, err, ErrTransportRequired)

	_, err = NewOrchestrator(&fakePoisonTransport{}, nil, deadLetters, nil, nil)
	require.ErrorIs(t, err, ErrProcessorRequired)

	_, err = NewOrchestrator(&fakePoisonTransport{}, processor, nil, nil, nil)
	require.ErrorIs(t, err, ErrDeadLettersRequired)
}

func TestRunOnceSuccessDeletesLease(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{}
	transport.leases = []queue.Lease{
		leaseFor(t, "m-1", NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")),
	}

	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })
	deadLetters := &recordingDeadLetters{}

	orchestrator := newTestOrchestrator(t, transport, sink, deadLetters)

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Received: 1, Succeeded: 1}, result)
	assert.Equal(t, []string{"m-1"}, transport.deletedIDs())
	assert.Empty(t, transport.visibilityUpdates())
	assert.Empty(t, deadLetters.all())
}

func TestRunOnceSinkFailureUpdatesVisibility(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{}
	transport.leases = []queue.Lease{
		leaseFor(t, "m-1", NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")),
	}

	sink := queue.SinkFunc(func(context.Context, []byte) error {
		return errors.New("downstream rejected")
	})
	deadLetters := &recordingDeadLetters{}

	orchestrator := newTestOrchestrator(t, transport, sink, deadLetters)

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Received: 1, Retried: 1}, result)
	assert.Empty(t, transport.deletedIDs(), "retried lease must not be deleted")

	updates := transport.visibilityUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, "m-1", updates[0].messageID)
	assert.Equal(t, 4*time.Minute, updates[0].delay)

	// The requeued body carries the advanced retry count.
	requeued, err := DecodeMessage(updates[0].body)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.RetryCount)
}

func TestRunOnceExhaustedBudgetDeadLettersThenDeletes(t *testing.T) {
	t.Parallel()

	spent := NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")
	spent.RetryCount = 3

	transport := &fakePoisonTransport{leases: []queue.Lease{leaseFor(t, "m-1", spent)}}
	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })
	deadLetters := &recordingDeadLetters{}

	orchestrator := newTestOrchestrator(t, transport, sink, deadLetters)

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Received: 1, DeadLettered: 1}, result)

	records := deadLetters.all()
	require.Len(t, records, 1)
	assert.Equal(t, "max retries exceeded", records[0].FailureReason)
	assert.Equal(t, 3, records[0].RetryCount)
	assert.False(t, records[0].LastAttemptAt.IsZero())

	assert.Equal(t, []string{"m-1"}, transport.deletedIDs(), "dead-lettered lease is acknowledged")
}

func TestRunOnceMalformedMessageDeadLetters(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{leases: []queue.Lease{{
		MessageID:    "m-1",
		ReceiptToken: "tok-m-1",
		Body:         []byte("not a json envelope"),
		DequeueCount: 1,
	}}}

	sinkCalled := false
	sink := queue.SinkFunc(func(context.Context, []byte) error {
		sinkCalled = true

		return nil
	})
	deadLetters := &recordingDeadLetters{}

	orchestrator := newTestOrchestrator(t, transport, sink, deadLetters)

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Received: 1, DeadLettered: 1}, result)
	assert.False(t, sinkCalled)

	records := deadLetters.all()
	require.Len(t, records, 1)
	assert.Equal(t, "deserialization failed", records[0].FailureReason)
}

func TestRunOnceOneMessageDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{leases: []queue.Lease{
		leaseFor(t, "m-ok", NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")),
		{MessageID: "m-bad", ReceiptToken: "tok-bad", Body: []byte("garbage")},
		leaseFor(t, "m-fail", NewMessage([]byte(`{"doc":3}`), "corr-3", "doc-3")),
	}}

	sink := queue.SinkFunc(func(_ context.Context, content []byte) error {
		if string(content) == `{"doc":3}` {
			return errors.New("downstream rejected")
		}

		return nil
	})
	deadLetters := &recordingDeadLetters{}

	orchestrator := newTestOrchestrator(t, transport, sink, deadLetters)

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Received: 3, Succeeded: 1, Retried: 1, DeadLettered: 1}, result)
}

func TestRunOncePanicInResolutionDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{
		panicOnDelete: "m-2",
		leases: []queue.Lease{
			leaseFor(t, "m-1", NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")),
			leaseFor(t, "m-2", NewMessage([]byte(`{"doc":2}`), "corr-2", "doc-2")),
			leaseFor(t, "m-3", NewMessage([]byte(`{"doc":3}`), "corr-3", "doc-3")),
		},
	}

	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })

	orchestrator := newTestOrchestrator(t, transport, sink, &recordingDeadLetters{})

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	// The panicking acknowledgement only loses its own lease; the siblings
	// still resolve.
	assert.Equal(t, SweepResult{Received: 3, Succeeded: 2, ResolutionFailed: 1}, result)
	assert.ElementsMatch(t, []string{"m-1", "m-3"}, transport.deletedIDs())
}

func TestRunOnceFallsBackToContextLogger(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{
		deleteErr: errors.New("broker down"),
		leases: []queue.Lease{
			leaseFor(t, "m-1", NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")),
		},
	}

	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })

	orchestrator := newTestOrchestrator(t, transport, sink, &recordingDeadLetters{})

	recorder := &recordingLogger{}
	ctx := libDelivery.ContextWithLogger(context.Background(), recorder)

	result, err := orchestrator.RunOnce(ctx)
	require.NoError(t, err)

	require.Equal(t, SweepResult{Received: 1, ResolutionFailed: 1}, result)
	assert.Contains(t, recorder.logged(), "failed to acknowledge redelivered message")
}

func TestOrchestratorJobRunsUnderCronRunner(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{leases: []queue.Lease{
		leaseFor(t, "m-1", NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")),
	}}

	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })

	orchestrator := newTestOrchestrator(t, transport, sink, &recordingDeadLetters{})

	runner, err := cron.NewRunner("poison-sweep", "@every 1ms", orchestrator.Job())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- runner.RunContext(context.Background(), nil)
	}()

	require.Eventually(t, func() bool {
		return len(transport.deletedIDs()) >= 1
	}, time.Second, 5*time.Millisecond)

	runner.Stop()
	require.NoError(t, <-done)
	require.NoError(t, runner.Shutdown(context.Background()))
}

func TestRunOncePanicInSinkDeadLetters(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{leases: []queue.Lease{
		leaseFor(t, "m-1", NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")),
	}}

	sink := queue.SinkFunc(func(context.Context, []byte) error {
		panic("sink exploded")
	})
	deadLetters := &recordingDeadLetters{}

	orchestrator := newTestOrchestrator(t, transport, sink, deadLetters)

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Received: 1, DeadLettered: 1}, result)

	records := deadLetters.all()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].FailureReason, "panic during processing")
}

func TestRunOnceReceiveErrorSurfaces(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{receiveErr: queue.ErrTransportUnavailable}
	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })

	orchestrator := newTestOrchestrator(t, transport, sink, &recordingDeadLetters{})

	_, err := orchestrator.RunOnce(context.Background())
	require.ErrorIs(t, err, queue.ErrTransportUnavailable)
}

func TestRunOnceDeadLetterStoreFailureKeepsLease(t *testing.T) {
	t.Parallel()

	spent := NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")
	spent.RetryCount = 3

	transport := &fakePoisonTransport{leases: []queue.Lease{leaseFor(t, "m-1", spent)}}
	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })
	deadLetters := &recordingDeadLetters{err: errors.New("dlq down")}

	orchestrator := newTestOrchestrator(t, transport, sink, deadLetters)

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Received: 1, ResolutionFailed: 1}, result)
	assert.Empty(t, transport.deletedIDs(), "lease kept so the message reappears")
}

func TestRunOnceRespectsBatchBound(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{}
	for i := 0; i < 5; i++ {
		transport.leases = append(transport.leases,
			leaseFor(t, string(rune('a'+i)), NewMessage([]byte(`{"doc":1}`), "corr", "doc")))
	}

	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })

	orchestrator := newTestOrchestrator(t, transport, sink, &recordingDeadLetters{},
		WithMaxMessagesPerBatch(2))

	result, err := orchestrator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Received)
}

func TestOrchestratorRunAndStop(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{leases: []queue.Lease{
		leaseFor(t, "m-1", NewMessage([]byte(`{"doc":1}`), "corr-1", "doc-1")),
	}}
	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })

	orchestrator := newTestOrchestrator(t, transport, sink, &recordingDeadLetters{},
		WithPollInterval(5*time.Millisecond))

	done := make(chan error, 1)

	go func() {
		done <- orchestrator.RunContext(context.Background(), nil)
	}()

	require.Eventually(t, func() bool {
		return len(transport.deletedIDs()) >= 1
	}, time.Second, 5*time.Millisecond)

	orchestrator.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}

	require.NoError(t, orchestrator.Shutdown(context.Background()))

	transport.mu.Lock()
	ensured := transport.ensuredCalls
	transport.mu.Unlock()
	assert.Equal(t, 1, ensured, "queue topology declared once at startup")
}

func TestOrchestratorRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	transport := &fakePoisonTransport{}
	sink := queue.SinkFunc(func(context.Context, []byte) error { return nil })

	orchestrator := newTestOrchestrator(t, transport, sink, &recordingDeadLetters{},
		WithPollInterval(time.Hour))

	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		close(started)
		done <- orchestrator.RunContext(context.Background(), nil)
	}()

	<-started

	require.Eventually(t, func() bool {
		orchestrator.runStateMu.Lock()
		defer orchestrator.runStateMu.Unlock()

		return orchestrator.running
	}, time.Second, time.Millisecond)

	err := orchestrator.RunContext(context.Background(), nil)
	require.ErrorIs(t, err, ErrOrchestratorRunning)

	orchestrator.Stop()
	require.NoError(t, <-done)
}
