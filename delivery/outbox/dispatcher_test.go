//go:build unit

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	libDelivery "github.com/LerianStudio/lib-delivery/delivery"
	"github.com/LerianStudio/lib-delivery/delivery/cron"
	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/LerianStudio/lib-delivery/delivery/queue"
)

type fakeStore struct {
	mu         sync.Mutex
	entries    map[uuid.UUID]*Entry
	order      []uuid.UUID
	maxRetries int
	baseDelay  time.Duration

	listErr    error
	markErr    error
	cleanupErr error

	markDispatchedCalls int
	markFailedCalls     int
	cleanupCalls        int
	cleanupRetention    time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:    make(map[uuid.UUID]*Entry),
		maxRetries: 3,
		baseDelay:  time.Minute,
	}
}

func (store *fakeStore) add(entry *Entry) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.entries == nil {
		store.entries = make(map[uuid.UUID]*Entry)
	}

	store.entries[entry.ID] = entry
	store.order = append(store.order, entry.ID)
}

func (store *fakeStore) get(id uuid.UUID) *Entry {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.entries[id]
}

func (store *fakeStore) Enqueue(_ context.Context, messageType string, payload []byte, correlationID string) (uuid.UUID, error) {
	entry, err := NewEntry(messageType, payload, correlationID)
	if err != nil {
		return uuid.Nil, err
	}

	store.add(entry)

	return entry.ID, nil
}

func (store *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	entry := store.get(id)
	if entry == nil {
		return nil, ErrNotFound
	}

	return entry, nil
}

func (store *fakeStore) ListPending(_ context.Context, limit int) ([]*Entry, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	out := make([]*Entry, 0, limit)

	for _, id := range store.order {
		if len(out) >= limit {
			break
		}

		if entry := store.entries[id]; entry != nil && entry.Status == StatusPending {
			out = append(out, entry)
		}
	}

	return out, nil
}

func (store *fakeStore) ListFailedForRetry(_ context.Context, limit int, now time.Time) ([]*Entry, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	out := make([]*Entry, 0, limit)

	for _, id := range store.order {
		if len(out) >= limit {
			break
		}

		entry := store.entries[id]
		if entry != nil && entry.Status == StatusFailed && entry.RetryEligible(now) {
			out = append(out, entry)
		}
	}

	return out, nil
}

func (store *fakeStore) MarkDispatched(_ context.Context, id uuid.UUID, expectedVersion int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.markDispatchedCalls++

	if store.markErr != nil {
		return store.markErr
	}

	entry := store.entries[id]
	if entry == nil {
		return ErrNotFound
	}

	if entry.Version != expectedVersion {
		return ErrConflict
	}

	now := time.Now().UTC()
	entry.Status = StatusDispatched
	entry.DispatchedAt = &now
	entry.Version++

	return nil
}

func (store *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, expectedVersion int64) (Status, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.markFailedCalls++

	if store.markErr != nil {
		return "", store.markErr
	}

	entry := store.entries[id]
	if entry == nil {
		return "", ErrNotFound
	}

	if entry.Version != expectedVersion {
		return "", ErrConflict
	}

	now := time.Now().UTC()
	entry.RetryCount++
	entry.LastError = errMsg
	entry.Version++

	if entry.RetryCount > store.maxRetries {
		entry.Status = StatusAbandoned
		entry.AbandonedAt = &now
		entry.NextRetryAt = nil

		return StatusAbandoned, nil
	}

	next := now.Add(store.baseDelay * (1 << (entry.RetryCount - 1)))
	entry.Status = StatusFailed
	entry.NextRetryAt = &next

	return StatusFailed, nil
}

func (store *fakeStore) CleanupDispatched(_ context.Context, retention time.Duration) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.cleanupCalls++
	store.cleanupRetention = retention

	if store.cleanupErr != nil {
		return 0, store.cleanupErr
	}

	cutoff := time.Now().UTC().Add(-retention)

	var removed int64

	for id, entry := range store.entries {
		if entry.Status == StatusDispatched && entry.DispatchedAt != nil && entry.DispatchedAt.Before(cutoff) {
			delete(store.entries, id)

			removed++
		}
	}

	return removed, nil
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	failOnce map[string]error
}

func (transport *fakeTransport) Send(ctx context.Context, body []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.failOnce != nil {
		if err, ok := transport.failOnce[string(body)]; ok {
			delete(transport.failOnce, string(body))

			return err
		}
	}

	if transport.sendErr != nil {
		return transport.sendErr
	}

	transport.sent = append(transport.sent, body)

	return nil
}

func (transport *fakeTransport) Receive(context.Context, int, time.Duration) ([]queue.Lease, error) {
	return nil, nil
}

func (transport *fakeTransport) Delete(context.Context, string, string) error {
	return nil
}

func (transport *fakeTransport) UpdateVisibility(context.Context, string, string, []byte, time.Duration) error {
	return nil
}

func (transport *fakeTransport) EnsureExists(context.Context) error {
	return nil
}

func (transport *fakeTransport) sentBodies() [][]byte {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	return append([][]byte(nil), transport.sent...)
}

// gateTransport holds every Send at a barrier until all expected sends have
// arrived, so a serialized batch times out instead of completing.
type gateTransport struct {
	*fakeTransport
	arrivals chan struct{}
	release  chan struct{}
}

func (transport *gateTransport) Send(_ context.Context, body []byte) error {
	transport.arrivals <- struct{}{}

	select {
	case <-transport.release:
	case <-time.After(2 * time.Second):
		return errors.New("send held at barrier; sibling sends never arrived")
	}

	return transport.fakeTransport.Send(context.Background(), body)
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

func mustEnqueue(t *testing.T, store *fakeStore, messageType, correlationID string, payload []byte) uuid.UUID {
	t.Helper()

	id, err := store.Enqueue(context.Background(), messageType, payload, correlationID)
	require.NoError(t, err)

	return id
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, &fakeTransport{}, nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewDispatcher(newFakeStore(), nil, nil, nil)
	require.ErrorIs(t, err, ErrTransportRequired)
}

func TestRunOnceDispatchesPendingEntries(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	transport := &fakeTransport{}

	first := mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))
	second := mustEnqueue(t, store, "document.uploaded", "corr-2", []byte(`{"n":2}`))

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	result, err := dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Dispatched)
	assert.Zero(t, result.Failed)

	assert.Equal(t, StatusDispatched, store.get(first).Status)
	assert.NotNil(t, store.get(first).DispatchedAt)
	assert.Equal(t, StatusDispatched, store.get(second).Status)
	assert.Len(t, transport.sentBodies(), 2)
}

func TestRunOnceDispatchesBatchConcurrently(t *testing.T) {
	t.Parallel()

	const batch = 3

	store := newFakeStore()
	for i := 0; i < batch; i++ {
		mustEnqueue(t, store, "document.uploaded", fmt.Sprintf("corr-%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	transport := &gateTransport{
		fakeTransport: &fakeTransport{},
		arrivals:      make(chan struct{}, batch),
		release:       make(chan struct{}),
	}

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	var (
		result DispatchResult
		runErr error
	)

	done := make(chan struct{})

	go func() {
		result, runErr = dispatcher.RunOnce(context.Background())
		close(done)
	}()

	// Every send must be in flight before any is released; a sequential loop
	// would block on the first send and never produce the remaining arrivals.
	for i := 0; i < batch; i++ {
		select {
		case <-transport.arrivals:
		case <-time.After(time.Second):
			t.Fatal("sends serialized: a send did not start while a sibling was held")
		}
	}

	close(transport.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch cycle did not finish")
	}

	require.NoError(t, runErr)
	assert.Equal(t, batch, result.Dispatched)
	assert.Len(t, transport.sentBodies(), batch)
}

func TestRunOnceFallsBackToContextLogger(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	transport := &fakeTransport{sendErr: errors.New("broker down")}

	mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	recorder := &recordingLogger{}
	ctx := libDelivery.ContextWithLogger(context.Background(), recorder)

	result, err := dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, result.Failed)
	assert.Contains(t, recorder.logged(), "outbox entry send failed")
}

func TestDispatcherJobRunsUnderCronRunner(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	transport := &fakeTransport{}

	id := mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	runner, err := cron.NewRunner("outbox-sweep", "@every 1ms", dispatcher.Job())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- runner.RunContext(context.Background(), nil)
	}()

	require.Eventually(t, func() bool {
		return len(transport.sentBodies()) == 1
	}, time.Second, 5*time.Millisecond)

	runner.Stop()
	require.NoError(t, <-done)
	require.NoError(t, runner.Shutdown(context.Background()))

	assert.Equal(t, StatusDispatched, store.get(id).Status)
}

func TestRunOnceMarksFailedAndContinues(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	transport := &fakeTransport{
		failOnce: map[string]error{`{"n":1}`: errors.New("broker unavailable")},
	}

	failing := mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))
	healthy := mustEnqueue(t, store, "document.uploaded", "corr-2", []byte(`{"n":2}`))

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	result, err := dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Dispatched)

	failed := store.get(failing)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Contains(t, failed.LastError, "broker unavailable")
	require.NotNil(t, failed.NextRetryAt)

	assert.Equal(t, StatusDispatched, store.get(healthy).Status)
}

func TestRunOnceSkipsFailedEntriesBeforeNextRetry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	transport := &fakeTransport{sendErr: errors.New("down")}

	id := mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	// First cycle fails the entry and schedules a future retry.
	_, err = dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, store.get(id).Status)

	// Second cycle must not attempt it while the backoff has not elapsed.
	transport.sendErr = nil

	result, err := dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Processed)
	assert.Equal(t, StatusFailed, store.get(id).Status)
	assert.Empty(t, transport.sentBodies())
}

func TestRunOnceRetriesFailedEntryAfterBackoff(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	transport := &fakeTransport{}

	id := mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	entry := store.get(id)
	entry.Status = StatusFailed
	entry.RetryCount = 1
	past := time.Now().UTC().Add(-time.Second)
	entry.NextRetryAt = &past

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	result, err := dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, StatusDispatched, store.get(id).Status)
}

func TestRunOnceAbandonsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.maxRetries = 3
	store.baseDelay = time.Nanosecond
	transport := &fakeTransport{sendErr: errors.New("permanently down")}

	id := mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	// Four consecutive failing cycles: three retries allowed, fourth failure
	// pushes the entry past the budget.
	for cycle := 0; cycle < 4; cycle++ {
		time.Sleep(2 * time.Millisecond)

		_, err = dispatcher.RunOnce(context.Background())
		require.NoError(t, err)
	}

	entry := store.get(id)
	assert.Equal(t, StatusAbandoned, entry.Status)
	assert.Equal(t, 4, entry.RetryCount)
	require.NotNil(t, entry.AbandonedAt)

	// Abandoned entries never come back.
	transport.sendErr = nil

	result, err := dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestRunOnceReturnsErrorWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.listErr = fmt.Errorf("list: %w", ErrStorageUnavailable)

	dispatcher, err := NewDispatcher(store, &fakeTransport{}, nil, nil)
	require.NoError(t, err)

	_, err = dispatcher.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestRunOnceToleratesMarkConflict(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.markErr = ErrConflict
	transport := &fakeTransport{}

	mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	result, err := dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	// The send happened; the conflicting mark means another instance won the
	// race, which is logged, not fatal.
	assert.Equal(t, 1, result.Dispatched)
	assert.Len(t, transport.sentBodies(), 1)
	assert.Equal(t, 1, store.markDispatchedCalls)
}

func TestRunOnceRunsCleanup(t *testing.T) {
	t.Parallel()

	store := newFakeStore()

	id := mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	entry := store.get(id)
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	entry.Status = StatusDispatched
	entry.DispatchedAt = &old

	dispatcher, err := NewDispatcher(store, &fakeTransport{}, nil, nil, WithCleanupRetention(30*24*time.Hour))
	require.NoError(t, err)

	result, err := dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Cleaned)
	assert.Equal(t, 30*24*time.Hour, store.cleanupRetention)
	assert.Nil(t, store.get(id))
}

func TestRunOnceCancelledContextDoesNotBurnRetryBudget(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	transport := &fakeTransport{}

	id := mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dispatcher, err := NewDispatcher(store, transport, nil, nil)
	require.NoError(t, err)

	_, err = dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	entry := store.get(id)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Zero(t, entry.RetryCount)
	assert.Zero(t, store.markFailedCalls)
}

func TestDispatcherRunAndStop(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	transport := &fakeTransport{}

	mustEnqueue(t, store, "document.uploaded", "corr-1", []byte(`{"n":1}`))

	dispatcher, err := NewDispatcher(store, transport, nil, nil, WithDispatchInterval(5*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.RunContext(context.Background(), nil)
	}()

	require.Eventually(t, func() bool {
		return len(transport.sentBodies()) == 1
	}, time.Second, 5*time.Millisecond)

	dispatcher.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}

	require.NoError(t, dispatcher.Shutdown(context.Background()))
}

func TestDispatcherRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(newFakeStore(), &fakeTransport{}, nil, nil, WithDispatchInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})

	go func() {
		close(started)

		_ = dispatcher.RunContext(ctx, nil)
	}()

	<-started

	require.Eventually(t, func() bool {
		dispatcher.runStateMu.Lock()
		defer dispatcher.runStateMu.Unlock()

		return dispatcher.running
	}, time.Second, time.Millisecond)

	err = dispatcher.RunContext(context.Background(), nil)
	require.ErrorIs(t, err, ErrDispatcherRunning)

	cancel()
}
