package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libDelivery "github.com/LerianStudio/lib-delivery/delivery"
	"github.com/LerianStudio/lib-delivery/delivery/cron"
	"github.com/LerianStudio/lib-delivery/delivery/errgroup"
	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/LerianStudio/lib-delivery/delivery/queue"
	"github.com/LerianStudio/lib-delivery/delivery/runtime"
)

// Dispatcher periodically sweeps the outbox and sends pending entries to the
// message transport. Per-entry failures are absorbed into outbox state; the
// sweep itself only fails when the store cannot be reached at all.
type Dispatcher struct {
	store     Store
	transport queue.Transport
	logger    libLog.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ libDelivery.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed  int
	Dispatched int
	Failed     int
	Skipped    int
	Cleaned    int64
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	store Store,
	transport queue.Transport,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("delivery.noop")
	}

	// A nil logger stays nil here; operations fall back to the logger carried
	// by their context.
	if nilcheck.Interface(logger) {
		logger = nil
	}

	dispatcher := &Dispatcher{
		store:     store,
		transport: transport,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultDispatcherConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *libDelivery.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is
// cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *libDelivery.Launcher) error {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.transport == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		// Sweeps fall back to the context logger when none was injected.
		ctx = libDelivery.ContextWithLogger(ctx, launcher.Logger)

		launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.sweep(ctx, "outbox.dispatcher.initial_sweep")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.sweep(ctx, "outbox.dispatcher.sweep")
		}
	}
}

func (dispatcher *Dispatcher) sweep(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	sweepCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(sweepCtx, dispatcher.logger, "outbox", "dispatcher_sweep")

	if _, err := dispatcher.RunOnce(sweepCtx); err != nil {
		libLog.SafeError(dispatcher.logger, sweepCtx, "outbox dispatch cycle failed", err)
	}
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight dispatch cycle completion.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// RunOnce processes one dispatch cycle: send pending and retry-eligible
// entries to the transport, mark each outcome in the store, then clean up
// dispatched entries older than the retention window. The returned error is
// non-nil only when the store itself is unreachable.
func (dispatcher *Dispatcher) RunOnce(ctx context.Context) (DispatchResult, error) {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.transport == nil {
		return DispatchResult{}, ErrDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if nilcheck.Interface(logger) {
		logger, _, _ = libDelivery.NewTrackingFromContext(ctx)
	}

	start := time.Now().UTC()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	entries, err := dispatcher.collectEntries(ctx)
	if err != nil {
		return DispatchResult{}, err
	}

	dispatcher.recordBatchDepth(ctx, int64(len(entries)))

	now := time.Now().UTC()

	var processed, dispatched, failed, skipped atomic.Int64

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLogger(logger)

	// Entries fan out concurrently, bounded by the batch size; per-entry
	// version CAS keeps concurrent marks safe. Delivery is at-least-once:
	// the send happens before MarkDispatched, so a mark failure re-sends the
	// entry later and consumers must stay idempotent.
	for _, entry := range entries {
		if entry == nil {
			continue
		}

		grp.Go(func() error {
			if grpCtx.Err() != nil {
				return nil
			}

			if !entry.RetryEligible(now) {
				skipped.Add(1)

				return nil
			}

			processed.Add(1)

			if err := dispatcher.transport.Send(grpCtx, entry.Payload); err != nil {
				// A cancelled attempt must never be mistaken for a dispatch
				// failure worth burning retry budget on.
				if grpCtx.Err() != nil {
					return nil
				}

				dispatcher.handleSendError(grpCtx, logger, entry, err)
				failed.Add(1)

				return nil
			}

			dispatched.Add(1)

			if err := dispatcher.store.MarkDispatched(grpCtx, entry.ID, entry.Version); err != nil {
				dispatcher.handleMarkError(grpCtx, logger, entry, err)
			}

			return nil
		})
	}

	// Workers absorb their own failures; Wait only surfaces panics converted
	// by the group, which are logged and excluded from the cycle counts.
	if err := grp.Wait(); err != nil {
		libLog.SafeError(logger, ctx, "outbox dispatch worker failed", err)
	}

	result := DispatchResult{
		Processed:  int(processed.Load()),
		Dispatched: int(dispatched.Load()),
		Failed:     int(failed.Load()),
		Skipped:    int(skipped.Load()),
	}

	result.Cleaned = dispatcher.cleanup(ctx, logger)

	dispatcher.addDispatched(ctx, int64(result.Dispatched))
	dispatcher.addFailed(ctx, int64(result.Failed))
	dispatcher.recordLatency(ctx, time.Since(start).Seconds())

	return result, nil
}

// Job adapts the dispatch cycle for a cron.Runner, discarding the per-cycle
// counters. Surviving state lives in the store, so a dropped result loses
// nothing.
func (dispatcher *Dispatcher) Job() cron.Job {
	return cron.JobFunc(func(ctx context.Context) error {
		_, err := dispatcher.RunOnce(ctx)

		return err
	})
}

func (dispatcher *Dispatcher) collectEntries(ctx context.Context) ([]*Entry, error) {
	entries, err := dispatcher.store.ListPending(ctx, dispatcher.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}

	remaining := dispatcher.cfg.BatchSize - len(entries)
	if remaining <= 0 {
		return entries, nil
	}

	failed, err := dispatcher.store.ListFailedForRetry(ctx, remaining, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list failed entries for retry: %w", err)
	}

	return append(entries, failed...), nil
}

func (dispatcher *Dispatcher) handleSendError(ctx context.Context, logger libLog.Logger, entry *Entry, sendErr error) {
	logger.Log(
		ctx,
		libLog.LevelWarn,
		"outbox entry send failed",
		libLog.String("entry_id", entry.ID.String()),
		libLog.String("message_type", entry.MessageType),
		libLog.String("correlation_id", entry.CorrelationID),
		libLog.Int("retry_count", entry.RetryCount),
		libLog.Bool("transient", queue.IsTransient(sendErr)),
		libLog.String("error", sanitizeErrorForStorage(sendErr)),
	)

	status, err := dispatcher.store.MarkFailed(ctx, entry.ID, sanitizeErrorForStorage(sendErr), entry.Version)
	if err != nil {
		dispatcher.handleMarkError(ctx, logger, entry, err)

		return
	}

	if status == StatusAbandoned {
		logger.Log(
			ctx,
			libLog.LevelError,
			"outbox entry abandoned after exhausting retry budget",
			libLog.String("entry_id", entry.ID.String()),
			libLog.String("correlation_id", entry.CorrelationID),
			libLog.Int("retry_count", entry.RetryCount+1),
		)
		dispatcher.addAbandoned(ctx, 1)
	}
}

func (dispatcher *Dispatcher) handleMarkError(ctx context.Context, logger libLog.Logger, entry *Entry, markErr error) {
	level := libLog.LevelError
	msg := "outbox entry state update failed; entry may be retried"

	if errors.Is(markErr, ErrConflict) {
		// Another dispatcher instance won the race; its mark stands.
		level = libLog.LevelDebug
		msg = "outbox entry concurrently updated by another dispatcher"
	}

	logger.Log(
		ctx,
		level,
		msg,
		libLog.String("entry_id", entry.ID.String()),
		libLog.String("error", sanitizeErrorForStorage(markErr)),
	)
}

func (dispatcher *Dispatcher) cleanup(ctx context.Context, logger libLog.Logger) int64 {
	if ctx.Err() != nil {
		return 0
	}

	cleaned, err := dispatcher.store.CleanupDispatched(ctx, dispatcher.cfg.CleanupRetention)
	if err != nil {
		libLog.SafeError(logger, ctx, "outbox cleanup failed", err)

		return 0
	}

	dispatcher.addCleaned(ctx, cleaned)

	return cleaned
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func (dispatcher *Dispatcher) recordBatchDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.batchDepth == nil {
		return
	}

	dispatcher.metrics.batchDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addDispatched(ctx context.Context, count int64) {
	if dispatcher.metrics.entriesDispatched == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesDispatched.Add(ctx, count)
}

func (dispatcher *Dispatcher) addFailed(ctx context.Context, count int64) {
	if dispatcher.metrics.entriesFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) addAbandoned(ctx context.Context, count int64) {
	if dispatcher.metrics.entriesAbandoned == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesAbandoned.Add(ctx, count)
}

func (dispatcher *Dispatcher) addCleaned(ctx context.Context, count int64) {
	if dispatcher.metrics.entriesCleaned == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesCleaned.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordLatency(ctx context.Context, seconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, seconds)
}
