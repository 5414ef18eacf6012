package poison

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
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

// MessageProcessor evaluates one wire body to a verdict.
type MessageProcessor interface {
	Process(ctx context.Context, body []byte) Result
}

// Orchestrator periodically leases batches from the poison queue and
// resolves each message through the processor. Messages are processed
// concurrently within a sweep, bounded by the batch size; one message's
// verdict never blocks or fails another.
type Orchestrator struct {
	transport   queue.Transport
	processor   MessageProcessor
	deadLetters DeadLetterStore
	logger      libLog.Logger
	tracer      trace.Tracer
	cfg         OrchestratorConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	sweepWg    sync.WaitGroup

	metrics orchestratorMetrics
}

var _ libDelivery.App = (*Orchestrator)(nil)

// SweepResult captures one retry sweep outcome.
type SweepResult struct {
	Received     int
	Succeeded    int
	Retried      int
	DeadLettered int
	// ResolutionFailed counts verdicts whose transport action failed; those
	// leases time out and the messages reappear on a later sweep.
	ResolutionFailed int
}

// NewOrchestrator creates a poison-queue retry orchestrator.
func NewOrchestrator(
	transport queue.Transport,
	processor MessageProcessor,
	deadLetters DeadLetterStore,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	if nilcheck.Interface(processor) {
		return nil, ErrProcessorRequired
	}

	if nilcheck.Interface(deadLetters) {
		return nil, ErrDeadLettersRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("delivery.noop")
	}

	// A nil logger stays nil here; operations fall back to the logger carried
	// by their context.
	if nilcheck.Interface(logger) {
		logger = nil
	}

	orchestrator := &Orchestrator{
		transport:   transport,
		processor:   processor,
		deadLetters: deadLetters,
		logger:      logger,
		tracer:      tracer,
		cfg:         DefaultOrchestratorConfig(),
		stop:        make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(orchestrator)
		}
	}

	orchestrator.cfg.normalize()

	metrics, err := newOrchestratorMetrics(orchestrator.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init poison metrics: %w", err)
	}

	orchestrator.metrics = metrics

	return orchestrator, nil
}

// Run starts the orchestrator loop until Stop is called.
func (orchestrator *Orchestrator) Run(launcher *libDelivery.Launcher) error {
	return orchestrator.RunContext(context.Background(), launcher)
}

// RunContext starts the orchestrator loop until Stop is called or ctx is
// cancelled.
func (orchestrator *Orchestrator) RunContext(parentCtx context.Context, launcher *libDelivery.Launcher) error {
	if orchestrator == nil || orchestrator.transport == nil || orchestrator.processor == nil {
		return ErrOrchestratorRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !orchestrator.registerRun(cancel) {
		cancel()

		return ErrOrchestratorRunning
	}

	defer orchestrator.clearRun()

	if launcher != nil && launcher.Logger != nil {
		// Sweeps fall back to the context logger when none was injected.
		ctx = libDelivery.ContextWithLogger(ctx, launcher.Logger)

		launcher.Logger.Log(context.Background(), libLog.LevelInfo, "poison queue orchestrator started")
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "poison queue orchestrator stopped")
	}

	defer runtime.RecoverAndLog(ctx, orchestrator.logger, "poison", "orchestrator_run")

	if err := orchestrator.transport.EnsureExists(ctx); err != nil {
		return fmt.Errorf("ensure poison queue exists: %w", err)
	}

	ticker := time.NewTicker(orchestrator.cfg.PollInterval)
	defer ticker.Stop()

	orchestrator.sweep(ctx, "poison.orchestrator.initial_sweep")

	for {
		select {
		case <-orchestrator.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-orchestrator.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			orchestrator.sweep(ctx, "poison.orchestrator.sweep")
		}
	}
}

func (orchestrator *Orchestrator) sweep(ctx context.Context, spanName string) {
	orchestrator.sweepWg.Add(1)
	defer orchestrator.sweepWg.Done()

	sweepCtx, span := orchestrator.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(sweepCtx, orchestrator.logger, "poison", "orchestrator_sweep")

	if _, err := orchestrator.RunOnce(sweepCtx); err != nil {
		libLog.SafeError(orchestrator.logger, sweepCtx, "poison retry sweep failed", err)
	}
}

// Stop signals the orchestrator loop to stop.
func (orchestrator *Orchestrator) Stop() {
	if orchestrator == nil {
		return
	}

	orchestrator.stopOnce.Do(func() {
		orchestrator.runStateMu.Lock()
		cancel := orchestrator.cancelFunc
		stop := orchestrator.stop
		if stop == nil {
			stop = make(chan struct{})
			orchestrator.stop = stop
		}
		orchestrator.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight sweep completion.
func (orchestrator *Orchestrator) Shutdown(ctx context.Context) error {
	if orchestrator == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	orchestrator.Stop()

	done := make(chan struct{})

	runtime.SafeGo(orchestrator.logger, "poison.orchestrator_shutdown_wait", runtime.KeepRunning, func() {
		orchestrator.sweepWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// RunOnce executes one retry sweep: lease a bounded batch, process every
// lease concurrently, and resolve each verdict to its transport action. The
// returned error is non-nil only when the queue cannot be received from.
func (orchestrator *Orchestrator) RunOnce(ctx context.Context) (SweepResult, error) {
	if orchestrator == nil || orchestrator.transport == nil || orchestrator.processor == nil {
		return SweepResult{}, ErrOrchestratorRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := orchestrator.logger
	if nilcheck.Interface(logger) {
		logger, _, _ = libDelivery.NewTrackingFromContext(ctx)
	}

	start := time.Now().UTC()

	ctx, span := orchestrator.tracer.Start(ctx, "poison.sweep")
	defer span.End()

	leases, err := orchestrator.transport.Receive(
		ctx,
		orchestrator.cfg.MaxMessagesPerBatch,
		orchestrator.cfg.ProcessingVisibilityTimeout,
	)
	if err != nil {
		return SweepResult{}, fmt.Errorf("receive poison messages: %w", err)
	}

	orchestrator.recordBatchDepth(ctx, int64(len(leases)))

	var succeeded, retried, deadLettered, resolutionFailed atomic.Int64

	// Workers run on the sweep context, not the group's derived one: a group
	// cancellation must never abort a sibling's in-flight lease.
	grp, _ := errgroup.WithContext(ctx)
	grp.SetLogger(logger)

	for _, lease := range leases {
		grp.Go(func() error {
			outcome, resolved := orchestrator.safeResolve(ctx, logger, lease)

			if !resolved {
				resolutionFailed.Add(1)

				return nil
			}

			switch outcome {
			case OutcomeSuccess:
				succeeded.Add(1)
			case OutcomeRetry:
				retried.Add(1)
			case OutcomeDeadLetter:
				deadLettered.Add(1)
			}

			return nil
		})
	}

	// Worker funcs absorb their own failures and panics, so Wait returns nil;
	// the error path stays as a belt against future worker changes.
	if err := grp.Wait(); err != nil {
		libLog.SafeError(logger, ctx, "poison sweep worker failed", err)
	}

	result := SweepResult{
		Received:         len(leases),
		Succeeded:        int(succeeded.Load()),
		Retried:          int(retried.Load()),
		DeadLettered:     int(deadLettered.Load()),
		ResolutionFailed: int(resolutionFailed.Load()),
	}

	orchestrator.addCount(ctx, orchestrator.metrics.messagesSucceeded, int64(result.Succeeded))
	orchestrator.addCount(ctx, orchestrator.metrics.messagesRetried, int64(result.Retried))
	orchestrator.addCount(ctx, orchestrator.metrics.messagesDeadLetter, int64(result.DeadLettered))
	orchestrator.addCount(ctx, orchestrator.metrics.resolutionFailed, int64(result.ResolutionFailed))
	orchestrator.recordLatency(ctx, time.Since(start).Seconds())

	return result, nil
}

// Job adapts the retry sweep for a cron.Runner, discarding the per-sweep
// counters. Unresolved leases expire and reappear, so a dropped result loses
// nothing.
func (orchestrator *Orchestrator) Job() cron.Job {
	return cron.JobFunc(func(ctx context.Context) error {
		_, err := orchestrator.RunOnce(ctx)

		return err
	})
}

// safeResolve contains panics escaping resolve's transport and store calls
// so one lease can never cancel its siblings. A recovered panic counts as an
// unresolved lease, left to expire and reappear.
func (orchestrator *Orchestrator) safeResolve(
	ctx context.Context,
	logger libLog.Logger,
	lease queue.Lease,
) (outcome Outcome, resolved bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, logger, recovered, "poison", "resolve_lease")

			resolved = false
		}
	}()

	return orchestrator.resolve(ctx, logger, lease)
}

// resolve maps one lease's verdict to its transport action. The boolean
// reports whether the action completed; an incomplete action leaves the
// lease to expire so the message reappears.
func (orchestrator *Orchestrator) resolve(ctx context.Context, logger libLog.Logger, lease queue.Lease) (Outcome, bool) {
	verdict := orchestrator.processor.Process(ctx, lease.Body)

	logger = logger.With(
		libLog.String("message_id", lease.MessageID),
		libLog.String("correlation_id", verdict.Message.CorrelationID),
		libLog.String("outcome", verdict.Outcome.String()),
	)

	switch verdict.Outcome {
	case OutcomeSuccess:
		if err := orchestrator.transport.Delete(ctx, lease.MessageID, lease.ReceiptToken); err != nil {
			libLog.SafeError(logger, ctx, "failed to acknowledge redelivered message", err)

			return verdict.Outcome, false
		}

		return verdict.Outcome, true

	case OutcomeRetry:
		body, err := verdict.Message.Encode()
		if err != nil {
			libLog.SafeError(logger, ctx, "failed to encode retry envelope", err)

			return verdict.Outcome, false
		}

		err = orchestrator.transport.UpdateVisibility(ctx, lease.MessageID, lease.ReceiptToken, body, verdict.Delay)
		if err != nil {
			libLog.SafeError(logger, ctx, "failed to requeue message with delay", err)

			return verdict.Outcome, false
		}

		return verdict.Outcome, true

	case OutcomeDeadLetter:
		record := NewDeadLetterRecord(verdict.Message, verdict.Reason, time.Now().UTC())

		if err := orchestrator.deadLetters.Record(ctx, record); err != nil {
			// Keep the lease; losing the message is worse than reprocessing
			// it after the visibility timeout.
			libLog.SafeError(logger, ctx, "failed to record dead letter; lease kept", err)

			return verdict.Outcome, false
		}

		if err := orchestrator.transport.Delete(ctx, lease.MessageID, lease.ReceiptToken); err != nil {
			libLog.SafeError(logger, ctx, "failed to delete dead-lettered message", err)

			return verdict.Outcome, false
		}

		logger.Log(ctx, libLog.LevelWarn, "poison message dead-lettered",
			libLog.String("reason", verdict.Reason),
		)

		return verdict.Outcome, true

	default:
		logger.Log(ctx, libLog.LevelError, "unknown processing outcome; lease kept")

		return verdict.Outcome, false
	}
}

func (orchestrator *Orchestrator) registerRun(cancel context.CancelFunc) bool {
	orchestrator.runStateMu.Lock()
	defer orchestrator.runStateMu.Unlock()

	if orchestrator.running {
		return false
	}

	orchestrator.running = true
	orchestrator.cancelFunc = cancel

	return true
}

func (orchestrator *Orchestrator) clearRun() {
	orchestrator.runStateMu.Lock()
	defer orchestrator.runStateMu.Unlock()

	orchestrator.running = false
	orchestrator.cancelFunc = nil
}

func (orchestrator *Orchestrator) recordBatchDepth(ctx context.Context, depth int64) {
	if orchestrator.metrics.batchDepth == nil {
		return
	}

	orchestrator.metrics.batchDepth.Record(ctx, depth)
}

func (orchestrator *Orchestrator) addCount(ctx context.Context, counter metric.Int64Counter, count int64) {
	if counter == nil || count <= 0 {
		return
	}

	counter.Add(ctx, count)
}

func (orchestrator *Orchestrator) recordLatency(ctx context.Context, seconds float64) {
	if orchestrator.metrics.sweepLatency == nil {
		return
	}

	orchestrator.metrics.sweepLatency.Record(ctx, seconds)
}
