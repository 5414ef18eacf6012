package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	libDelivery "github.com/LerianStudio/lib-delivery/delivery"
	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/LerianStudio/lib-delivery/delivery/runtime"
)

// Runner validation errors.
var (
	ErrJobRequired      = errors.New("cron job is required")
	ErrScheduleRequired = errors.New("cron schedule is required")
	ErrRunnerRunning    = errors.New("cron runner is already running")
)

// Job is a unit of scheduled work. Sweep-style components expose their
// RunOnce through this shape.
type Job interface {
	RunOnce(ctx context.Context) error
}

// JobFunc adapts a plain function to the Job interface.
type JobFunc func(ctx context.Context) error

// RunOnce implements Job.
func (fn JobFunc) RunOnce(ctx context.Context) error {
	return fn(ctx)
}

// Runner invokes a job on a cron schedule. Each invocation is panic-isolated
// so a misbehaving job never kills the scheduling loop.
type Runner struct {
	name     string
	schedule Schedule
	job      Job
	logger   libLog.Logger

	// now and after are injectable for tests.
	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	jobWg      sync.WaitGroup
}

var _ libDelivery.App = (*Runner)(nil)

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets a structured logger for the runner.
func WithRunnerLogger(logger libLog.Logger) RunnerOption {
	return func(runner *Runner) {
		if !nilcheck.Interface(logger) {
			runner.logger = logger
		}
	}
}

// NewRunner creates a runner that invokes job per the cron expression.
func NewRunner(name, expr string, job Job, opts ...RunnerOption) (*Runner, error) {
	if nilcheck.Interface(job) {
		return nil, ErrJobRequired
	}

	schedule, err := Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron runner %q: %w", name, err)
	}

	return NewRunnerWithSchedule(name, schedule, job, opts...)
}

// NewRunnerWithSchedule creates a runner from an already-parsed schedule.
func NewRunnerWithSchedule(name string, schedule Schedule, job Job, opts ...RunnerOption) (*Runner, error) {
	if nilcheck.Interface(job) {
		return nil, ErrJobRequired
	}

	if nilcheck.Interface(schedule) {
		return nil, ErrScheduleRequired
	}

	if name == "" {
		name = "cron"
	}

	runner := &Runner{
		name:     name,
		schedule: schedule,
		job:      job,
		logger:   libLog.NewNop(),
		now:      time.Now,
		after:    time.After,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}

	return runner, nil
}

// Run starts the scheduling loop until Stop is called.
func (runner *Runner) Run(launcher *libDelivery.Launcher) error {
	return runner.RunContext(context.Background(), launcher)
}

// RunContext starts the scheduling loop until Stop is called or ctx is
// cancelled.
func (runner *Runner) RunContext(parentCtx context.Context, launcher *libDelivery.Launcher) error {
	if runner == nil || runner.schedule == nil || runner.job == nil {
		return ErrScheduleRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !runner.registerRun(cancel) {
		cancel()

		return ErrRunnerRunning
	}

	defer runner.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), libLog.LevelInfo, "cron runner started",
			libLog.String("job", runner.name))
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "cron runner stopped",
			libLog.String("job", runner.name))
	}

	for {
		now := runner.now()

		next, err := runner.schedule.Next(now)
		if err != nil {
			return fmt.Errorf("cron runner %q: %w", runner.name, err)
		}

		wait := next.Sub(now)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-runner.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-runner.after(wait):
			runner.invoke(ctx)
		}
	}
}

// invoke runs the job once with panic isolation.
func (runner *Runner) invoke(ctx context.Context) {
	runner.jobWg.Add(1)
	defer runner.jobWg.Done()

	defer runtime.RecoverAndLog(ctx, runner.logger, "cron", runner.name)

	if err := runner.job.RunOnce(ctx); err != nil {
		libLog.SafeError(runner.logger, ctx, fmt.Sprintf("cron job %q failed", runner.name), err)
	}
}

// Stop signals the scheduling loop to stop.
func (runner *Runner) Stop() {
	if runner == nil {
		return
	}

	runner.stopOnce.Do(func() {
		runner.runStateMu.Lock()
		cancel := runner.cancelFunc
		runner.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(runner.stop)
	})
}

// Shutdown stops the loop and waits for an in-flight job invocation.
func (runner *Runner) Shutdown(ctx context.Context) error {
	if runner == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	runner.Stop()

	done := make(chan struct{})

	runtime.SafeGo(runner.logger, "cron.runner_shutdown_wait", runtime.KeepRunning, func() {
		runner.jobWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron runner shutdown: %w", ctx.Err())
	}
}

func (runner *Runner) registerRun(cancel context.CancelFunc) bool {
	runner.runStateMu.Lock()
	defer runner.runStateMu.Unlock()

	if runner.running {
		return false
	}

	runner.running = true
	runner.cancelFunc = cancel

	return true
}

func (runner *Runner) clearRun() {
	runner.runStateMu.Lock()
	defer runner.runStateMu.Unlock()

	runner.running = false
	runner.cancelFunc = nil
}
