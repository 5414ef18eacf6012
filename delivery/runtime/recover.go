// Package runtime provides panic-containment helpers for goroutines and
// background sweeps. A recovered panic is logged with its stack trace and,
// when a span is active, recorded as a span event.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-delivery/delivery/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Policy determines what happens after a panic is recovered.
type Policy int

const (
	// KeepRunning logs the panic and continues execution.
	KeepRunning Policy = iota
	// Crash logs the panic and re-panics to crash the process.
	Crash
)

// PanicError wraps a recovered panic value so it can travel as an error.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Value)
}

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use in defer statements for workers where a panic
// must not crash the process.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, debug.Stack())
	}
}

// RecoverAndCrash recovers from a panic, logs it, and re-panics. Use for
// critical operations where continuing after a panic would be dangerous.
func RecoverAndCrash(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, debug.Stack())
		panic(r)
	}
}

// RecoverWithPolicy recovers from a panic and handles it according to policy.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy Policy) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, debug.Stack())

		if policy == Crash {
			panic(r)
		}
	}
}

// SafeGo runs fn on a new goroutine with panic containment. The goroutine
// name appears in panic logs so escaped panics can be attributed.
func SafeGo(logger log.Logger, name string, policy Policy, fn func()) {
	go func() {
		defer RecoverWithPolicy(context.Background(), logger, "runtime", name, policy)

		fn()
	}()
}

// HandlePanicValue logs an already-recovered panic value. Callers that run
// their own recover() use this to get the same logging and span treatment.
func HandlePanicValue(ctx context.Context, logger log.Logger, value any, component, name string) {
	handlePanic(ctx, logger, component, name, value, debug.Stack())
}

func handlePanic(ctx context.Context, logger log.Logger, component, name string, value any, stack []byte) {
	if logger == nil {
		logger = log.NewNop()
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("goroutine", name),
		log.Any("panic", fmt.Sprintf("%v", value)),
		log.String("stack", string(stack)),
	)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent("panic.recovered", trace.WithAttributes(
			attribute.String("component", component),
			attribute.String("goroutine", name),
		))
	}
}
