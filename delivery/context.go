package delivery

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type customContextKey string

// CustomContextKey is the context key used to store CustomContextKeyValue.
var CustomContextKey = customContextKey("custom_context")

// CustomContextKeyValue holds the request-scoped facilities attached to context.
type CustomContextKeyValue struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   log.Logger
}

// NewLoggerFromContext extracts the Logger stored in ctx, or a NopLogger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if customContext, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok &&
		customContext.Logger != nil {
		return customContext.Logger
	}

	return &log.NopLogger{}
}

// ContextWithLogger returns a context carrying the given Logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := cloneContextValues(ctx)
	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithTracer returns a context carrying the given trace.Tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := cloneContextValues(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithHeaderID returns a context carrying the given correlation header id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values := cloneContextValues(ctx)
	values.HeaderID = headerID

	return context.WithValue(ctx, CustomContextKey, values)
}

// TrackingComponents is the complete set of tracking components extracted from context.
type TrackingComponents struct {
	Logger   log.Logger
	Tracer   trace.Tracer
	HeaderID string
}

// NewTrackingFromContext extracts tracking components from context with
// fail-safe fallbacks: a NopLogger, the global tracer, and a fresh
// correlation id when none is attached.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	components := extractTrackingComponents(ctx)

	return components.Logger, components.Tracer, components.HeaderID
}

func extractTrackingComponents(ctx context.Context) TrackingComponents {
	customContext, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if !ok || customContext == nil {
		return TrackingComponents{
			Logger:   &log.NopLogger{},
			Tracer:   otel.Tracer("delivery.default"),
			HeaderID: uuid.New().String(),
		}
	}

	return TrackingComponents{
		Logger:   resolveLogger(customContext.Logger),
		Tracer:   resolveTracer(customContext.Tracer),
		HeaderID: resolveHeaderID(customContext.HeaderID),
	}
}

func resolveLogger(logger log.Logger) log.Logger {
	if logger != nil {
		return logger
	}

	return &log.NopLogger{}
}

func resolveTracer(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}

	return otel.Tracer("delivery.default")
}

func resolveHeaderID(headerID string) string {
	if trimmed := strings.TrimSpace(headerID); trimmed != "" {
		return trimmed
	}

	return uuid.New().String()
}

func cloneContextValues(ctx context.Context) *CustomContextKeyValue {
	existing, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if existing == nil {
		return &CustomContextKeyValue{}
	}

	clone := *existing

	return &clone
}
