package poison

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/LerianStudio/lib-delivery/delivery/queue"
	"github.com/LerianStudio/lib-delivery/delivery/retry"
	libRuntime "github.com/LerianStudio/lib-delivery/delivery/runtime"
)

// Outcome is the per-message processing verdict. Exactly one outcome is
// produced per lease, and each maps to exactly one transport action: delete,
// update-visibility, or dead-letter-then-delete.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeDeadLetter
)

func (outcome Outcome) String() string {
	switch outcome {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("outcome(%d)", int(outcome))
	}
}

const (
	reasonDeserializationFailed = "deserialization failed"
	reasonMaxRetriesExceeded    = "max retries exceeded"
)

// Result carries a verdict plus everything the orchestrator needs to act on
// it: the (possibly advanced) envelope, the retry delay, and the terminal
// reason for dead letters.
type Result struct {
	Outcome Outcome
	Message Message
	Reason  string
	Delay   time.Duration
}

// Processor evaluates one leased poison-queue message: decode, check the
// retry budget, attempt redelivery through the sink. Every failure mode maps
// to a verdict; unknown failures and panics conservatively map to
// dead-letter, never to silent drop or infinite retry.
type Processor struct {
	sink             queue.Sink
	strategy         retry.Strategy
	maxRetryAttempts int
	logger           libLog.Logger
}

// NewProcessor creates a message processor.
func NewProcessor(sink queue.Sink, strategy retry.Strategy, maxRetryAttempts int, logger libLog.Logger) (*Processor, error) {
	if nilcheck.Interface(sink) {
		return nil, ErrSinkRequired
	}

	if nilcheck.Interface(strategy) {
		return nil, ErrStrategyRequired
	}

	if maxRetryAttempts <= 0 {
		maxRetryAttempts = defaultMaxRetryAttempts
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	return &Processor{
		sink:             sink,
		strategy:         strategy,
		maxRetryAttempts: maxRetryAttempts,
		logger:           logger,
	}, nil
}

// Process evaluates one wire body and returns the verdict. It never panics;
// a panic inside decoding or delivery is logged and becomes a dead-letter
// verdict.
func (processor *Processor) Process(ctx context.Context, body []byte) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			libRuntime.HandlePanicValue(ctx, processor.logger, recovered, "poison", "process_message")

			result = Result{
				Outcome: OutcomeDeadLetter,
				Message: result.Message,
				Reason:  fmt.Sprintf("panic during processing: %v", recovered),
			}
		}
	}()

	message, err := DecodeMessage(body)
	if err != nil {
		processor.logger.Log(ctx, libLog.LevelWarn, "poison message failed to decode",
			libLog.Err(err),
		)

		// Keep the raw body so the dead letter retains whatever arrived.
		return Result{
			Outcome: OutcomeDeadLetter,
			Message: Message{Payload: body},
			Reason:  reasonDeserializationFailed,
		}
	}

	result.Message = message

	retryCtx := retry.Context{
		CorrelationID:     message.CorrelationID,
		CurrentRetryCount: message.RetryCount,
		MaxRetryAttempts:  processor.maxRetryAttempts,
	}

	if !processor.strategy.ShouldRetry(retryCtx) {
		processor.logger.Log(ctx, libLog.LevelWarn, "poison message exhausted retry budget",
			libLog.String("correlation_id", message.CorrelationID),
			libLog.Int("retry_count", message.RetryCount),
			libLog.Int("max_retry_attempts", processor.maxRetryAttempts),
		)

		return Result{
			Outcome: OutcomeDeadLetter,
			Message: message,
			Reason:  reasonMaxRetriesExceeded,
		}
	}

	if err := processor.sink.Deliver(ctx, message.Payload); err != nil {
		return processor.retryVerdict(ctx, message, err)
	}

	processor.logger.Log(ctx, libLog.LevelInfo, "poison message redelivered",
		libLog.String("correlation_id", message.CorrelationID),
		libLog.Int("retry_count", message.RetryCount),
	)

	return Result{Outcome: OutcomeSuccess, Message: message}
}

// retryVerdict advances the retry count and computes the requeue delay from
// the new retry context.
func (processor *Processor) retryVerdict(ctx context.Context, message Message, deliverErr error) Result {
	next := message.NextAttempt()

	delay := processor.strategy.NextDelay(retry.Context{
		CorrelationID:     next.CorrelationID,
		CurrentRetryCount: next.RetryCount,
		MaxRetryAttempts:  processor.maxRetryAttempts,
	})

	processor.logger.Log(ctx, libLog.LevelWarn, "poison message delivery failed; scheduling retry",
		libLog.String("correlation_id", next.CorrelationID),
		libLog.Int("retry_count", next.RetryCount),
		libLog.Duration("delay", delay),
		libLog.Bool("transient", queue.IsTransient(deliverErr)),
		libLog.Err(deliverErr),
	)

	return Result{
		Outcome: OutcomeRetry,
		Message: next,
		Delay:   delay,
	}
}
