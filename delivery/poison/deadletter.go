package poison

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
	"github.com/LerianStudio/lib-delivery/delivery/queue"
)

// DeadLetterStore receives messages that will never be delivered. A failed
// Record call keeps the source lease alive so the message is not lost.
type DeadLetterStore interface {
	Record(ctx context.Context, record DeadLetterRecord) error
}

// DeadLetterStoreFunc adapts a plain function to the DeadLetterStore
// interface.
type DeadLetterStoreFunc func(ctx context.Context, record DeadLetterRecord) error

// Record implements DeadLetterStore.
func (fn DeadLetterStoreFunc) Record(ctx context.Context, record DeadLetterRecord) error {
	return fn(ctx, record)
}

// QueueDeadLetters stores dead letters by publishing the encoded record to a
// dead-letter transport (typically a separate queue).
func QueueDeadLetters(transport queue.Transport) (DeadLetterStore, error) {
	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	return DeadLetterStoreFunc(func(ctx context.Context, record DeadLetterRecord) error {
		body, err := record.Encode()
		if err != nil {
			return err
		}

		if err := transport.Send(ctx, body); err != nil {
			return fmt.Errorf("publish dead letter: %w", err)
		}

		return nil
	}), nil
}
