package queue

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

var (
	// ErrTransportUnavailable indicates the queue broker could not be
	// reached. Sweeps treat it as transient and retry on the next cycle.
	ErrTransportUnavailable = errors.New("message transport unavailable")

	// ErrLeaseExpired indicates the receipt token no longer identifies a
	// live lease; the message has already reappeared on the queue.
	ErrLeaseExpired = errors.New("message lease expired")

	// ErrMalformedMessage indicates a payload that can never be processed
	// successfully. Callers dead-letter immediately instead of retrying.
	ErrMalformedMessage = errors.New("malformed message payload")
)

// Lease is a borrowed handle to a received, currently-invisible message.
// It stays valid only until the visibility timeout elapses or the holder
// releases it through Delete or UpdateVisibility.
type Lease struct {
	// MessageID identifies the message on the transport.
	MessageID string

	// ReceiptToken proves ownership of this particular receive. Delete and
	// UpdateVisibility reject stale tokens with ErrLeaseExpired.
	ReceiptToken string

	// Body is the raw message payload as received.
	Body []byte

	// DequeueCount is how many times the transport has handed this message
	// out, including this receive.
	DequeueCount int
}

// Transport abstracts the message queue used for outbox dispatch and poison
// retry. Implementations must be safe for concurrent use; every call honors
// context cancellation.
type Transport interface {
	// Send publishes a message body to the queue.
	Send(ctx context.Context, body []byte) error

	// Receive leases up to maxCount messages, making them invisible to
	// other consumers for visibilityTimeout. An empty queue returns an
	// empty slice, not an error.
	Receive(ctx context.Context, maxCount int, visibilityTimeout time.Duration) ([]Lease, error)

	// Delete acknowledges a leased message, removing it permanently.
	Delete(ctx context.Context, messageID, receiptToken string) error

	// UpdateVisibility replaces a leased message's body and hides it for
	// delay before it becomes receivable again. The pair replaces
	// delete-and-resend so retry state travels with the message.
	UpdateVisibility(ctx context.Context, messageID, receiptToken string, newBody []byte, delay time.Duration) error

	// EnsureExists declares the underlying queue topology, creating it when
	// missing. Idempotent.
	EnsureExists(ctx context.Context) error
}

// Sink is the downstream consumer the pipeline exists to feed. A single
// synchronous call with no partial-success states: nil means delivered.
type Sink interface {
	Deliver(ctx context.Context, content []byte) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, content []byte) error

// Deliver implements Sink.
func (fn SinkFunc) Deliver(ctx context.Context, content []byte) error {
	return fn(ctx, content)
}

// IsTransient reports whether an error is worth retrying: broker outages,
// network timeouts, and connection resets qualify; malformed payloads and
// expired leases do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrLeaseExpired) {
		return false
	}

	if errors.Is(err, ErrTransportUnavailable) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	return false
}
