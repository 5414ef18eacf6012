package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/LerianStudio/lib-delivery/delivery/queue"
)

// Transport validation errors.
var (
	ErrChannelRequired   = errors.New("rabbitmq channel is required")
	ErrQueueNameRequired = errors.New("queue name is required")
)

const (
	defaultQueueName   = "delivery.queue"
	retryQueueSuffix   = ".retry"
	contentTypeJSON    = "application/json"
	xDeathHeader       = "x-death"
	minExpirationMilli = 1
)

// Channel is the subset of AMQP channel operations the transport needs.
// *amqp.Channel satisfies it; tests substitute a fake.
type Channel interface {
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Get(queueName string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
}

// TransportConfig holds queue topology names.
type TransportConfig struct {
	// QueueName is the main work queue.
	QueueName string

	// RetryQueueName holds delayed messages. Each message carries its own
	// TTL; on expiry the broker dead-letters it back onto QueueName.
	RetryQueueName string

	// QueueMaxLength bounds the main queue when positive.
	QueueMaxLength int64
}

// DefaultTransportConfig returns the default topology names.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		QueueName:      defaultQueueName,
		RetryQueueName: defaultQueueName + retryQueueSuffix,
	}
}

func (cfg *TransportConfig) normalize() {
	if cfg.QueueName == "" {
		cfg.QueueName = defaultQueueName
	}

	if cfg.RetryQueueName == "" {
		cfg.RetryQueueName = cfg.QueueName + retryQueueSuffix
	}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithQueueName overrides the main queue name.
func WithQueueName(name string) TransportOption {
	return func(transport *Transport) {
		if name != "" {
			transport.cfg.QueueName = name
		}
	}
}

// WithRetryQueueName overrides the delay queue name.
func WithRetryQueueName(name string) TransportOption {
	return func(transport *Transport) {
		if name != "" {
			transport.cfg.RetryQueueName = name
		}
	}
}

// WithQueueMaxLength sets x-max-length on the main queue.
func WithQueueMaxLength(maxLength int64) TransportOption {
	return func(transport *Transport) {
		if maxLength > 0 {
			transport.cfg.QueueMaxLength = maxLength
		}
	}
}

// WithTransportLogger sets a structured logger for the transport.
func WithTransportLogger(logger libLog.Logger) TransportOption {
	return func(transport *Transport) {
		if !nilcheck.Interface(logger) {
			transport.logger = logger
		}
	}
}

// Transport implements queue.Transport over an AMQP channel.
//
// AMQP has no visibility timeout; the unacknowledged delivery itself is the
// lease. An unacked message stays invisible until the channel closes, at
// which point the broker requeues it. The visibilityTimeout argument to
// Receive is therefore advisory here. UpdateVisibility is implemented by
// publishing the new body to the retry queue with a per-message TTL and
// acknowledging the original delivery; the broker routes the expired copy
// back onto the main queue.
type Transport struct {
	channel Channel
	logger  libLog.Logger
	cfg     TransportConfig

	// mu serializes channel operations; AMQP channels are not safe for
	// concurrent use across Get/Ack interleavings.
	mu sync.Mutex

	// leases maps live receipt tokens to delivery tags. Cleared entries
	// make stale tokens fail with queue.ErrLeaseExpired.
	leases map[string]uint64
}

var _ queue.Transport = (*Transport)(nil)

// NewTransport creates a transport bound to an open AMQP channel.
func NewTransport(channel Channel, opts ...TransportOption) (*Transport, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	transport := &Transport{
		channel: channel,
		logger:  libLog.NewNop(),
		cfg:     DefaultTransportConfig(),
		leases:  make(map[string]uint64),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(transport)
		}
	}

	transport.cfg.normalize()

	if transport.cfg.QueueName == "" {
		return nil, ErrQueueNameRequired
	}

	return transport, nil
}

// NewTransportFromConnection creates a transport from a managed connection.
func NewTransportFromConnection(ctx context.Context, conn *Connection, opts ...TransportOption) (*Transport, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	channel, err := conn.GetChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq transport: %w", err)
	}

	return NewTransport(channel, opts...)
}

// Send publishes a message body to the main queue.
func (transport *Transport) Send(ctx context.Context, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()

	err := transport.channel.PublishWithContext(
		ctx,
		"", // default exchange routes by queue name
		transport.cfg.QueueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return transportErr("publish message", err)
	}

	return nil
}

// Receive leases up to maxCount messages via basic.get with manual
// acknowledgement. An empty queue returns an empty slice.
func (transport *Transport) Receive(ctx context.Context, maxCount int, _ time.Duration) ([]queue.Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if maxCount <= 0 {
		return nil, nil
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()

	leases := make([]queue.Lease, 0, maxCount)

	for range maxCount {
		if err := ctx.Err(); err != nil {
			return leases, fmt.Errorf("receive messages: %w", err)
		}

		delivery, ok, err := transport.channel.Get(transport.cfg.QueueName, false)
		if err != nil {
			return leases, transportErr("get message", err)
		}

		if !ok {
			break
		}

		lease := leaseFromDelivery(delivery)
		transport.leases[lease.ReceiptToken] = delivery.DeliveryTag
		leases = append(leases, lease)
	}

	return leases, nil
}

// Delete acknowledges a leased message, removing it permanently.
func (transport *Transport) Delete(ctx context.Context, messageID, receiptToken string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()

	tag, err := transport.takeLeaseLocked(receiptToken)
	if err != nil {
		return err
	}

	if err := transport.channel.Ack(tag, false); err != nil {
		// The ack failed, so the broker still owns the message; restore the
		// token so a later Delete can retry.
		transport.leases[receiptToken] = tag

		return transportErr(fmt.Sprintf("acknowledge message %s", messageID), err)
	}

	return nil
}

// UpdateVisibility republishes the new body to the retry queue with a
// per-message TTL equal to delay, then acknowledges the original delivery.
// When the TTL expires the broker dead-letters the copy back onto the main
// queue, which makes the message receivable again there.
func (transport *Transport) UpdateVisibility(ctx context.Context, messageID, receiptToken string, newBody []byte, delay time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()

	tag, err := transport.takeLeaseLocked(receiptToken)
	if err != nil {
		return err
	}

	expiration := delay.Milliseconds()
	if expiration < minExpirationMilli {
		expiration = minExpirationMilli
	}

	err = transport.channel.PublishWithContext(
		ctx,
		"",
		transport.cfg.RetryQueueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now().UTC(),
			Expiration:   strconv.FormatInt(expiration, 10),
			Body:         newBody,
		},
	)
	if err != nil {
		// Nothing was republished; keep the lease so the original delivery
		// stays owned and can be resolved again.
		transport.leases[receiptToken] = tag

		return transportErr(fmt.Sprintf("requeue message %s with delay", messageID), err)
	}

	if err := transport.channel.Ack(tag, false); err != nil {
		// The delayed copy is already queued. The unacked original will be
		// redelivered too, so the message may be processed twice; consumers
		// are expected to deduplicate.
		return transportErr(fmt.Sprintf("acknowledge requeued message %s", messageID), err)
	}

	return nil
}

// EnsureExists declares the main queue and the retry queue. Idempotent.
func (transport *Transport) EnsureExists(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("declare queue topology: %w", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()

	var mainArgs amqp.Table
	if transport.cfg.QueueMaxLength > 0 {
		mainArgs = amqp.Table{"x-max-length": transport.cfg.QueueMaxLength}
	}

	if _, err := transport.channel.QueueDeclare(
		transport.cfg.QueueName,
		true,
		false,
		false,
		false,
		mainArgs,
	); err != nil {
		return transportErr("declare main queue", err)
	}

	// Expired messages on the retry queue route back to the main queue
	// through the default exchange.
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": transport.cfg.QueueName,
	}

	if _, err := transport.channel.QueueDeclare(
		transport.cfg.RetryQueueName,
		true,
		false,
		false,
		false,
		retryArgs,
	); err != nil {
		return transportErr("declare retry queue", err)
	}

	return nil
}

// takeLeaseLocked resolves a receipt token to its delivery tag and removes
// it from the live set. Callers must hold mu.
func (transport *Transport) takeLeaseLocked(receiptToken string) (uint64, error) {
	tag, ok := transport.leases[receiptToken]
	if !ok {
		return 0, fmt.Errorf("receipt token %q: %w", receiptToken, queue.ErrLeaseExpired)
	}

	delete(transport.leases, receiptToken)

	return tag, nil
}

func leaseFromDelivery(delivery amqp.Delivery) queue.Lease {
	token := strconv.FormatUint(delivery.DeliveryTag, 10)

	messageID := delivery.MessageId
	if messageID == "" {
		messageID = token
	}

	return queue.Lease{
		MessageID:    messageID,
		ReceiptToken: token,
		Body:         delivery.Body,
		DequeueCount: dequeueCount(delivery),
	}
}

// dequeueCount derives how many times the broker handed this message out.
// Deaths on the retry queue count as prior deliveries of the main queue
// message; a plain redelivery flag adds one more.
func dequeueCount(delivery amqp.Delivery) int {
	count := 1

	if delivery.Redelivered {
		count++
	}

	deaths, ok := delivery.Headers[xDeathHeader].([]any)
	if !ok {
		return count
	}

	for _, death := range deaths {
		entry, ok := death.(amqp.Table)
		if !ok {
			continue
		}

		if n, ok := entry["count"].(int64); ok && n > 0 {
			count += int(n)
		}
	}

	return count
}

func transportErr(operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, queue.ErrTransportUnavailable, err)
}
