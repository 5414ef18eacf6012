package poison

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-delivery/delivery/queue"
)

// Message is the retryable envelope carried on the poison queue. The wire
// body embeds the original payload plus retryCount so visibility-timeout
// redelivery carries retry state forward without a separate store lookup.
//
// A message is created once per logical unit of work and is immutable except
// for RetryCount, which increases by exactly one per requeue.
type Message struct {
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
	RetryCount    int             `json:"retryCount"`
	CreatedAt     time.Time       `json:"createdAt"`
	SubjectKey    string          `json:"subjectKey"`
}

// NewMessage creates a fresh envelope with a zero retry count.
func NewMessage(payload []byte, correlationID, subjectKey string) Message {
	return Message{
		Payload:       json.RawMessage(payload),
		CorrelationID: correlationID,
		RetryCount:    0,
		CreatedAt:     time.Now().UTC(),
		SubjectKey:    subjectKey,
	}
}

// NextAttempt returns a copy with the retry count advanced by one.
func (message Message) NextAttempt() Message {
	message.RetryCount++

	return message
}

// Encode serializes the envelope for the transport.
func (message Message) Encode() ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode poison message: %w", err)
	}

	return body, nil
}

// DecodeMessage parses a wire body into an envelope. Failures wrap
// queue.ErrMalformedMessage: a body that cannot be decoded will never
// succeed and must be dead-lettered, not retried.
func DecodeMessage(body []byte) (Message, error) {
	var message Message

	if err := json.Unmarshal(body, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %w", queue.ErrMalformedMessage, err)
	}

	if len(message.Payload) == 0 {
		return Message{}, fmt.Errorf("%w: %w", queue.ErrMalformedMessage, ErrPayloadRequired)
	}

	return message, nil
}

// DeadLetterRecord is a Message that exhausted its delivery options,
// enriched with the terminal failure reason and the time of the last
// attempt.
type DeadLetterRecord struct {
	Message

	FailureReason string    `json:"failureReason"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}

// NewDeadLetterRecord builds the terminal record for a message.
func NewDeadLetterRecord(message Message, failureReason string, lastAttemptAt time.Time) DeadLetterRecord {
	return DeadLetterRecord{
		Message:       message,
		FailureReason: failureReason,
		LastAttemptAt: lastAttemptAt.UTC(),
	}
}

// Encode serializes the record for the dead-letter destination.
func (record DeadLetterRecord) Encode() ([]byte, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter record: %w", err)
	}

	return body, nil
}
