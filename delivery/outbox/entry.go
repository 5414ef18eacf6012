package outbox

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds stored payload size.
const DefaultMaxPayloadBytes = 1 << 20

// Entry is a durable intent to deliver one message. Entries are owned
// exclusively by the Store and mutated only through its update operations;
// Version implements optimistic concurrency across dispatcher instances.
type Entry struct {
	ID            uuid.UUID
	MessageType   string
	Payload       []byte
	Status        Status
	CreatedAt     time.Time
	DispatchedAt  *time.Time
	RetryCount    int
	CorrelationID string
	LastError     string
	NextRetryAt   *time.Time
	AbandonedAt   *time.Time
	Version       int64
}

// NewEntry creates a valid outbox entry initialized as pending.
func NewEntry(messageType string, payload []byte, correlationID string) (*Entry, error) {
	return NewEntryWithID(uuid.New(), messageType, payload, correlationID)
}

// NewEntryWithID creates a valid outbox entry initialized as pending using a
// caller-provided ID.
func NewEntryWithID(id uuid.UUID, messageType string, payload []byte, correlationID string) (*Entry, error) {
	if id == uuid.Nil {
		return nil, ErrEntryRequired
	}

	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return nil, ErrMessageTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, ErrCorrelationIDRequired
	}

	return &Entry{
		ID:            id,
		MessageType:   messageType,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
		RetryCount:    0,
		CorrelationID: correlationID,
		Version:       1,
	}, nil
}

// RetryEligible reports whether a failed entry may be dispatched again at
// now. Pending entries are always eligible; terminal entries never are.
func (entry *Entry) RetryEligible(now time.Time) bool {
	if entry == nil {
		return false
	}

	switch entry.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return entry.NextRetryAt == nil || !now.Before(*entry.NextRetryAt)
	default:
		return false
	}
}
