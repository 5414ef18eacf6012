package outbox

import "errors"

var (
	// ErrNotFound indicates no outbox entry exists for the given id.
	ErrNotFound = errors.New("outbox entry not found")

	// ErrConflict indicates the entry was concurrently modified; the caller
	// must re-read and decide whether to retry the mutation.
	ErrConflict = errors.New("outbox entry version conflict")

	// ErrStorageUnavailable indicates the backing store cannot be reached.
	// Not retried internally; the next scheduled sweep retries from durable
	// state.
	ErrStorageUnavailable = errors.New("outbox storage unavailable")

	ErrEntryRequired         = errors.New("outbox entry is required")
	ErrStoreRequired         = errors.New("outbox store is required")
	ErrTransportRequired     = errors.New("message transport is required")
	ErrDispatcherRequired    = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning     = errors.New("outbox dispatcher is already running")
	ErrMessageTypeRequired   = errors.New("outbox message type is required")
	ErrPayloadRequired       = errors.New("outbox payload is required")
	ErrPayloadTooLarge       = errors.New("outbox payload exceeds maximum allowed size")
	ErrStatusInvalid         = errors.New("invalid outbox status")
	ErrTransitionInvalid     = errors.New("invalid outbox status transition")
	ErrCorrelationIDRequired = errors.New("correlation id is required")
)
