package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines persistence operations for outbox entries. Implementations
// must keep the invariants: Dispatched entries carry dispatchedAt, Abandoned
// entries carry abandonedAt, and every mutation bumps Version.
//
// Errors: unknown ids surface ErrNotFound; a version mismatch surfaces
// ErrConflict (re-read and decide); an unreachable backing store surfaces
// ErrStorageUnavailable, which is never retried internally.
type Store interface {
	// Enqueue creates a Pending entry with retryCount zero and returns its id.
	Enqueue(ctx context.Context, messageType string, payload []byte, correlationID string) (uuid.UUID, error)

	// GetByID returns the entry for id.
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)

	// ListPending returns Pending entries ordered by insertion, ties broken
	// by id, bounded by limit.
	ListPending(ctx context.Context, limit int) ([]*Entry, error)

	// ListFailedForRetry returns Failed entries whose nextRetryAt has passed
	// as of now, ordered by insertion, bounded by limit. Abandoned entries
	// are never returned.
	ListFailedForRetry(ctx context.Context, limit int, now time.Time) ([]*Entry, error)

	// MarkDispatched transitions Pending/Failed to Dispatched and sets
	// dispatchedAt. expectedVersion is the Version the caller read.
	MarkDispatched(ctx context.Context, id uuid.UUID, expectedVersion int64) error

	// MarkFailed records a failed dispatch attempt: increments retryCount,
	// stores the sanitized error message, and computes nextRetryAt from the
	// store's configured backoff. Once retryCount exceeds the retry budget
	// the entry becomes Abandoned with abandonedAt set. Returns the status
	// the entry ended up in.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, expectedVersion int64) (Status, error)

	// CleanupDispatched deletes Dispatched entries older than retention and
	// returns the count removed. Safe to run concurrently with enqueue and
	// dispatch; it touches only a terminal status.
	CleanupDispatched(ctx context.Context, retention time.Duration) (int64, error)
}
