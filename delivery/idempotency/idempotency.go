package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is the default window during which a processed subject is
// considered a duplicate.
const DefaultTTL = 24 * time.Hour

var (
	// ErrStoreUnavailable indicates the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("idempotency store unavailable")

	ErrSubjectKeyRequired  = errors.New("subject key is required")
	ErrContentHashRequired = errors.New("content hash is required")
)

// Record marks one processed unit of work, keyed by subject and content
// hash. Expiry is soft: an expired record reads as absent rather than being
// eagerly deleted.
type Record struct {
	SubjectKey  string    `json:"subjectKey"`
	ContentHash string    `json:"contentHash"`
	ProcessedAt time.Time `json:"processedAt"`
	Outcome     string    `json:"outcome"`
}

// Fresh reports whether the record still counts as a duplicate hit at now.
func (record Record) Fresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}

	return now.Sub(record.ProcessedAt) < ttl
}

// Guard answers "has this exact content for this subject already been
// processed?" so redelivered triggers do not start duplicate pipelines.
// At-least-once transports make this the correctness backstop, not an
// optimization.
type Guard interface {
	// HasBeenProcessed reports whether a fresh record exists for the key.
	// Expired records read as false.
	HasBeenProcessed(ctx context.Context, subjectKey, contentHash string) (bool, error)

	// MarkProcessed upserts the record with processedAt now. A repeat call
	// for the same key overwrites the prior record and resets its TTL
	// window.
	MarkProcessed(ctx context.Context, subjectKey, contentHash, outcome string) error
}

// ContentHash returns the canonical hex-encoded SHA-256 digest of content.
func ContentHash(content []byte) string {
	digest := sha256.Sum256(content)

	return hex.EncodeToString(digest[:])
}

// ValidateKey checks the (subjectKey, contentHash) pair used by guards.
func ValidateKey(subjectKey, contentHash string) error {
	if strings.TrimSpace(subjectKey) == "" {
		return ErrSubjectKeyRequired
	}

	if strings.TrimSpace(contentHash) == "" {
		return ErrContentHashRequired
	}

	return nil
}
