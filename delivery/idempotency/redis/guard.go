package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LerianStudio/lib-delivery/delivery/idempotency"
	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
)

const defaultKeyPrefix = "delivery:idempotency"

// Records stay readable past their soft TTL so HasBeenProcessed can apply
// the freshness check itself; the hard Redis expiry only bounds storage.
const hardExpiryFactor = 2

// ErrClientRequired is returned when a guard is constructed without a client.
var ErrClientRequired = errors.New("idempotency redis: client is required")

// commander is the narrow slice of redis.UniversalClient the guard uses.
type commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Option mutates guard configuration at construction.
type Option func(*Guard)

// WithTTL sets the soft freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(guard *Guard) {
		if ttl > 0 {
			guard.ttl = ttl
		}
	}
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(guard *Guard) {
		if prefix != "" {
			guard.prefix = prefix
		}
	}
}

// Guard implements the idempotency guard on Redis. Records are JSON values
// with a hard Redis expiry of twice the soft TTL.
type Guard struct {
	client commander
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ idempotency.Guard = (*Guard)(nil)

// NewGuard creates a Redis-backed idempotency guard.
func NewGuard(client redis.UniversalClient, opts ...Option) (*Guard, error) {
	return newGuard(client, opts...)
}

func newGuard(client commander, opts ...Option) (*Guard, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	guard := &Guard{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    idempotency.DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}

	return guard, nil
}

// HasBeenProcessed reports whether a fresh record exists for the key.
func (guard *Guard) HasBeenProcessed(ctx context.Context, subjectKey, contentHash string) (bool, error) {
	if err := idempotency.ValidateKey(subjectKey, contentHash); err != nil {
		return false, err
	}

	raw, err := guard.client.Get(ctx, guard.key(subjectKey, contentHash)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("get idempotency record: %w: %w", idempotency.ErrStoreUnavailable, err)
	}

	var record idempotency.Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		// An unreadable record cannot prove prior processing; treat it as a
		// miss so the at-least-once path reprocesses.
		return false, nil
	}

	return record.Fresh(guard.now(), guard.ttl), nil
}

// MarkProcessed upserts the record, resetting both soft and hard expiry.
func (guard *Guard) MarkProcessed(ctx context.Context, subjectKey, contentHash, outcome string) error {
	if err := idempotency.ValidateKey(subjectKey, contentHash); err != nil {
		return err
	}

	record := idempotency.Record{
		SubjectKey:  subjectKey,
		ContentHash: contentHash,
		ProcessedAt: guard.now(),
		Outcome:     outcome,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	err = guard.client.Set(ctx, guard.key(subjectKey, contentHash), payload, guard.ttl*hardExpiryFactor).Err()
	if err != nil {
		return fmt.Errorf("set idempotency record: %w: %w", idempotency.ErrStoreUnavailable, err)
	}

	return nil
}

func (guard *Guard) key(subjectKey, contentHash string) string {
	return guard.prefix + ":" + subjectKey + ":" + contentHash
}
