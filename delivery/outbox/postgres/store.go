package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-delivery/delivery/backoff"
	"github.com/LerianStudio/lib-delivery/delivery/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
	"github.com/LerianStudio/lib-delivery/delivery/outbox"
)

const (
	defaultTable      = "outbox_entries"
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Minute

	// Fixed-width UTC layout so stored timestamps compare correctly as text
	// and round-trip without precision loss.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	entryColumns = "id, message_type, payload, status, created_at, dispatched_at, " +
		"retry_count, correlation_id, last_error, next_retry_at, abandoned_at, version"
)

var (
	ErrDBRequired          = errors.New("outbox postgres: database handle is required")
	ErrInvalidTableName    = errors.New("outbox postgres: invalid table name")
	ErrLimitMustBePositive = errors.New("outbox postgres: limit must be greater than zero")
	ErrIDRequired          = errors.New("outbox postgres: id is required")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Config controls table naming and the failure backoff schedule.
type Config struct {
	// Table is the outbox table name.
	Table string
	// MaxRetries is the retry budget; once retryCount exceeds it the entry
	// is abandoned.
	MaxRetries int
	// BaseRetryDelay is the base for the doubling backoff applied between
	// failed dispatch attempts.
	BaseRetryDelay time.Duration
}

// DefaultConfig returns the baseline store configuration.
func DefaultConfig() Config {
	return Config{
		Table:          defaultTable,
		MaxRetries:     defaultMaxRetries,
		BaseRetryDelay: defaultBaseDelay,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Table == "" {
		cfg.Table = defaults.Table
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = defaults.BaseRetryDelay
	}
}

// Option mutates store configuration at construction.
type Option func(*Store)

// WithTable sets the outbox table name.
func WithTable(table string) Option {
	return func(store *Store) {
		store.cfg.Table = table
	}
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(maxRetries int) Option {
	return func(store *Store) {
		if maxRetries > 0 {
			store.cfg.MaxRetries = maxRetries
		}
	}
}

// WithBaseRetryDelay sets the base backoff delay between failed attempts.
func WithBaseRetryDelay(base time.Duration) Option {
	return func(store *Store) {
		if base > 0 {
			store.cfg.BaseRetryDelay = base
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger libLog.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// Store persists outbox entries in PostgreSQL with optimistic concurrency.
// All timestamps are stored as fixed-width UTC text so rows round-trip
// byte-for-byte and compare correctly in SQL.
type Store struct {
	db     *sql.DB
	logger libLog.Logger
	cfg    Config
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	store := &Store{
		db:     db,
		logger: libLog.NewNop(),
		cfg:    DefaultConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.cfg.normalize()

	if !identifierPattern.MatchString(store.cfg.Table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, store.cfg.Table)
	}

	return store, nil
}

// Enqueue creates a Pending entry and returns its id.
func (store *Store) Enqueue(ctx context.Context, messageType string, payload []byte, correlationID string) (uuid.UUID, error) {
	entry, err := outbox.NewEntry(messageType, payload, correlationID)
	if err != nil {
		return uuid.Nil, err
	}

	query := "INSERT INTO " + store.cfg.Table +
		" (" + entryColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"

	_, err = store.db.ExecContext(ctx, query,
		entry.ID,
		entry.MessageType,
		entry.Payload,
		entry.Status.String(),
		formatTime(entry.CreatedAt),
		nullableTime(entry.DispatchedAt),
		entry.RetryCount,
		entry.CorrelationID,
		entry.LastError,
		nullableTime(entry.NextRetryAt),
		nullableTime(entry.AbandonedAt),
		entry.Version,
	)
	if err != nil {
		return uuid.Nil, storageErr("insert outbox entry", err)
	}

	return entry.ID, nil
}

// GetByID retrieves an entry by id.
func (store *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Entry, error) {
	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	query := "SELECT " + entryColumns + " FROM " + store.cfg.Table + " WHERE id = $1"

	rows, err := store.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, storageErr("get outbox entry", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, storageErr("get outbox entry", err)
		}

		return nil, outbox.ErrNotFound
	}

	entry, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}

	return entry, rows.Err()
}

// ListPending returns Pending entries in insertion order, ties broken by id.
func (store *Store) ListPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + entryColumns + " FROM " + store.cfg.Table +
		" WHERE status = $1 ORDER BY seq, id LIMIT $2"

	return store.list(ctx, query, outbox.OutboxStatusPending, limit)
}

// ListFailedForRetry returns Failed entries whose backoff has elapsed at now.
func (store *Store) ListFailedForRetry(ctx context.Context, limit int, now time.Time) ([]*outbox.Entry, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + entryColumns + " FROM " + store.cfg.Table +
		" WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)" +
		" ORDER BY seq, id LIMIT $3"

	return store.list(ctx, query, outbox.OutboxStatusFailed, formatTime(now.UTC()), limit)
}

func (store *Store) list(ctx context.Context, query string, args ...any) ([]*outbox.Entry, error) {
	rows, err := store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list outbox entries", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("list outbox entries", err)
	}

	return entries, nil
}

// MarkDispatched transitions an entry to Dispatched with a version check.
func (store *Store) MarkDispatched(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE " + store.cfg.Table +
		" SET status = $1, dispatched_at = $2, next_retry_at = NULL, version = version + 1" +
		" WHERE id = $3 AND version = $4 AND status IN ($5, $6)"

	result, err := store.db.ExecContext(ctx, query,
		outbox.OutboxStatusDispatched,
		formatTime(time.Now().UTC()),
		id,
		expectedVersion,
		outbox.OutboxStatusPending,
		outbox.OutboxStatusFailed,
	)
	if err != nil {
		return storageErr("mark outbox entry dispatched", err)
	}

	return store.checkMutation(ctx, result, id)
}

// MarkFailed records a failed dispatch attempt. The new retry count decides
// between Failed with a doubled backoff and terminal Abandoned.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, expectedVersion int64) (outbox.Status, error) {
	if id == uuid.Nil {
		return "", ErrIDRequired
	}

	current, err := store.currentRetryCount(ctx, id, expectedVersion)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	newCount := current + 1
	sanitized := outbox.SanitizeErrorMessageForStorage(errMsg)

	newStatus := outbox.StatusFailed

	var (
		nextRetryAt any
		abandonedAt any
	)

	if newCount > store.cfg.MaxRetries {
		newStatus = outbox.StatusAbandoned
		abandonedAt = formatTime(now)
	} else {
		nextRetryAt = formatTime(now.Add(backoff.Exponential(store.cfg.BaseRetryDelay, newCount-1)))
	}

	query := "UPDATE " + store.cfg.Table +
		" SET status = $1, retry_count = $2, last_error = $3, next_retry_at = $4," +
		" abandoned_at = $5, version = version + 1" +
		" WHERE id = $6 AND version = $7 AND status IN ($8, $9)"

	result, err := store.db.ExecContext(ctx, query,
		newStatus.String(),
		newCount,
		sanitized,
		nextRetryAt,
		abandonedAt,
		id,
		expectedVersion,
		outbox.OutboxStatusPending,
		outbox.OutboxStatusFailed,
	)
	if err != nil {
		return "", storageErr("mark outbox entry failed", err)
	}

	if err := store.checkMutation(ctx, result, id); err != nil {
		return "", err
	}

	return newStatus, nil
}

// CleanupDispatched deletes Dispatched entries older than retention.
func (store *Store) CleanupDispatched(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	query := "DELETE FROM " + store.cfg.Table +
		" WHERE status = $1 AND dispatched_at IS NOT NULL AND dispatched_at < $2"

	result, err := store.db.ExecContext(ctx, query, outbox.OutboxStatusDispatched, formatTime(cutoff))
	if err != nil {
		return 0, storageErr("cleanup dispatched entries", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("cleanup dispatched entries", err)
	}

	return removed, nil
}

// currentRetryCount reads retry_count for a version-checked mutation. The
// version predicate on the subsequent UPDATE closes the read-then-write race.
func (store *Store) currentRetryCount(ctx context.Context, id uuid.UUID, expectedVersion int64) (int, error) {
	query := "SELECT retry_count FROM " + store.cfg.Table + " WHERE id = $1 AND version = $2"

	rows, err := store.db.QueryContext(ctx, query, id, expectedVersion)
	if err != nil {
		return 0, storageErr("read outbox entry", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, storageErr("read outbox entry", err)
		}

		return 0, store.missingOrConflict(ctx, id)
	}

	var count int
	if err := rows.Scan(&count); err != nil {
		return 0, storageErr("read outbox entry", err)
	}

	return count, rows.Err()
}

func (store *Store) checkMutation(ctx context.Context, result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("check outbox mutation", err)
	}

	if affected > 0 {
		return nil
	}

	return store.missingOrConflict(ctx, id)
}

func (store *Store) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	query := "SELECT 1 FROM " + store.cfg.Table + " WHERE id = $1"

	rows, err := store.db.QueryContext(ctx, query, id)
	if err != nil {
		return storageErr("check outbox entry existence", err)
	}
	defer rows.Close()

	if rows.Next() {
		return outbox.ErrConflict
	}

	if err := rows.Err(); err != nil {
		return storageErr("check outbox entry existence", err)
	}

	return outbox.ErrNotFound
}

func storageErr(operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, outbox.ErrStorageUnavailable, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	parsed, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw, err)
	}

	return parsed, nil
}

func scanEntry(rows *sql.Rows) (*outbox.Entry, error) {
	var (
		entry        outbox.Entry
		rawStatus    string
		rawCreated   string
		rawDispatch  sql.NullString
		rawNextRetry sql.NullString
		rawAbandoned sql.NullString
	)

	err := rows.Scan(
		&entry.ID,
		&entry.MessageType,
		&entry.Payload,
		&rawStatus,
		&rawCreated,
		&rawDispatch,
		&entry.RetryCount,
		&entry.CorrelationID,
		&entry.LastError,
		&rawNextRetry,
		&rawAbandoned,
		&entry.Version,
	)
	if err != nil {
		return nil, storageErr("scan outbox entry", err)
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	entry.Status = status

	if entry.CreatedAt, err = parseTime(rawCreated); err != nil {
		return nil, err
	}

	if entry.DispatchedAt, err = parseNullableTime(rawDispatch); err != nil {
		return nil, err
	}

	if entry.NextRetryAt, err = parseNullableTime(rawNextRetry); err != nil {
		return nil, err
	}

	if entry.AbandonedAt, err = parseNullableTime(rawAbandoned); err != nil {
		return nil, err
	}

	return &entry, nil
}

func parseNullableTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}

	parsed, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}

	return &parsed, nil
}
