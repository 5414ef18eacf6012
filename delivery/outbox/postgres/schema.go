package postgres

import (
	"context"
	"fmt"
	"strings"
)

// Timestamps are TEXT on purpose: fixed-width UTC strings round-trip exactly
// and order correctly under text comparison, which the retry-eligibility and
// cleanup predicates rely on.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id             UUID PRIMARY KEY,
    message_type   TEXT NOT NULL,
    payload        BYTEA NOT NULL,
    status         TEXT NOT NULL,
    created_at     TEXT NOT NULL,
    dispatched_at  TEXT,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    correlation_id TEXT NOT NULL,
    last_error     TEXT NOT NULL DEFAULT '',
    next_retry_at  TEXT,
    abandoned_at   TEXT,
    version        BIGINT NOT NULL DEFAULT 1,
    seq            BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status_seq ON %[1]s (status, seq);
CREATE INDEX IF NOT EXISTS idx_%[1]s_retry ON %[1]s (status, next_retry_at);
`

// EnsureSchema creates the outbox table and its indexes when missing.
// Idempotent; safe to run at startup on every instance.
func (store *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(schemaTemplate, store.cfg.Table)

	for _, statement := range strings.Split(ddl, ";") {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}

		if _, err := store.db.ExecContext(ctx, statement); err != nil {
			return storageErr("ensure outbox schema", err)
		}
	}

	return nil
}
