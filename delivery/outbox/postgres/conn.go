package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver

	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
)

const (
	driverName = "pgx"

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Connection is a hub which deals with postgres connections for the outbox
// store. Outbox writes are read-then-CAS, so every statement must hit the
// primary; there is deliberately no read-replica routing here.
type Connection struct {
	ConnectionString   string
	Logger             libLog.Logger
	MaxOpenConnections int
	MaxIdleConnections int

	db        *sql.DB
	connected bool
	mu        sync.RWMutex
}

// initDefaults sets sane default values for zero-value fields.
func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = libLog.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens and pings the singleton database handle.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold the write lock.
func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.db != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(context.Background(), libLog.LevelWarn,
				"failed to close previous connection before reconnect", libLog.Err(err))
		}
	}

	conn.Logger.Log(context.Background(), libLog.LevelInfo, "connecting to postgres")

	db, err := dbOpenFn(driverName, conn.ConnectionString)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		conn.Logger.Log(context.Background(), libLog.LevelError, "failed to open database handle",
			libLog.String("error_detail", sanitized))

		return fmt.Errorf("failed to open database handle: %s", sanitized)
	}

	db.SetMaxOpenConns(conn.MaxOpenConnections)
	db.SetMaxIdleConns(conn.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		sanitized := sanitizeSensitiveError(err)
		conn.Logger.Log(context.Background(), libLog.LevelError, "failed to ping database",
			libLog.String("error_detail", sanitized))

		return fmt.Errorf("failed to ping database: %s", sanitized)
	}

	conn.db = db
	conn.connected = true

	conn.Logger.Log(context.Background(), libLog.LevelInfo, "connected to postgres")

	return nil
}

// GetDB returns the database handle, initializing it if necessary.
func (conn *Connection) GetDB(ctx context.Context) (*sql.DB, error) {
	conn.mu.RLock()

	if conn.db != nil {
		db := conn.db
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	// Double-check after acquiring write lock.
	if conn.db != nil {
		return conn.db, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.db, nil
}

// NewStoreFromConnection opens the managed connection, bootstraps the schema,
// and returns a store bound to it.
func NewStoreFromConnection(ctx context.Context, conn *Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrDBRequired
	}

	db, err := conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	store, err := NewStore(db, opts...)
	if err != nil {
		return nil, err
	}

	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// Close releases database connection resources.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.db != nil {
		err := conn.db.Close()
		conn.db = nil
		conn.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the database handle is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}
