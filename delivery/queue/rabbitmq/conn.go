package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-delivery/delivery/backoff"
	libLog "github.com/LerianStudio/lib-delivery/delivery/log"
)

// ErrNilConnection is returned when a method is called on a nil Connection.
var ErrNilConnection = errors.New("rabbitmq connection is nil")

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// Connection is a hub which deals with rabbitmq connections. It keeps a
// singleton connection and channel, reopening them on demand with
// rate-limited reconnect attempts.
type Connection struct {
	mu                     sync.Mutex // protects connection and channel operations
	ConnectionStringSource string     `json:"-"`
	Connection             *amqp.Connection
	Channel                *amqp.Channel
	Logger                 libLog.Logger
	Connected              bool

	dialer             func(context.Context, string) (*amqp.Connection, error)
	channelFactory     func(*amqp.Connection) (*amqp.Channel, error)
	connectionCloser   func(*amqp.Connection) error
	connectionClosedFn func(*amqp.Connection) bool
	channelClosedFn    func(*amqp.Channel) bool
	channelCloser      func(*amqp.Channel) error

	// Reconnect rate-limiting: prevents thundering-herd reconnect storms
	// when the broker is down by enforcing exponential backoff between attempts.
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// Connect establishes the singleton connection and channel with rabbitmq.
func (conn *Connection) Connect() error {
	return conn.ConnectContext(context.Background())
}

// ConnectContext establishes the singleton connection and channel with rabbitmq.
func (conn *Connection) ConnectContext(ctx context.Context) error {
	if conn == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	return conn.EnsureChannelContext(ctx)
}

// EnsureChannel ensures that the channel is open and connected.
func (conn *Connection) EnsureChannel() error {
	return conn.EnsureChannelContext(context.Background())
}

// ensureChannelSnapshot captures state needed by EnsureChannelContext under the lock.
type ensureChannelSnapshot struct {
	connStr            string
	logger             libLog.Logger
	dialer             func(context.Context, string) (*amqp.Connection, error)
	channelFactory     func(*amqp.Connection) (*amqp.Channel, error)
	connCloser         func(*amqp.Connection) error
	connectionClosedFn func(*amqp.Connection) bool
	needConnection     bool
	needChannel        bool
	existingConn       *amqp.Connection
}

// snapshotEnsureChannelState captures a snapshot of state needed for channel
// ensuring, applying defaults and rate-limiting under the lock.
func (conn *Connection) snapshotEnsureChannelState() (ensureChannelSnapshot, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.applyDefaults()

	needConnection := conn.Connection == nil || conn.connectionClosedFn(conn.Connection)
	needChannel := needConnection || conn.Channel == nil || conn.channelClosedFn(conn.Channel)

	// Rate-limit reconnect attempts: if we've failed recently, enforce a
	// minimum delay before the next attempt to prevent reconnect storms.
	if needConnection && conn.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, conn.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(conn.lastReconnectAttempt); elapsed < delay {
			return ensureChannelSnapshot{}, fmt.Errorf("rabbitmq ensure channel: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	return ensureChannelSnapshot{
		connStr:            conn.ConnectionStringSource,
		logger:             conn.logger(),
		dialer:             conn.dialer,
		channelFactory:     conn.channelFactory,
		connCloser:         conn.connectionCloser,
		connectionClosedFn: conn.connectionClosedFn,
		needConnection:     needConnection,
		needChannel:        needChannel,
		existingConn:       conn.Connection,
	}, nil
}

// EnsureChannelContext ensures that the channel is open and connected.
func (conn *Connection) EnsureChannelContext(ctx context.Context) error {
	if conn == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	snap, err := conn.snapshotEnsureChannelState()
	if err != nil {
		return err
	}

	if !snap.needChannel {
		return nil
	}

	var amqpConn *amqp.Connection

	newConnection := false

	if snap.needConnection {
		conn.mu.Lock()
		conn.lastReconnectAttempt = time.Now()
		conn.mu.Unlock()

		amqpConn, err = snap.dialer(ctx, snap.connStr)
		if err != nil {
			snap.logger.Log(context.Background(), libLog.LevelError, "failed to connect to rabbitmq",
				libLog.String("error_detail", sanitizeAMQPErr(err, snap.connStr)))

			conn.mu.Lock()
			conn.Connected = false
			conn.reconnectAttempts++
			conn.mu.Unlock()

			return newSanitizedError(err, snap.connStr, "can't connect to rabbitmq")
		}

		newConnection = true
	} else {
		amqpConn = snap.existingConn
	}

	ch, err := snap.channelFactory(amqpConn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		conn.handleChannelFailure(amqpConn, snap.existingConn, newConnection, snap.connCloser)

		snap.logger.Log(context.Background(), libLog.LevelError, "failed to open channel on rabbitmq", libLog.Err(err))

		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	conn.mu.Lock()
	if newConnection {
		conn.Connection = amqpConn
		conn.reconnectAttempts = 0
	}

	conn.Channel = ch
	conn.Connected = true
	conn.mu.Unlock()

	return nil
}

// ChannelSnapshot returns the current channel, or nil when disconnected.
func (conn *Connection) ChannelSnapshot() *amqp.Channel {
	if conn == nil {
		return nil
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.Channel
}

// GetChannel returns an open channel, reconnecting if necessary.
func (conn *Connection) GetChannel(ctx context.Context) (*amqp.Channel, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	if err := conn.EnsureChannelContext(ctx); err != nil {
		return nil, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.Channel == nil {
		conn.Connected = false

		return nil, errors.New("rabbitmq channel not available")
	}

	return conn.Channel, nil
}

func (conn *Connection) applyDefaults() {
	if conn.dialer == nil {
		conn.dialer = func(_ context.Context, connectionString string) (*amqp.Connection, error) {
			return amqp.Dial(connectionString)
		}
	}

	if conn.channelFactory == nil {
		conn.channelFactory = func(connection *amqp.Connection) (*amqp.Channel, error) {
			if connection == nil {
				return nil, errors.New("cannot create channel: connection is nil")
			}

			return connection.Channel()
		}
	}

	if conn.connectionCloser == nil {
		conn.connectionCloser = func(connection *amqp.Connection) error {
			if connection == nil {
				return nil
			}

			return connection.Close()
		}
	}

	if conn.connectionClosedFn == nil {
		conn.connectionClosedFn = func(connection *amqp.Connection) bool {
			if connection == nil {
				return true
			}

			return connection.IsClosed()
		}
	}

	if conn.channelClosedFn == nil {
		conn.channelClosedFn = func(ch *amqp.Channel) bool {
			if ch == nil {
				return true
			}

			return ch.IsClosed()
		}
	}

	if conn.channelCloser == nil {
		conn.channelCloser = func(ch *amqp.Channel) error {
			if ch == nil {
				return nil
			}

			return ch.Close()
		}
	}
}

// handleChannelFailure cleans up after a failed channel creation.
func (conn *Connection) handleChannelFailure(amqpConn, existingConn *amqp.Connection, newConnection bool, connCloser func(*amqp.Connection) error) {
	if newConnection && connCloser != nil {
		if err := connCloser(amqpConn); err != nil {
			conn.logger().Log(context.Background(), libLog.LevelWarn, "failed to close rabbitmq connection during cleanup", libLog.Err(err))
		}
	}

	conn.mu.Lock()
	if newConnection && conn.Connection == existingConn {
		conn.Connection = nil
	}

	conn.Channel = nil
	conn.Connected = false
	conn.mu.Unlock()
}

// Close closes the rabbitmq channel and connection.
func (conn *Connection) Close() error {
	return conn.CloseContext(context.Background())
}

// CloseContext closes the rabbitmq channel and connection.
func (conn *Connection) CloseContext(ctx context.Context) error {
	if conn == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq close: %w", err)
	}

	conn.mu.Lock()
	conn.applyDefaults()
	channel := conn.Channel
	connection := conn.Connection
	chCloser := conn.channelCloser
	connCloser := conn.connectionCloser
	conn.Connection = nil
	conn.Channel = nil
	conn.Connected = false
	logger := conn.logger()
	conn.mu.Unlock()

	var closeErr error

	if channel != nil {
		if err := chCloser(channel); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
			logger.Log(context.Background(), libLog.LevelWarn, "failed to close rabbitmq channel", libLog.Err(err))
		}
	}

	if connection != nil {
		if err := connCloser(connection); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("failed to close rabbitmq connection: %w", err))
			logger.Log(context.Background(), libLog.LevelWarn, "failed to close rabbitmq connection", libLog.Err(err))
		}
	}

	return closeErr
}

func (conn *Connection) logger() libLog.Logger {
	if conn == nil || conn.Logger == nil {
		return libLog.NewNop()
	}

	return conn.Logger
}

// sanitizedError wraps an original error with a redacted message.
// Error() returns the sanitized message; Unwrap() returns the original
// so that errors.Is / errors.As still work for programmatic inspection.
type sanitizedError struct {
	original error
	message  string
}

// Error returns the sanitized message.
func (e *sanitizedError) Error() string { return e.message }

// Unwrap returns the original wrapped error.
func (e *sanitizedError) Unwrap() error { return e.original }

// newSanitizedError wraps err with a human-readable prefix and redacted connection string.
func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	if strings.Contains(errMsg, connectionString) {
		errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	}

	if strings.Contains(errMsg, referenceURL.String()) {
		errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)
	}

	// Redact decoded password individually — covers cases where the error message
	// contains the password in decoded form (e.g., URL-encoded special characters).
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string.
// If vhost is empty, the default vhost "/" is used (no path in URL).
// Special characters in user, password, and vhost are URL-encoded automatically.
// Supports IPv6 hosts (e.g., "[::1]").
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		// Bracket bare IPv6 addresses to avoid malformed URLs (e.g., amqp://user:pass@::1)
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// Use QueryEscape instead of PathEscape because RabbitMQ vhost names may contain '/'
		// which must be percent-encoded as %2F. QueryEscape encodes '/' while PathEscape does not.
		// The subsequent ReplaceAll converts query-style space encoding (+) to path-style (%20).
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
