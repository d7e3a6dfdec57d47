package venue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnConfig configures websocket connection behavior.
type ConnConfig struct {
	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// ReadTimeout is the per-read deadline. Zero disables it.
	ReadTimeout time.Duration
	// Header is sent with the upgrade request.
	Header http.Header
}

// DefaultConnConfig returns default connection configuration.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      90 * time.Second,
	}
}

// Conn wraps a gorilla websocket with a write mutex and a buffer for frames
// that arrive while a request is waiting for its reply.
type Conn struct {
	config ConnConfig

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool

	// pending holds frames read during a handshake, replayed in order by Read.
	pending   [][]byte
	pendingMu sync.Mutex
}

// Dial connects to endpoint.
func Dial(ctx context.Context, endpoint string, config *ConnConfig) (*Conn, error) {
	cfg := DefaultConnConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, cfg.Header)
	if err != nil {
		return nil, &TransientNetworkError{Op: "websocket dial", Err: err}
	}

	return &Conn{config: cfg, conn: conn}, nil
}

// WriteJSON sends v as a text frame.
func (c *Conn) WriteJSON(v any) error {
	if c.closed.Load() {
		return &TransientNetworkError{Op: "write", Err: ErrNotConnected}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return &TransientNetworkError{Op: "write", Err: err}
	}
	return nil
}

// Ping sends a control ping frame.
func (c *Conn) Ping() error {
	if c.closed.Load() {
		return &TransientNetworkError{Op: "ping", Err: ErrNotConnected}
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return &TransientNetworkError{Op: "ping", Err: err}
	}
	return nil
}

// Read returns the next frame, replaying buffered handshake frames first.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if frame, ok := c.popPending(); ok {
		return frame, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.readFrame(c.deadline(ctx, c.config.ReadTimeout))
}

// Await reads frames until match reports done or timeout elapses.
// Frames that match does not consume are buffered for Read.
// A non-nil error from match ends the wait with that error.
func (c *Conn) Await(ctx context.Context, timeout time.Duration, match func(frame []byte) (done bool, err error)) error {
	deadline := c.deadline(ctx, timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := c.readFrame(deadline)
		if err != nil {
			var netErr *TransientNetworkError
			if errors.As(err, &netErr) && isTimeout(netErr.Err) {
				return &TransientNetworkError{Op: "await", Err: ErrSubscribeTimeout}
			}
			return err
		}

		done, err := match(frame)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		c.pushPending(frame)
	}
}

// Close sends a normal closure frame and closes the socket. Safe to call twice.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *Conn) readFrame(deadline time.Time) ([]byte, error) {
	_ = c.conn.SetReadDeadline(deadline)

	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		if c.closed.Load() {
			return nil, &TransientNetworkError{Op: "read", Err: ErrNotConnected}
		}
		return nil, &TransientNetworkError{Op: "read", Err: err}
	}
	return frame, nil
}

// deadline returns the earlier of now+timeout and the ctx deadline.
// The zero time means no deadline.
func (c *Conn) deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}

func (c *Conn) pushPending(frame []byte) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, frame)
	c.pendingMu.Unlock()
}

func (c *Conn) popPending() ([]byte, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if len(c.pending) == 0 {
		return nil, false
	}
	frame := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return frame, true
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// Link holds an adapter's current connection across reconnects.
type Link struct {
	mu   sync.Mutex
	conn *Conn
}

// Set installs conn, closing any previous connection.
func (l *Link) Set(conn *Conn) {
	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Get returns the current connection.
func (l *Link) Get() (*Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil, &TransientNetworkError{Op: "get connection", Err: ErrNotConnected}
	}
	return l.conn, nil
}

// Close closes and forgets the current connection.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
