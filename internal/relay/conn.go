package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when a connection cannot keep up.
	ErrSendQueueFull = errors.New("send queue full")
)

// transport is the subset of *websocket.Conn the relay writes through.
type transport interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn is one live connection handle. Outbound messages go through a
// bounded queue drained by a single writer, so delivery to a session is
// FIFO. Closing the handle discards anything still queued.
type Conn struct {
	id        string
	sessionID string
	ws        transport
	queue     chan []byte
	logger    *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(sessionID string, ws transport, queueSize int, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ws:        ws,
		queue:     make(chan []byte, queueSize),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID uniquely identifies this handle.
func (c *Conn) ID() string { return c.id }

// SessionID returns the session the handle was registered under.
func (c *Conn) SessionID() string { return c.sessionID }

// Live reports whether the handle still accepts messages.
func (c *Conn) Live() bool { return c.ctx.Err() == nil }

// Done is closed once the underlying transport has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send enqueues data for delivery. It never blocks. The transport owns data
// afterwards; callers must not modify it.
func (c *Conn) Send(data []byte) error {
	if !c.Live() {
		return ErrConnClosed
	}
	select {
	case c.queue <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.queue:
			if c.ctx.Err() != nil {
				return
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn("WebSocket write failed, closing connection", "session_id", c.sessionID, "conn_id", c.id, "error", err)
				}
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Close marks the handle dead immediately and closes the transport in the
// background. Safe to call more than once.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		go func() {
			defer close(c.done)
			if err := c.ws.Close(code, reason); err != nil {
				c.logger.Debug("Failed to close websocket", "session_id", c.sessionID, "conn_id", c.id, "error", err)
			}
		}()
	})
}
