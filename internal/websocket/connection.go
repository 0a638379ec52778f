package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultWriteBuffer is the number of frames a connection may have queued.
const DefaultWriteBuffer = 100

// Connection wraps a gorilla socket with a single writer goroutine.
type Connection struct {
	id          string
	conn        *websocket.Conn
	writeCh     chan []byte
	writeWait   time.Duration
	remoteAddr  string
	connectedAt time.Time
	logger      *log.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection assigns a fresh id and starts the writer.
func NewConnection(conn *websocket.Conn, writeWait time.Duration, logger *log.Logger) *Connection {
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:          uuid.NewString(),
		conn:        conn,
		writeCh:     make(chan []byte, DefaultWriteBuffer),
		writeWait:   writeWait,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	if conn != nil {
		c.remoteAddr = conn.RemoteAddr().String()
	}
	c.logger = logger.With("connection", c.id)

	go c.writeLoop()
	return c
}

// ID returns the server generated connection id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr is the peer address seen at upgrade time.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// ConnectedAt is when the socket was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, closing", "err", err)
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// enqueue queues an encoded frame without waiting.
func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return ErrWriteBufferFull
	}
}

// Close cancels the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
