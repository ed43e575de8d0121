package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection wraps one websocket transport. All data frames go through a
// single writer goroutine; gorilla allows WriteControl and Close to run
// concurrently with it.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu        sync.RWMutex
	userID    int64
	inquiryID int64
}

const writeBufferSize = 100

// NewConnection starts the writer goroutine for conn
func NewConnection(conn *websocket.Conn, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		writeCh:      make(chan []byte, writeBufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop owns every data write. A failed write closes the connection,
// which ends the read pump and drives teardown.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery. It waits at most the write timeout for
// buffer space.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the transport. Safe to call repeatedly.
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

// CloseWithReason sends a close frame with code and reason, then closes.
// Frames still queued behind it are dropped.
func (c *Connection) CloseWithReason(code int, reason string) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	msg := websocket.FormatCloseMessage(code, reason)
	writeErr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	closeErr := c.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// Ping sends a ping control frame
func (c *Connection) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// SetIdentity binds the admitted user and inquiry
func (c *Connection) SetIdentity(userID, inquiryID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.inquiryID = inquiryID
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) GetUserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetInquiryID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inquiryID
}

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}
