package ioadapter

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsChannel adapts a gorilla/websocket connection into an IOChannel by
// treating the sequence of binary messages as one continuous byte stream:
// each Write call ships its argument as a single binary message, and the
// background reader concatenates incoming message payloads into the same
// internal buffer netChannel uses, so pstream's own 20-byte frame
// descriptors (not WS message boundaries) are what delimits frames on the
// wire (grounded on server/internal/ws/handler.go's Upgrader usage).
type wsChannel struct {
	conn *websocket.Conn

	mu      sync.Mutex
	buf     []byte
	readErr error

	hungUp atomic.Bool
	closed atomic.Bool

	wakeMu sync.Mutex
	wakeFn func()
}

// NewWebSocket wraps conn as an IOChannel.
func NewWebSocket(conn *websocket.Conn) IOChannel {
	c := &wsChannel{conn: conn}
	go c.readLoop()
	return c
}

// SetWakeFunc registers fn to be called (off the reader goroutine)
// whenever this channel's readiness changes, satisfying Waker.
func (c *wsChannel) SetWakeFunc(fn func()) {
	c.wakeMu.Lock()
	c.wakeFn = fn
	c.wakeMu.Unlock()
}

func (c *wsChannel) signal() {
	c.wakeMu.Lock()
	fn := c.wakeFn
	c.wakeMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *wsChannel) readLoop() {
	for {
		kind, payload, err := c.conn.ReadMessage()
		c.mu.Lock()
		if err == nil && kind == websocket.BinaryMessage {
			c.buf = append(c.buf, payload...)
		}
		if err != nil {
			c.readErr = err
			c.mu.Unlock()
			c.hungUp.Store(true)
			c.signal()
			return
		}
		c.mu.Unlock()
		c.signal()
	}
}

func (c *wsChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// ReadWithCreds always reports ok=false: WebSocket carries no ancillary
// credential mechanism.
func (c *wsChannel) ReadWithCreds(p []byte) (int, Creds, bool, error) {
	n, err := c.Read(p)
	return n, Creds{}, false, err
}

func (c *wsChannel) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return len(p), nil
}

func (c *wsChannel) WriteWithCreds(p []byte, _ Creds) (int, error) {
	return c.Write(p)
}

func (c *wsChannel) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) > 0 || c.readErr != nil
}

func (c *wsChannel) Writable() bool {
	return !c.closed.Load() && !c.hungUp.Load()
}

func (c *wsChannel) HungUp() bool {
	return c.hungUp.Load()
}

// SetBufferSizes is a no-op: gorilla/websocket sizes its buffers at
// upgrade time, not per-connection afterward.
func (c *wsChannel) SetBufferSizes(int) {}

func (c *wsChannel) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}
