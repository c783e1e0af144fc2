package ioadapter

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// rawStream is the minimal surface netChannel needs from its transport:
// net.Conn satisfies it directly, and so do quic-go's quic.Stream and
// webtransport-go's webtransport.Stream, letting the same adapter back
// pstream over a plain socket or a QUIC/WebTransport stream.
type rawStream interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// netChannel adapts a rawStream (TCP, UNIX stream, QUIC/WebTransport
// stream, ...) into an IOChannel. A background goroutine performs the
// actual blocking reads so that Read itself can be non-blocking: it just
// drains whatever has already arrived into an internal buffer (spec §4.6
// "non-blocking read"). Write sets a write deadline one millisecond ahead
// on the underlying stream, so a write that cannot make progress reports a
// timeout (returned as ErrWouldBlock) instead of parking the caller; a
// deadline at or before the current time would fail every write before it
// was attempted.
type netChannel struct {
	conn rawStream

	mu      sync.Mutex
	buf     []byte
	readErr error
	creds   Creds
	credsOK bool

	hungUp atomic.Bool
	closed atomic.Bool

	wakeMu sync.Mutex
	wakeFn func()

	credReader func([]byte) (int, Creds, bool, error)
	credWriter func([]byte, Creds) (int, error)
}

// New wraps conn as an IOChannel. When conn is a *net.UnixConn on a
// platform with SCM_CREDENTIALS support, ReadWithCreds/WriteWithCreds
// become fully functional; elsewhere they degrade to plain reads/writes
// with ok=false (spec §9 "on platforms without ancillary-data support,
// credentials are silently dropped").
func New(conn net.Conn) IOChannel {
	c := &netChannel{conn: conn}
	if uc, ok := conn.(*net.UnixConn); ok {
		c.credReader, c.credWriter = unixCredFuncs(uc)
	}
	go c.readLoop()
	return c
}

// NewStream wraps a bare rawStream (a QUIC or WebTransport stream, which
// is ordered and reliable but carries no socket-level credential or
// buffer-size controls) as an IOChannel.
func NewStream(s rawStream) IOChannel {
	c := &netChannel{conn: s}
	go c.readLoop()
	return c
}

// SetWakeFunc registers fn to be called (off the reader goroutine)
// whenever this channel's readiness changes, satisfying Waker.
func (c *netChannel) SetWakeFunc(fn func()) {
	c.wakeMu.Lock()
	c.wakeFn = fn
	c.wakeMu.Unlock()
}

func (c *netChannel) signal() {
	c.wakeMu.Lock()
	fn := c.wakeFn
	c.wakeMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *netChannel) readLoop() {
	tmp := make([]byte, 64*1024)
	for {
		var n int
		var creds Creds
		var ok bool
		var err error

		if c.credReader != nil {
			n, creds, ok, err = c.credReader(tmp)
		} else {
			n, err = c.conn.Read(tmp)
		}

		c.mu.Lock()
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
			if ok {
				c.creds, c.credsOK = creds, true
			}
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

func (c *netChannel) readLocked(p []byte) (int, Creds, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) == 0 {
		if c.readErr != nil {
			return 0, Creds{}, false, c.readErr
		}
		return 0, Creds{}, false, ErrWouldBlock
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	creds, ok := c.creds, c.credsOK
	if ok {
		c.credsOK = false
	}
	return n, creds, ok, nil
}

func (c *netChannel) Read(p []byte) (int, error) {
	n, _, _, err := c.readLocked(p)
	return n, err
}

func (c *netChannel) ReadWithCreds(p []byte) (int, Creds, bool, error) {
	return c.readLocked(p)
}

func (c *netChannel) writeImpl(p []byte, creds *Creds) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	var n int
	var err error
	if creds != nil && c.credWriter != nil {
		n, err = c.credWriter(p, *creds)
	} else {
		n, err = c.conn.Write(p)
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, ErrWouldBlock
		}
		if errors.Is(err, io.EOF) {
			c.hungUp.Store(true)
		}
	}
	return n, err
}

func (c *netChannel) Write(p []byte) (int, error) {
	return c.writeImpl(p, nil)
}

func (c *netChannel) WriteWithCreds(p []byte, creds Creds) (int, error) {
	return c.writeImpl(p, &creds)
}

func (c *netChannel) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) > 0 || c.readErr != nil
}

func (c *netChannel) Writable() bool {
	return !c.closed.Load() && !c.hungUp.Load()
}

func (c *netChannel) HungUp() bool {
	return c.hungUp.Load()
}

type bufferSizer interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

func (c *netChannel) SetBufferSizes(n int) {
	bs, ok := c.conn.(bufferSizer)
	if !ok {
		return
	}
	if err := bs.SetReadBuffer(n); err != nil {
		logger.Debug("SetReadBuffer failed", "err", err)
	}
	if err := bs.SetWriteBuffer(n); err != nil {
		logger.Debug("SetWriteBuffer failed", "err", err)
	}
}

func (c *netChannel) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}
