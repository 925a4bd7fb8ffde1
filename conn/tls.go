package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	tls "github.com/Psiphon-Labs/psiphon-tls"
	"golang.org/x/sys/unix"

	"rconn/poll"
)

// tlsExt is the TLS-specific extension of a Connection -- the Go
// equivalent of the C original's tls_connection struct, which embeds the
// base connection as its first field so accessors on the base stay valid
// without a downcast. Here it hangs off Connection.transportExt instead.
type tlsExt struct {
	engine     *tls.Conn
	raw        *rawConn
	isClient   bool
	serverName string // client-side only; set from Connect's host argument
	sslErr     error

	// mayHavePending is a heuristic stand-in for the engine's internal
	// buffered-plaintext state, which crypto/tls-family engines do not
	// expose publicly. We approximate it by noticing when a Read call
	// filled the caller's buffer completely -- there may be more
	// decrypted bytes sitting in the engine that a socket event will
	// never announce again.
	mayHavePending bool

	// Async-handshake bridge, valid only between startHandshake and the
	// matching completeHandshake/Close. engine.Handshake() is called exactly
	// once, from the goroutine startHandshake spawns, which blocks inside
	// rawConn.await (not on the event loop) until the real fd is ready
	// rather than ever retrying Handshake() itself -- see rawConn for why
	// retrying it doesn't work.
	//
	// hsWakeR is the read end of the wake pipe; it is owned exclusively by
	// the event loop goroutine (created and closed from there). The write
	// end is owned exclusively by the handshake goroutine, which closes it
	// itself after its one write -- splitting ownership this way means
	// neither side ever closes an fd number the other might still touch.
	hsWakeR  int
	hsResult chan error
	hsCancel chan struct{}
}

type tlsTransport struct{}

// TLSTransport is the TLS Transport singleton.
var TLSTransport Transport = &tlsTransport{}

func ext(c *Connection) *tlsExt {
	e, _ := c.transportExt.(*tlsExt)
	return e
}

func (t *tlsTransport) Connect(c *Connection, host string, port int, srcAddr string, onDone ConnHandler) error {
	if c.state != StateNone {
		return ErrInvalidState
	}
	fd, err := nonBlockingConnect(host, port, srcAddr)
	if err != nil {
		c.state = StateError
		c.lastErrno = err
		return err
	}
	c.fd = fd
	c.state = StateConnecting
	c.connectHander = onDone
	c.transportExt = &tlsExt{isClient: true, serverName: host, hsWakeR: -1}

	if err := c.registrar.Register(fd, poll.Writable, func(fd int, mask poll.Mask) {
		t.EventHandler(c, mask)
	}); err != nil {
		c.state = StateError
		c.lastErrno = err
		return err
	}
	return nil
}

func (t *tlsTransport) BlockingConnect(c *Connection, host string, port int, timeout time.Duration) error {
	if c.state != StateNone {
		return ErrInvalidState
	}
	if err := (&tcpTransport{}).BlockingConnect(c, host, port, timeout); err != nil {
		return err
	}
	cfg, err := clientConfigForHost(host)
	if err != nil {
		c.state = StateError
		return err
	}
	raw := newRawConn(c.fd)
	engine := tls.Client(raw, cfg)
	e := &tlsExt{engine: engine, raw: raw, isClient: true, serverName: host, hsWakeR: -1}
	c.transportExt = e

	restore, err := setBlockingTimeout(c.fd, timeout)
	if err != nil {
		c.state = StateError
		return err
	}
	defer restore()

	// fd is genuinely OS-blocking here (setBlockingTimeout above), so this
	// single Handshake() call runs to completion on its own; it never sees
	// a transient error to retry, so crypto/tls's "first result latches"
	// behavior never comes into play.
	if err := engine.Handshake(); err != nil {
		c.state = StateError
		e.sslErr = err
		return err
	}
	c.state = StateConnected
	return nil
}

// Accept starts the server-side handshake for an ACCEPTING connection and
// returns immediately; completion (StateConnected/StateError/StateClosed,
// then onDone) happens later off the handshake goroutine started by
// startHandshake.
func (t *tlsTransport) Accept(c *Connection, onDone ConnHandler) error {
	if c.state != StateAccepting {
		return ErrInvalidState
	}
	c.connectHander = onDone

	cfg, err := currentTLSConfig()
	if err != nil {
		c.state = StateError
		return err
	}
	raw := newRawConn(c.fd)
	e := &tlsExt{engine: tls.Server(raw, cfg), raw: raw, isClient: false, hsWakeR: -1}
	c.transportExt = e

	if err := t.startHandshake(c, e); err != nil {
		c.state = StateError
		return err
	}
	return nil
}

// startHandshake runs e.engine.Handshake() exactly once, on a dedicated
// goroutine, with e.raw bridging its blocked Read/Write calls back onto the
// registrar instead of ever letting the engine see a transient error --
// crypto/tls-family engines latch Handshake()'s first result and refuse to
// retry, so the WANT_READ/WANT_WRITE-and-call-again model the original
// OpenSSL engine used does not carry over; this is the resumable substitute.
// The goroutine signals completion through a self-pipe registered with the
// registrar, so the actual state transition still runs on the event loop's
// own goroutine, never concurrently with it.
func (t *tlsTransport) startHandshake(c *Connection, e *tlsExt) error {
	wr, ww, err := newWakePipe()
	if err != nil {
		return err
	}
	e.hsWakeR = wr
	e.hsResult = make(chan error, 1)
	e.hsCancel = make(chan struct{})
	e.raw.beginBridge(c.registrar, e.hsCancel)

	go func() {
		err := e.engine.Handshake()
		e.hsResult <- err
		var b [1]byte
		_, _ = unix.Write(ww, b[:])
		_ = unix.Close(ww)
	}()

	return c.registrar.Register(wr, poll.Readable, func(fd int, mask poll.Mask) {
		t.onHandshakeWake(c, e)
	})
}

// onHandshakeWake runs on the event loop goroutine when the handshake
// goroutine pokes the self-pipe. A spurious wake (pipe readable before the
// result is queued) is possible in principle; draining without a ready
// result is a correctly handled no-op, not an error. The write end closes
// once the goroutine is done with it, so an exhausted pipe reads back as a
// clean (0, nil) EOF rather than an error -- the loop has to check for n==0
// itself, not just a non-nil err, or it would spin forever on that EOF.
func (t *tlsTransport) onHandshakeWake(c *Connection, e *tlsExt) {
	var b [64]byte
	for {
		n, err := unix.Read(e.hsWakeR, b[:])
		if err != nil || n == 0 {
			break
		}
	}
	select {
	case err := <-e.hsResult:
		t.completeHandshake(c, e, err)
	default:
	}
}

func (t *tlsTransport) completeHandshake(c *Connection, e *tlsExt, err error) {
	t.closeHandshakeBridge(c, e)
	switch {
	case err == nil:
		if c.state != StateClosed {
			c.state = StateConnected
		}
	case isCleanClose(err):
		c.state = StateClosed
	default:
		c.state = StateError
		e.sslErr = err
	}
	t.finishHandshakeCallback(c)
}

// closeHandshakeBridge tears down the read end of the self-pipe (the only
// end this side owns, see tlsExt.hsWakeR) and takes raw back out of
// bridging mode, whether the handshake finished on its own or Close cut it
// short. Idempotent: Close calls it directly, and completeHandshake's call
// after a normal finish is never reached twice because hsWakeR is reset to
// -1 the first time.
func (t *tlsTransport) closeHandshakeBridge(c *Connection, e *tlsExt) {
	if e.hsWakeR < 0 {
		return
	}
	_ = c.registrar.Deregister(e.hsWakeR, poll.Readable)
	_ = unix.Close(e.hsWakeR)
	e.hsWakeR = -1
	e.raw.endBridge()
}

func newWakePipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, fmt.Errorf("tls: wake pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, ErrWouldBlock)
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (t *tlsTransport) Read(c *Connection, buf []byte) (int, error) {
	if c.state != StateConnected {
		return -1, ErrInvalidState
	}
	e := ext(c)
	n, err := e.engine.Read(buf)
	if err == nil {
		e.mayHavePending = n == len(buf)
		return n, nil
	}
	if isWouldBlock(err) {
		if e.raw.wantedWrite {
			c.readWantWrite = true
		}
		t.reconcile(c)
		return -1, ErrWouldBlock
	}
	if isCleanClose(err) {
		c.state = StateClosed
		return 0, nil
	}
	c.state = StateError
	e.sslErr = err
	return -1, err
}

func (t *tlsTransport) Write(c *Connection, buf []byte) (int, error) {
	if c.state != StateConnected {
		return -1, ErrInvalidState
	}
	e := ext(c)
	n, err := e.engine.Write(buf)
	if err == nil {
		return n, nil
	}
	if isWouldBlock(err) {
		if e.raw.wantedRead {
			c.writeWantRead = true
		}
		t.reconcile(c)
		return -1, ErrWouldBlock
	}
	if isCleanClose(err) {
		c.state = StateClosed
		return 0, nil
	}
	c.state = StateError
	e.sslErr = err
	return -1, err
}

func (t *tlsTransport) SetReadHandler(c *Connection, h ConnHandler) {
	if c.readHandler == nil && h == nil {
		return
	}
	c.readHandler = h
	t.reconcile(c)
}

func (t *tlsTransport) SetWriteHandler(c *Connection, h ConnHandler) {
	if c.writeHandler == nil && h == nil {
		return
	}
	c.writeHandler = h
	t.reconcile(c)
}

// reconcile recomputes physical interest as a pure function of (user
// handlers, inversion bits) and makes the registrar match exactly. It is
// a no-op while a handshake owns the registration (CONNECTING/ACCEPTING).
func (t *tlsTransport) reconcile(c *Connection) {
	if c.state == StateConnecting || c.state == StateAccepting {
		return
	}
	if c.fd == -1 {
		return
	}
	needRead := c.readHandler != nil || c.writeWantRead
	needWrite := c.writeHandler != nil || c.readWantWrite

	cur := c.registrar.Query(c.fd)
	handler := func(fd int, mask poll.Mask) { t.EventHandler(c, mask) }

	if needRead && !cur.Has(poll.Readable) {
		_ = c.registrar.Register(c.fd, poll.Readable, handler)
	}
	if !needRead && cur.Has(poll.Readable) {
		_ = c.registrar.Deregister(c.fd, poll.Readable)
	}
	if needWrite && !cur.Has(poll.Writable) {
		_ = c.registrar.Register(c.fd, poll.Writable, handler)
	}
	if !needWrite && cur.Has(poll.Writable) {
		_ = c.registrar.Deregister(c.fd, poll.Writable)
	}
}

// EventHandler advances the handshake state machine while CONNECTING --
// i.e. waiting for the plain TCP connect to finish, before a TLS engine
// even exists yet -- and otherwise dispatches read/write readiness to user
// callbacks, running any handler unblocked by the opposite direction's
// event (an inversion) before the direction's own normal handler, and
// never firing a given handler slot more than once per event. Once a
// handshake (CONNECTING or ACCEPTING) actually starts, c.fd itself carries
// no registration until it completes: progress is reported through the
// handshake goroutine's wake pipe (see startHandshake), not through
// further EventHandler calls, so ACCEPTING never reaches this switch.
func (t *tlsTransport) EventHandler(c *Connection, mask poll.Mask) {
	switch c.state {
	case StateConnecting:
		if err := unixSocketError(c.fd); err != nil {
			c.state = StateError
			c.lastErrno = err
			t.finishHandshakeCallback(c)
			return
		}
		_ = c.registrar.Deregister(c.fd, poll.Writable)

		e := ext(c)
		cfg, err := clientConfigForHost(e.serverName)
		if err != nil {
			c.state = StateError
			c.lastErrno = err
			t.finishHandshakeCallback(c)
			return
		}
		e.raw = newRawConn(c.fd)
		e.engine = tls.Client(e.raw, cfg)
		if err := t.startHandshake(c, e); err != nil {
			c.state = StateError
			c.lastErrno = err
			t.finishHandshakeCallback(c)
			return
		}
		return

	case StateConnected:
		var readDispatched, writeDispatched bool

		if mask.Has(poll.Readable) && c.writeWantRead {
			c.writeWantRead = false
			writeDispatched = true
			if !callHandler(c, c.writeHandler) {
				return
			}
		}
		if mask.Has(poll.Writable) && c.readWantWrite {
			c.readWantWrite = false
			readDispatched = true
			if !callHandler(c, c.readHandler) {
				return
			}
		}
		if mask.Has(poll.Readable) && c.readHandler != nil && !readDispatched {
			if !callHandler(c, c.readHandler) {
				return
			}
		}
		if mask.Has(poll.Writable) && c.writeHandler != nil && !writeDispatched {
			if !callHandler(c, c.writeHandler) {
				return
			}
		}
		t.reconcile(c)
	}
}

// finishHandshakeCallback pops and invokes the single-shot connect/accept
// handler, then reconciles physical interest now that the handshake no
// longer owns the registration.
func (t *tlsTransport) finishHandshakeCallback(c *Connection) {
	handler := c.connectHander
	c.connectHander = nil
	if !callHandler(c, handler) {
		return
	}
	t.reconcile(c)
}

func (t *tlsTransport) Close(c *Connection, doShutdown bool) error {
	if c.fd == -1 {
		return nil
	}
	e := ext(c)
	if e != nil {
		if e.hsCancel != nil {
			// A handshake goroutine is still in flight: unblock its
			// rawConn.await, then tear the bridge down from here rather
			// than let the goroutine do it once it notices -- otherwise
			// both sides could race to close the same wake-pipe fds.
			close(e.hsCancel)
			e.hsCancel = nil
			t.closeHandshakeBridge(c, e)
		}
		if e.engine != nil && doShutdown {
			_ = e.engine.Close()
		}
		e.sslErr = nil
	}
	return (&tcpTransport{}).Close(c, doShutdown)
}

func (t *tlsTransport) LastError(c *Connection) error {
	e := ext(c)
	if e != nil && e.sslErr != nil {
		return e.sslErr
	}
	return c.LastError()
}

func (t *tlsTransport) HasPending(c *Connection) bool {
	e := ext(c)
	return e != nil && e.mayHavePending
}

// --- Sync I/O facade, TLS variant ---

func (t *tlsTransport) SyncRead(c *Connection, buf []byte, timeout time.Duration) (int, error) {
	e := ext(c)
	if e == nil || e.engine == nil {
		return -1, ErrInvalidState
	}
	restore, err := setBlockingTimeout(c.fd, timeout)
	if err != nil {
		return -1, err
	}
	defer restore()
	n, err := e.engine.Read(buf)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// SyncWrite gives the caller the usual synchronous all-or-nothing
// semantics; psiphon-tls, like crypto/tls, has no partial-write knob to
// toggle, so the all-or-nothing guarantee is provided by looping until
// every byte is accepted instead.
func (t *tlsTransport) SyncWrite(c *Connection, buf []byte, timeout time.Duration) (int, error) {
	e := ext(c)
	if e == nil || e.engine == nil {
		return -1, ErrInvalidState
	}
	restore, err := setBlockingTimeout(c.fd, timeout)
	if err != nil {
		return -1, err
	}
	defer restore()

	total := 0
	for total < len(buf) {
		n, err := e.engine.Write(buf[total:])
		if err != nil {
			return -1, err
		}
		total += n
	}
	return total, nil
}

func (t *tlsTransport) SyncReadLine(c *Connection, timeout time.Duration) (string, error) {
	e := ext(c)
	if e == nil || e.engine == nil {
		return "", ErrInvalidState
	}
	restore, err := setBlockingTimeout(c.fd, timeout)
	if err != nil {
		return "", err
	}
	defer restore()

	var line []byte
	var b [1]byte
	for {
		n, err := e.engine.Read(b[:])
		if err != nil || n == 0 {
			return "", fmt.Errorf("sync read line: %w", err)
		}
		if b[0] == '\n' {
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			return string(line), nil
		}
		line = append(line, b[0])
	}
}
