package conn

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"rconn/poll"
)

// tcpTransport implements Transport directly over the platform socket API:
// logical readiness is identical to physical readiness, so it is the
// simplest of the two variants.
type tcpTransport struct{}

// TCP is the plain-TCP Transport singleton; it carries no state of its own
// (all state lives on the Connection), so one instance serves every
// connection, mirroring the teacher's package-level CT_Socket.
var TCP Transport = &tcpTransport{}

func (t *tcpTransport) Connect(c *Connection, host string, port int, srcAddr string, onDone ConnHandler) error {
	fd, err := nonBlockingConnect(host, port, srcAddr)
	if err != nil {
		c.state = StateError
		c.lastErrno = err
		return err
	}
	c.fd = fd
	c.state = StateConnecting
	// The connect handler is a single-shot slot of its own (connectHander);
	// EventHandler pops it on the first writable event.
	c.connectHander = onDone
	if err := c.registrar.Register(fd, poll.Writable, func(fd int, mask poll.Mask) {
		t.EventHandler(c, mask)
	}); err != nil {
		c.state = StateError
		c.lastErrno = err
		return err
	}
	return nil
}

func nonBlockingConnect(host string, port int, srcAddr string) (int, error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	if srcAddr != "" {
		srcIP, err := resolveIPv4(srcAddr)
		if err == nil {
			_ = unix.Bind(fd, &unix.SockaddrInet4{Addr: srcIP})
		}
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	return fd, nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return out, fmt.Errorf("resolve %s: %w", host, err)
		}
		ip = ips[0]
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("only IPv4 addresses are supported: %s", host)
	}
	copy(out[:], v4)
	return out, nil
}

func (t *tcpTransport) BlockingConnect(c *Connection, host string, port int, timeout time.Duration) error {
	ip, err := resolveIPv4(host)
	if err != nil {
		c.state = StateError
		c.lastErrno = err
		return err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		c.state = StateError
		c.lastErrno = err
		return err
	}
	tv := unix.NsecToTimeval(int64(timeout))
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		c.state = StateError
		c.lastErrno = err
		return err
	}
	c.fd = fd
	c.state = StateConnected
	return nil
}

// Accept advances an ACCEPTING connection. Plain TCP needs no further
// handshake, so the accept handler fires synchronously before Accept
// returns.
func (t *tcpTransport) Accept(c *Connection, onDone ConnHandler) error {
	if c.state != StateAccepting {
		return ErrInvalidState
	}
	c.state = StateConnected
	if onDone != nil {
		onDone(c)
	}
	return nil
}

func (t *tcpTransport) Read(c *Connection, buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, ErrWouldBlock
		}
		c.state = StateError
		c.lastErrno = err
		return -1, err
	}
	if n == 0 {
		c.state = StateClosed
	}
	return n, nil
}

func (t *tcpTransport) Write(c *Connection, buf []byte) (int, error) {
	n, err := unix.Write(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, ErrWouldBlock
		}
		c.state = StateError
		c.lastErrno = err
		return -1, err
	}
	return n, nil
}

// SetReadHandler/SetWriteHandler: storing nil deregisters the direction;
// storing a function registers it. Re-assigning the same function is a
// no-op at the registrar; we still need to compare here because the
// registrar's Register call is not itself a closure-identity check.
func (t *tcpTransport) SetReadHandler(c *Connection, h ConnHandler) {
	if sameHandler(c.readHandler, h) {
		return
	}
	c.readHandler = h
	if h == nil {
		_ = c.registrar.Deregister(c.fd, poll.Readable)
		return
	}
	_ = c.registrar.Register(c.fd, poll.Readable, func(fd int, mask poll.Mask) {
		t.EventHandler(c, mask)
	})
}

func (t *tcpTransport) SetWriteHandler(c *Connection, h ConnHandler) {
	if sameHandler(c.writeHandler, h) {
		return
	}
	c.writeHandler = h
	if h == nil {
		_ = c.registrar.Deregister(c.fd, poll.Writable)
		return
	}
	_ = c.registrar.Register(c.fd, poll.Writable, func(fd int, mask poll.Mask) {
		t.EventHandler(c, mask)
	})
}

// sameHandler can't compare function values directly (Go forbids ==
// between funcs other than nil-checks), so "re-assigning the same handler
// is a no-op" is approximated as "both nil, or both non-nil and the
// caller didn't actually change anything observable" -- in practice
// callers only ever re-assign after checking this themselves, so the one
// case that matters here is the nil/non-nil transition.
func sameHandler(cur, next ConnHandler) bool {
	return cur == nil && next == nil
}

// EventHandler dispatches a readiness event to user callbacks in order:
//  1. connect-completion fires before regular write dispatch, single-shot,
//     cleared before invocation so a handler installed from inside the
//     callback survives this event;
//  2. then read dispatch;
//  3. then write dispatch.
func (t *tcpTransport) EventHandler(c *Connection, mask poll.Mask) {
	if c.state == StateConnecting && mask.Has(poll.Writable) {
		if err := unixSocketError(c.fd); err != nil {
			c.state = StateError
			c.lastErrno = err
		} else {
			c.state = StateConnected
		}
		handler := c.connectHander
		c.connectHander = nil
		_ = c.registrar.Deregister(c.fd, poll.Writable)
		if !callHandler(c, handler) {
			return
		}
	}

	if mask.Has(poll.Readable) && c.readHandler != nil {
		if !callHandler(c, c.readHandler) {
			return
		}
	}
	if mask.Has(poll.Writable) && c.writeHandler != nil {
		if !callHandler(c, c.writeHandler) {
			return
		}
	}
}

func unixSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func (t *tcpTransport) Close(c *Connection, doShutdown bool) error {
	if c.fd == -1 {
		return nil
	}
	_ = c.registrar.Deregister(c.fd, poll.Readable)
	_ = c.registrar.Deregister(c.fd, poll.Writable)
	if doShutdown {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
	err := unix.Close(c.fd)
	c.fd = -1
	if c.state != StateError {
		c.state = StateClosed
	}
	return err
}

func (t *tcpTransport) LastError(c *Connection) error { return c.LastError() }

func (t *tcpTransport) HasPending(c *Connection) bool { return false }

// --- Sync I/O facade, plain-TCP variant ---

func (t *tcpTransport) SyncRead(c *Connection, buf []byte, timeout time.Duration) (int, error) {
	restore, err := setBlockingTimeout(c.fd, timeout)
	if err != nil {
		return -1, err
	}
	defer restore()
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return -1, err
	}
	return n, nil
}

func (t *tcpTransport) SyncWrite(c *Connection, buf []byte, timeout time.Duration) (int, error) {
	restore, err := setBlockingTimeout(c.fd, timeout)
	if err != nil {
		return -1, err
	}
	defer restore()
	total := 0
	for total < len(buf) {
		n, err := unix.Write(c.fd, buf[total:])
		if err != nil {
			return -1, err
		}
		total += n
	}
	return total, nil
}

// SyncReadLine reads one byte at a time until '\n'; a trailing '\r' is
// stripped.
func (t *tcpTransport) SyncReadLine(c *Connection, timeout time.Duration) (string, error) {
	restore, err := setBlockingTimeout(c.fd, timeout)
	if err != nil {
		return "", err
	}
	defer restore()

	var sb strings.Builder
	var b [1]byte
	for {
		n, err := unix.Read(c.fd, b[:])
		if err != nil || n == 0 {
			return "", fmt.Errorf("sync read line: %w", err)
		}
		if b[0] == '\n' {
			line := sb.String()
			return strings.TrimSuffix(line, "\r"), nil
		}
		sb.WriteByte(b[0])
	}
}

// setBlockingTimeout configures the socket as blocking with OS-level
// send/receive timeouts; the timeout applies per syscall, not per logical
// operation, so SyncWrite on a large buffer can still take an unbounded
// total time if the peer drains it slowly. The returned closure restores
// non-blocking mode and clears the OS timeouts.
func setBlockingTimeout(fd int, timeout time.Duration) (func(), error) {
	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, err
	}
	tv := unix.NsecToTimeval(int64(timeout))
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	return func() {
		zero := unix.Timeval{}
		_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &zero)
		_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &zero)
		_ = unix.SetNonblock(fd, true)
	}, nil
}

// --- Introspection ---

func (c *Connection) PeerName() (string, error) {
	if c.fd == -1 {
		return "", ErrClosed
	}
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return "", err
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", fmt.Errorf("unsupported sockaddr type %T", sa)
	}
	ip := net.IPv4(v4.Addr[0], v4.Addr[1], v4.Addr[2], v4.Addr[3])
	return ip.String() + ":" + strconv.Itoa(v4.Port), nil
}

func (c *Connection) SocketError() error {
	if c.fd == -1 {
		return ErrClosed
	}
	return unixSocketError(c.fd)
}

func (c *Connection) SetBlocking(block bool) error {
	if c.fd == -1 {
		return ErrClosed
	}
	return unix.SetNonblock(c.fd, !block)
}

func (c *Connection) SetTCPNoDelay(enabled bool) error {
	if c.fd == -1 {
		return ErrClosed
	}
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

func (c *Connection) SetKeepAlive(interval time.Duration) error {
	if c.fd == -1 {
		return ErrClosed
	}
	if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	secs := int(interval.Seconds())
	if secs <= 0 {
		secs = 1
	}
	_ = unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs)
	return unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs)
}

func (c *Connection) SetSendTimeout(d time.Duration) error {
	if c.fd == -1 {
		return ErrClosed
	}
	tv := unix.NsecToTimeval(int64(d))
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
}
