package conn

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"rconn/poll"
)

// rawConn adapts a non-blocking raw fd into a net.Conn so that
// github.com/Psiphon-Labs/psiphon-tls's Conn (API-identical to
// crypto/tls.Conn) can drive its handshake and record layer over it.
//
// crypto/tls-family engines assume a blocking net.Conn: Read/Write either
// return data or a permanent error, they never resume a partial operation
// the way OpenSSL's WANT_READ/WANT_WRITE + retry-the-same-call model does.
// In steady state (bridging == false) rawConn hands EAGAIN straight to the
// engine as a net.Error with Timeout()==true, and tlsTransport remembers
// which method produced it (wantedRead/wantedWrite) to recover the
// WANT_READ/WANT_WRITE classification for its reconcile bookkeeping.
//
// During a handshake, though, nobody is allowed to retry Handshake() itself
// -- it latches its first result -- so instead rawConn.Read/Write block the
// calling goroutine (via registrar, not the real fd) until the socket is
// actually ready and then retry the syscall, making the one Handshake()
// call the caller makes genuinely resumable underneath. beginBridge turns
// this mode on for the lifetime of the handshake goroutine; endBridge turns
// it back off before the connection returns to non-blocking event-driven
// I/O.
type rawConn struct {
	fd        int
	registrar poll.Registrar
	cancel    <-chan struct{}
	bridging  bool

	wantedRead  bool
	wantedWrite bool
}

func newRawConn(fd int) *rawConn { return &rawConn{fd: fd} }

func (r *rawConn) beginBridge(registrar poll.Registrar, cancel <-chan struct{}) {
	r.registrar = registrar
	r.cancel = cancel
	r.bridging = true
}

func (r *rawConn) endBridge() {
	r.bridging = false
	r.registrar = nil
	r.cancel = nil
}

func (r *rawConn) Read(b []byte) (int, error) {
	for {
		r.wantedRead = false
		n, err := unix.Read(r.fd, b)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, err
		}
		if !r.bridging {
			r.wantedRead = true
			return 0, wouldBlockNetError{}
		}
		if err := r.await(poll.Readable); err != nil {
			return 0, err
		}
	}
}

func (r *rawConn) Write(b []byte) (int, error) {
	for {
		r.wantedWrite = false
		n, err := unix.Write(r.fd, b)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, err
		}
		if !r.bridging {
			r.wantedWrite = true
			return 0, wouldBlockNetError{}
		}
		if err := r.await(poll.Writable); err != nil {
			return 0, err
		}
	}
}

// await blocks the calling goroutine (the handshake goroutine, never the
// event loop) until dir becomes ready on the real fd, or cancel fires
// because the connection was closed out from under the handshake.
func (r *rawConn) await(dir poll.Mask) error {
	ready := make(chan struct{}, 1)
	if err := r.registrar.Register(r.fd, dir, func(fd int, mask poll.Mask) {
		select {
		case ready <- struct{}{}:
		default:
		}
	}); err != nil {
		return err
	}
	defer r.registrar.Deregister(r.fd, dir)

	select {
	case <-ready:
		return nil
	case <-r.cancel:
		return errHandshakeCanceled
	}
}

func (r *rawConn) Close() error                       { return nil } // the transport owns fd lifecycle
func (r *rawConn) LocalAddr() net.Addr                { return nil }
func (r *rawConn) RemoteAddr() net.Addr               { return nil }
func (r *rawConn) SetDeadline(t time.Time) error      { return nil }
func (r *rawConn) SetReadDeadline(t time.Time) error  { return nil }
func (r *rawConn) SetWriteDeadline(t time.Time) error { return nil }

// wouldBlockNetError is the sentinel rawConn.Read/Write hand to the TLS
// engine in place of a permanent error; Timeout()==true is what makes
// crypto/tls-family code treat it as transient rather than fatal.
type wouldBlockNetError struct{}

func (wouldBlockNetError) Error() string   { return "resource temporarily unavailable" }
func (wouldBlockNetError) Timeout() bool   { return true }
func (wouldBlockNetError) Temporary() bool { return true }
