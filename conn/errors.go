package conn

import "errors"

// ErrWouldBlock marks a non-blocking operation that needs more readiness;
// it is a normal flow-control signal, not a failure.
var ErrWouldBlock = errors.New("resource temporarily unavailable")

// ErrClosed is returned by any operation on a Connection that no longer
// owns a file descriptor.
var ErrClosed = errors.New("connection is closed")

// ErrClosedByPeer names a clean end-of-stream. Read does not return it:
// both transports report a clean peer close as (0, nil).
var ErrClosedByPeer = errors.New("connection closed by peer")

// ErrInvalidState is returned by an entry point invoked in the wrong
// lifecycle state -- it never mutates the connection.
var ErrInvalidState = errors.New("connection is in an invalid state for this operation")

// errHandshakeCanceled unblocks a rawConn handshake bridge wait when Close
// tears the connection down while a handshake goroutine is still in flight.
var errHandshakeCanceled = errors.New("tls: connection closed during handshake")
