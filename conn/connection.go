// Package conn implements a pluggable, non-blocking, event-driven
// connection abstraction over plain TCP and TLS sockets. A host
// application owns a poll.Registrar (its I/O readiness loop) and drives
// Connection objects through it; see poll.Loop for a runnable registrar.
package conn

import (
	"time"

	"rconn/poll"
)

// ConnHandler is a logical read/write/connect/accept callback. It must not
// block the calling goroutine.
type ConnHandler func(c *Connection)

// Connection is the shared record every Transport operates on. Exactly one
// Connection exists per logical connection; the transport is fixed at
// creation and never changes for the connection's lifetime.
type Connection struct {
	transport Transport
	registrar poll.Registrar

	state     State
	lastErr   error
	lastErrno error

	fd int

	privateData any

	// transportExt is where a Transport variant keeps state that doesn't
	// belong on the shared record -- the Go equivalent of the C original
	// embedding the base connection as the first field of a larger
	// tls_connection struct. Only tlsTransport uses it.
	transportExt any

	readHandler   ConnHandler
	writeHandler  ConnHandler
	connectHander ConnHandler // single-shot; fires once then cleared

	// generation is bumped by Close; it is the "live" sentinel that lets
	// the event dispatcher in EventHandler notice a callback freed the
	// connection instead of continuing to touch it.
	generation uint64

	// Inversion bits, TLS-only but kept on the base record because the
	// reconciliation math in tlsTransport.reconcile needs them alongside
	// the read/write handler slots above.
	readWantWrite bool
	writeWantRead bool
}

// NewOutbound allocates a Connection with no socket yet. The caller then
// invokes Connect.
func NewOutbound(transport Transport, registrar poll.Registrar) *Connection {
	return &Connection{
		transport: transport,
		registrar: registrar,
		state:     StateNone,
		fd:        -1,
	}
}

// NewAccepted allocates a Connection around an already-accepted fd. The
// caller then invokes Accept.
func NewAccepted(transport Transport, registrar poll.Registrar, fd int) *Connection {
	return &Connection{
		transport: transport,
		registrar: registrar,
		state:     StateAccepting,
		fd:        fd,
	}
}

func (c *Connection) Connect(host string, port int, srcAddr string, onDone ConnHandler) error {
	if c.state != StateNone {
		return ErrInvalidState
	}
	return c.transport.Connect(c, host, port, srcAddr, onDone)
}

func (c *Connection) BlockingConnect(host string, port int, timeout time.Duration) error {
	if c.state != StateNone {
		return ErrInvalidState
	}
	return c.transport.BlockingConnect(c, host, port, timeout)
}

func (c *Connection) Accept(onDone ConnHandler) error {
	if c.state != StateAccepting {
		return ErrInvalidState
	}
	return c.transport.Accept(c, onDone)
}

func (c *Connection) Read(buf []byte) (int, error) {
	if c.fd == -1 {
		return -1, ErrClosed
	}
	return c.transport.Read(c, buf)
}

func (c *Connection) Write(buf []byte) (int, error) {
	if c.fd == -1 {
		return -1, ErrClosed
	}
	return c.transport.Write(c, buf)
}

// SetReadHandler installs or clears (onNil) the logical read callback.
// Re-assigning the same function is a no-op; assigning nil clears it and
// deregisters physical interest when the transport has no internal need
// for the direction (invariant 2).
func (c *Connection) SetReadHandler(h ConnHandler) {
	c.transport.SetReadHandler(c, h)
}

func (c *Connection) SetWriteHandler(h ConnHandler) {
	c.transport.SetWriteHandler(c, h)
}

func (c *Connection) HasReadHandler() bool  { return c.readHandler != nil }
func (c *Connection) HasWriteHandler() bool { return c.writeHandler != nil }

func (c *Connection) Close(doShutdown bool) error {
	if c.fd == -1 {
		return nil
	}
	c.generation++ // invalidate any in-flight "live" check first
	return c.transport.Close(c, doShutdown)
}

func (c *Connection) LastError() error {
	if c.state != StateError {
		return nil
	}
	if c.lastErr != nil {
		return c.lastErr
	}
	return c.lastErrno
}

func (c *Connection) Fd() int                   { return c.fd }
func (c *Connection) State() State              { return c.state }
func (c *Connection) Registrar() poll.Registrar { return c.registrar }

func (c *Connection) SetPrivateData(v any) { c.privateData = v }
func (c *Connection) PrivateData() any     { return c.privateData }

// HasPending satisfies poll.PendingChecker: it reports whether the
// transport is sitting on bytes a socket-readable event will never
// re-announce. The host loop's pending-watch hook uses this to re-arm the
// read handler even absent physical readiness.
func (c *Connection) HasPending() bool { return c.transport.HasPending(c) }

// generationGuard captures the live sentinel before a user callback runs;
// call stillLive after the callback returns to decide whether to keep
// dispatching further callbacks for the same event. A callback that closes
// the connection invalidates every later dispatch in that same round.
func (c *Connection) generationGuard() uint64 { return c.generation }
func (c *Connection) stillLive(g uint64) bool { return c.generation == g && c.fd != -1 }

// callHandler invokes h if non-nil and reports whether the connection is
// still live afterward.
func callHandler(c *Connection, h ConnHandler) bool {
	if h == nil {
		return true
	}
	g := c.generationGuard()
	h(c)
	return c.stillLive(g)
}
