package conn

import (
	"time"

	"rconn/poll"
)

// Transport is the only polymorphism point: the capability set a concrete
// transport (plain TCP, TLS) must expose. conn.Connection dispatches every
// public method straight through to it.
type Transport interface {
	Connect(c *Connection, host string, port int, srcAddr string, onDone ConnHandler) error
	BlockingConnect(c *Connection, host string, port int, timeout time.Duration) error
	Accept(c *Connection, onDone ConnHandler) error

	Read(c *Connection, buf []byte) (int, error)
	Write(c *Connection, buf []byte) (int, error)

	SetReadHandler(c *Connection, h ConnHandler)
	SetWriteHandler(c *Connection, h ConnHandler)

	SyncRead(c *Connection, buf []byte, timeout time.Duration) (int, error)
	SyncWrite(c *Connection, buf []byte, timeout time.Duration) (int, error)
	SyncReadLine(c *Connection, timeout time.Duration) (string, error)

	Close(c *Connection, doShutdown bool) error
	LastError(c *Connection) error

	// EventHandler is invoked by the registrar on physical readiness; it
	// advances the connection's state machine and dispatches user
	// callbacks.
	EventHandler(c *Connection, mask poll.Mask)

	// HasPending reports whether the transport is holding bytes the
	// caller hasn't read yet that no further socket event will announce.
	// The TCP transport always answers false.
	HasPending(c *Connection) bool
}
