// Package poll is the readiness registrar: it watches file descriptors and
// calls a handler when a descriptor can make progress in a given direction.
// conn.Connection depends only on the Registrar interface; Loop is a
// runnable reference implementation so the rest of this module has
// something real to drive against.
package poll

// Mask is a bitset of readiness directions.
type Mask uint8

const (
	Readable Mask = 1 << iota
	Writable
)

func (m Mask) Has(bit Mask) bool { return m&bit != 0 }

// Handler is called by the registrar when fd becomes ready in one or more
// of the directions in mask.
type Handler func(fd int, mask Mask)

// Registrar is the external collaborator the core treats as opaque:
// register/deregister interest in (fd, direction), and report the mask
// currently registered for a descriptor.
type Registrar interface {
	Register(fd int, dir Mask, handler Handler) error
	Deregister(fd int, dir Mask) error
	Query(fd int) Mask
}

// PendingChecker reports whether a connection is holding decrypted bytes
// that a socket-readable event will never re-signal.
// conn.Connection implements this; for plain-TCP connections HasPending is
// always false.
type PendingChecker interface {
	HasPending() bool
	Fd() int
}
