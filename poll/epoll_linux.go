//go:build linux

package poll

import (
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	epollReadFlags  = unix.EPOLLIN
	epollWriteFlags = unix.EPOLLOUT
	epollCloseFlags = unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
)

type entry struct {
	handler Handler
	mask    Mask
}

// Loop is an epoll(7)-backed Registrar. It owns no connections; it only
// maps (fd, direction) to a callback and delivers readiness.
type Loop struct {
	epollFd int

	mu      sync.Mutex
	entries map[int]*entry
	pending map[int]PendingChecker
}

func NewLoop() (*Loop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Loop{
		epollFd: fd,
		entries: make(map[int]*entry),
		pending: make(map[int]PendingChecker),
	}, nil
}

func toEpollEvents(m Mask) uint32 {
	var events uint32
	if m.Has(Readable) {
		events |= epollReadFlags
	}
	if m.Has(Writable) {
		events |= epollWriteFlags
	}
	return events | epollCloseFlags
}

func (l *Loop) Register(fd int, dir Mask, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[fd]
	if !ok {
		e = &entry{}
		l.entries[fd] = e
	}
	e.handler = handler

	if e.mask.Has(dir) {
		// Idempotent: direction already registered, no epoll_ctl needed.
		return nil
	}
	newMask := e.mask | dir
	op := unix.EPOLL_CTL_MOD
	if e.mask == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: toEpollEvents(newMask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}
	e.mask = newMask
	return nil
}

func (l *Loop) Deregister(fd int, dir Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[fd]
	if !ok || !e.mask.Has(dir) {
		// Idempotent: already not registered.
		return nil
	}
	newMask := e.mask &^ dir
	if newMask == 0 {
		if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("epoll ctl del: %w", err)
		}
		delete(l.entries, fd)
		return nil
	}
	ev := unix.EpollEvent{Events: toEpollEvents(newMask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	e.mask = newMask
	return nil
}

func (l *Loop) Query(fd int) Mask {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[fd]; ok {
		return e.mask
	}
	return 0
}

// WatchPending registers pc to be consulted before every blocking wait: if
// HasPending() is true and a read direction is registered for its fd, a
// synthetic Readable event is delivered even though the socket itself
// never signaled one.
func (l *Loop) WatchPending(pc PendingChecker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[pc.Fd()] = pc
}

func (l *Loop) UnwatchPending(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, fd)
}

// drainPending synthesizes read events for connections with engine-buffered
// plaintext the socket will never signal on its own.
func (l *Loop) drainPending() {
	l.mu.Lock()
	type fire struct {
		fd      int
		handler Handler
	}
	var fires []fire
	for fd, pc := range l.pending {
		if !pc.HasPending() {
			continue
		}
		e, ok := l.entries[fd]
		if !ok || !e.mask.Has(Readable) {
			continue
		}
		fires = append(fires, fire{fd: fd, handler: e.handler})
	}
	l.mu.Unlock()

	for _, f := range fires {
		f.handler(f.fd, Readable)
	}
}

// Run blocks, dispatching readiness events until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		l.drainPending()

		waitMsec := 100
		if len(l.pending) > 0 {
			waitMsec = 0
		}
		n, err := unix.EpollWait(l.epollFd, events, waitMsec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			sysMask := events[i].Events

			l.mu.Lock()
			e, ok := l.entries[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}

			var mask Mask
			if sysMask&(epollReadFlags|unix.EPOLLRDHUP) != 0 {
				mask |= Readable
			}
			if sysMask&epollWriteFlags != 0 {
				mask |= Writable
			}
			if sysMask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				mask |= Readable | Writable
			}
			if mask != 0 {
				e.handler(fd, mask)
			}
		}
	}
}

func (l *Loop) Close() error {
	return syscall.Close(l.epollFd)
}
