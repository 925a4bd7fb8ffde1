//go:build !linux

package poll

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Loop is a portable Registrar for platforms without epoll. It polls
// registered descriptors with select(2) instead of epoll -- slower, but it honors the same Register/Deregister/Query
// contract as the Linux implementation, which is all conn depends on.
type Loop struct {
	mu      sync.Mutex
	entries map[int]*entry
	pending map[int]PendingChecker
}

type entry struct {
	handler Handler
	mask    Mask
}

func NewLoop() (*Loop, error) {
	return &Loop{
		entries: make(map[int]*entry),
		pending: make(map[int]PendingChecker),
	}, nil
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
	e.mask |= dir
	return nil
}

func (l *Loop) Deregister(fd int, dir Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[fd]
	if !ok {
		return nil
	}
	e.mask &^= dir
	if e.mask == 0 {
		delete(l.entries, fd)
	}
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
		if e, ok := l.entries[fd]; ok && e.mask.Has(Readable) {
			fires = append(fires, fire{fd: fd, handler: e.handler})
		}
	}
	l.mu.Unlock()

	for _, f := range fires {
		f.handler(f.fd, Readable)
	}
}

// Run blocks, polling every registered fd with select(2) once per tick
// until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		l.drainPending()

		l.mu.Lock()
		var readFds, writeFds unix.FdSet
		maxFd := 0
		for fd, e := range l.entries {
			if e.mask.Has(Readable) {
				fdSet(&readFds, fd)
			}
			if e.mask.Has(Writable) {
				fdSet(&writeFds, fd)
			}
			if fd > maxFd {
				maxFd = fd
			}
		}
		l.mu.Unlock()

		if maxFd == 0 && len(l.pending) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		timeout := unix.Timeval{Sec: 0, Usec: 100000}
		n, err := unix.Select(maxFd+1, &readFds, &writeFds, nil, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("select: %w", err)
		}
		if n <= 0 {
			continue
		}

		l.mu.Lock()
		type fire struct {
			fd      int
			handler Handler
			mask    Mask
		}
		var fires []fire
		for fd, e := range l.entries {
			var mask Mask
			if fdIsSet(&readFds, fd) {
				mask |= Readable
			}
			if fdIsSet(&writeFds, fd) {
				mask |= Writable
			}
			if mask != 0 {
				fires = append(fires, fire{fd: fd, handler: e.handler, mask: mask})
			}
		}
		l.mu.Unlock()

		for _, f := range fires {
			f.handler(f.fd, f.mask)
		}
	}
}

func (l *Loop) Close() error { return nil }

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
