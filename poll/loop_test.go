package poll

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterIdempotent(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer l.Close()

	a, _ := socketPair(t)

	calls := 0
	h := func(fd int, mask Mask) { calls++ }

	if err := l.Register(a, Readable, h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.Register(a, Readable, h); err != nil {
		t.Fatalf("re-register same direction: %v", err)
	}
	if got := l.Query(a); got != Readable {
		t.Fatalf("query after idempotent register = %v, want Readable", got)
	}

	if err := l.Register(a, Writable, h); err != nil {
		t.Fatalf("register writable: %v", err)
	}
	if got := l.Query(a); got != Readable|Writable {
		t.Fatalf("query after adding writable = %v, want both", got)
	}

	if err := l.Deregister(a, Readable); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if got := l.Query(a); got != Writable {
		t.Fatalf("query after deregister readable = %v, want Writable", got)
	}

	if err := l.Deregister(a, Readable); err != nil {
		t.Fatalf("deregistering an already-clear direction should be a no-op: %v", err)
	}
}

type fakePending struct {
	fd      int
	pending bool
}

func (f *fakePending) Fd() int          { return f.fd }
func (f *fakePending) HasPending() bool { return f.pending }

func TestDrainPendingSynthesizesRead(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer l.Close()

	a, b := socketPair(t)

	fired := make(chan Mask, 1)
	if err := l.Register(a, Readable, func(fd int, mask Mask) { fired <- mask }); err != nil {
		t.Fatalf("register: %v", err)
	}

	pc := &fakePending{fd: a, pending: true}
	l.WatchPending(pc)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- l.Run(stop) }()
	defer func() {
		close(stop)
		<-done
	}()

	select {
	case mask := <-fired:
		if !mask.Has(Readable) {
			t.Fatalf("synthesized event mask = %v, want Readable set", mask)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthesized pending-read event")
	}

	_ = b // keep the peer end alive for the duration of the test
}
