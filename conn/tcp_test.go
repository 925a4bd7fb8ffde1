package conn

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"rconn/poll"
)

// listenLoopback binds an ephemeral, non-blocking IPv4 loopback listener
// and returns its fd and bound port.
func listenLoopback(t *testing.T) (int, int) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port
	t.Cleanup(func() { unix.Close(fd) })
	return fd, port
}

func runLoop(t *testing.T, loop *poll.Loop) (stop func()) {
	t.Helper()
	stopCh := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- loop.Run(stopCh) }()
	return func() {
		close(stopCh)
		<-done
	}
}

func acceptEchoing(t *testing.T, listenFd int, loop *poll.Loop, accepted chan<- *Connection) {
	t.Helper()
	err := loop.Register(listenFd, poll.Readable, func(fd int, mask poll.Mask) {
		for {
			clientFd, _, err := unix.Accept(listenFd)
			if err != nil {
				return
			}
			_ = unix.SetNonblock(clientFd, true)
			c := NewAccepted(TCP, loop, clientFd)
			if err := c.Accept(func(c *Connection) {
				c.SetReadHandler(func(c *Connection) { echoOnce(t, c) })
				accepted <- c
			}); err != nil {
				t.Errorf("Accept: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatalf("register listener: %v", err)
	}
}

func echoOnce(t *testing.T, c *Connection) {
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		switch err {
		case nil:
			if n == 0 {
				_ = c.Close(true)
				return
			}
			if _, werr := c.Write(buf[:n]); werr != nil {
				t.Errorf("echo write: %v", werr)
			}
		case ErrWouldBlock:
			return
		default:
			_ = c.Close(true)
			return
		}
	}
}

func TestTCPEcho(t *testing.T) {
	loop, err := poll.NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	listenFd, port := listenLoopback(t)
	accepted := make(chan *Connection, 1)
	acceptEchoing(t, listenFd, loop, accepted)

	stop := runLoop(t, loop)
	defer stop()

	connected := make(chan error, 1)
	received := make(chan []byte, 1)

	client := NewOutbound(TCP, loop)
	err = client.Connect("127.0.0.1", port, "", func(c *Connection) {
		if c.State() == StateError {
			connected <- c.LastError()
			return
		}
		c.SetReadHandler(func(c *Connection) {
			buf := make([]byte, 4096)
			n, rerr := c.Read(buf)
			if rerr == ErrWouldBlock {
				return
			}
			if rerr != nil {
				connected <- rerr
				return
			}
			received <- append([]byte(nil), buf[:n]...)
		})
		connected <- nil
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-connected:
		if err != nil {
			t.Fatalf("connect callback reported error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect completion")
	}

	<-accepted // make sure the server side finished its own handshake

	payload := []byte("hello, echo")
	if n, werr := client.Write(payload); werr != nil || n != len(payload) {
		t.Fatalf("client write = (%d, %v)", n, werr)
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Fatalf("echoed payload = %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed payload")
	}

	_ = client.Close(true)
}

func TestTCPPeerClose(t *testing.T) {
	loop, err := poll.NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	listenFd, port := listenLoopback(t)
	accepted := make(chan *Connection, 1)
	err = loop.Register(listenFd, poll.Readable, func(fd int, mask poll.Mask) {
		clientFd, _, aerr := unix.Accept(listenFd)
		if aerr != nil {
			return
		}
		_ = unix.SetNonblock(clientFd, true)
		c := NewAccepted(TCP, loop, clientFd)
		_ = c.Accept(func(c *Connection) { accepted <- c })
	})
	if err != nil {
		t.Fatalf("register listener: %v", err)
	}

	stop := runLoop(t, loop)
	defer stop()

	client := NewOutbound(TCP, loop)
	connected := make(chan struct{}, 1)
	if err := client.Connect("127.0.0.1", port, "", func(c *Connection) { connected <- struct{}{} }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-connected

	var server *Connection
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side accept")
	}

	closedCh := make(chan struct{}, 1)
	server.SetReadHandler(func(c *Connection) {
		n, rerr := c.Read(make([]byte, 16))
		if rerr == nil && n == 0 {
			closedCh <- struct{}{}
		}
	})

	_ = client.Close(true)

	select {
	case <-closedCh:
		if server.State() != StateClosed {
			t.Fatalf("server state after peer close = %v, want StateClosed", server.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer-close notification")
	}
}
