package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"rconn/config"
	"rconn/conn"
	"rconn/internal/log"
	"rconn/poll"
	"rconn/util/pool"
)

// bufPool hands out reusable 4KB echo buffers. Capacity is the number of
// pooled buffers, not their size, so this caps retained memory at roughly
// 256*4KB regardless of how many connections have passed through.
var bufPool = pool.New(256, 32, func() interface{} { return make([]byte, 4096) })

var banner = `
________________  ___ ___
\______   \_   ___\/  |/  )
 |       _/    \  \/|  |  /
 |    |   \     \___|  |  \
 |____|_  /\______  /__|_ \
        \/        \/     \/
                     echoserver`

func main() {
	fmt.Println(banner)
	if len(os.Args) > 1 {
		config.LoadConfigs(os.Args[1])
	}

	if config.Properties.EnableTLS {
		if err := conn.ConfigureTLS(
			config.Properties.TLSCertFile,
			config.Properties.TLSKeyFile,
			config.Properties.TLSCAFile,
			config.Properties.TLSDHParams,
		); err != nil {
			log.Errorf("tls: initial configuration failed: %v", err)
			os.Exit(1)
		}
	}

	loop, err := poll.NewLoop()
	if err != nil {
		log.Errorf("poll: %v", err)
		os.Exit(1)
	}

	srv, err := newAcceptor(config.Properties.Address, loop)
	if err != nil {
		log.Errorf("listen: %v", err)
		os.Exit(1)
	}
	defer srv.close()

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info("shutting down echoserver...")
		close(stop)
	}()

	log.Info("echoserver listening on %s, tls=%v", config.Properties.Address, config.Properties.EnableTLS)
	if err := loop.Run(stop); err != nil {
		log.Errorf("event loop exited: %v", err)
	}
}

// acceptor owns the listening socket; it is registered with the registrar
// for Readable and drains every pending connection on each event, the same
// accept-until-EAGAIN pattern the teacher's epoll listener uses.
type acceptor struct {
	fd        int
	registrar poll.Registrar
	transport conn.Transport
}

func newAcceptor(address string, registrar poll.Registrar) (*acceptor, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("split address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	var addr [4]byte
	if host != "" {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("only IPv4 bind addresses are supported: %s", host)
		}
		copy(addr[:], ip.To4())
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	transport := conn.TCP
	if config.Properties.EnableTLS {
		transport = conn.TLSTransport
	}

	a := &acceptor{fd: fd, registrar: registrar, transport: transport}
	if err := registrar.Register(fd, poll.Readable, func(fd int, mask poll.Mask) {
		a.acceptReady()
	}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return a, nil
}

func (a *acceptor) acceptReady() {
	for {
		clientFd, _, err := unix.Accept(a.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			log.Errorf("accept: %v", err)
			return
		}
		if err := unix.SetNonblock(clientFd, true); err != nil {
			unix.Close(clientFd)
			continue
		}
		c := conn.NewAccepted(a.transport, a.registrar, clientFd)
		if err := c.Accept(onAccepted); err != nil {
			log.Errorf("accept handshake: %v", err)
			_ = c.Close(true)
		}
	}
}

func (a *acceptor) close() error {
	_ = a.registrar.Deregister(a.fd, poll.Readable)
	return unix.Close(a.fd)
}

// onAccepted wires the echo read handler onto a freshly connected
// Connection, regardless of whether it took a plain-TCP handshake or a
// TLS handshake to get there.
func onAccepted(c *conn.Connection) {
	c.SetReadHandler(echoRead)
}

func echoRead(c *conn.Connection) {
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	for {
		n, err := c.Read(buf)
		switch err {
		case nil:
			if n == 0 {
				_ = c.Close(true)
				return
			}
			if _, werr := c.Write(buf[:n]); werr != nil && werr != conn.ErrWouldBlock {
				_ = c.Close(true)
				return
			}
		case conn.ErrWouldBlock:
			return
		default:
			_ = c.Close(true)
			return
		}
	}
}
