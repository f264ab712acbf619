//go:build linux

package gateway

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// platformOpenListener opens the raw, non-blocking socket (or adopts
// stdio) for mode/addr, exactly as spec.md §4.F describes: accept4
// non-blocking, SO_REUSEADDR for TCP, LISTEN_BACKLOG 50 for unix-socket
// mode (applied to both socket modes here for consistency).
func platformOpenListener(mode Mode, addr string) (Listener, error) {
	switch mode {
	case Stdio:
		if err := unix.SetNonblock(0, true); err != nil {
			return nil, fmt.Errorf("gateway: set stdin nonblocking: %w", err)
		}
		if err := unix.SetNonblock(1, true); err != nil {
			return nil, fmt.Errorf("gateway: set stdout nonblocking: %w", err)
		}
		return &stdioListener{}, nil
	case Unix:
		return openUnixListener(addr)
	case TCP:
		return openTCPListener(addr)
	default:
		return nil, fmt.Errorf("gateway: unsupported mode %v", mode)
	}
}

func openUnixListener(path string) (Listener, error) {
	_ = os.Remove(path) // spec.md §5: the socket path is unlinked on close; also clear a stale one on start
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gateway: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("gateway: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("gateway: listen %s: %w", path, err)
	}
	return &sockListener{fd: fd, unlinkPath: path}, nil
}

func openTCPListener(addr string) (Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: tcp addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("gateway: tcp port %q: %w", portStr, err)
	}
	var ip4 [4]byte
	if host != "" && host != "0.0.0.0" {
		parsed := net.ParseIP(host)
		if parsed == nil || parsed.To4() == nil {
			return nil, fmt.Errorf("gateway: tcp addr %q: not an IPv4 host", addr)
		}
		copy(ip4[:], parsed.To4())
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gateway: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("gateway: SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: ip4}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("gateway: bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("gateway: listen :%d: %w", port, err)
	}
	return &sockListener{fd: fd}, nil
}

// sockListener backs both unix-socket and TCP mode.
type sockListener struct {
	fd         int
	unlinkPath string
}

func (l *sockListener) Fd() int { return l.fd }

func (l *sockListener) AcceptNonblock() (Conn, error) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("gateway: accept4: %w", err)
	}
	return &sockConn{fd: nfd}, nil
}

func (l *sockListener) Close() error {
	err := unix.Close(l.fd)
	if l.unlinkPath != "" {
		_ = os.Remove(l.unlinkPath)
	}
	return err
}

type sockConn struct{ fd int }

func (c *sockConn) Fd() int { return c.fd }

func (c *sockConn) Read(buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("gateway: read: %w", err)
	}
	return n, nil
}

func (c *sockConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return n, fmt.Errorf("gateway: write: %w", err)
	}
	return n, nil
}

func (c *sockConn) Close() error { return unix.Close(c.fd) }

// stdioListener's single AcceptNonblock call adopts fd 0/1 as the active
// connection; there is nothing further to listen on.
type stdioListener struct{ adopted bool }

func (l *stdioListener) Fd() int { return 0 }

func (l *stdioListener) AcceptNonblock() (Conn, error) {
	if l.adopted {
		return nil, ErrWouldBlock
	}
	l.adopted = true
	return &stdioConn{}, nil
}

func (l *stdioListener) Close() error { return nil }

type stdioConn struct{}

func (stdioConn) Fd() int { return 0 }

func (stdioConn) Read(buf []byte) (int, error) {
	n, err := unix.Read(0, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("gateway: stdin read: %w", err)
	}
	return n, nil
}

func (stdioConn) Write(p []byte) (int, error) {
	n, err := unix.Write(1, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return n, fmt.Errorf("gateway: stdout write: %w", err)
	}
	return n, nil
}

func (stdioConn) Close() error { return nil }
