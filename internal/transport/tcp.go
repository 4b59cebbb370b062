package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// TCP is the plain, unencrypted transport. It owns a non-blocking
// socket file descriptor set up with TCP_NODELAY and SO_REUSEADDR, the
// way wrk's connect_socket does before handing the fd to the event
// loop.
type TCP struct {
	fd          int
	connecting  bool
	connectDone bool
}

var _ Transport = (*TCP)(nil)
var _ Fd = (*TCP)(nil)

// DialNonBlocking creates a non-blocking TCP socket toward addr and
// starts an asynchronous connect. bindAddr, if non-empty, is a numeric
// source address to bind before connecting (spec's optional
// source-address bind).
func DialNonBlocking(addr *net.TCPAddr, bindAddr string) (*TCP, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if bindAddr != "" {
		src := net.ParseIP(bindAddr)
		if src != nil {
			if sa := sockaddrFromIP(src, 0); sa != nil {
				if err := unix.Bind(fd, sa); err != nil {
					unix.Close(fd)
					return nil, err
				}
			}
		}
	}

	sa := sockaddrFromIP(addr.IP, addr.Port)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	}

	return &TCP{fd: fd, connecting: true}, nil
}

func sockaddrFromIP(ip net.IP, port int) unix.Sockaddr {
	if v4 := ip.To4(); v4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], v4)
		return &sa
	}
	var sa unix.SockaddrInet6
	sa.Port = port
	copy(sa.Addr[:], ip.To16())
	return &sa
}

// RawFD returns the underlying socket descriptor for event-loop
// registration.
func (t *TCP) RawFD() int { return t.fd }

// Connect finishes the asynchronous TCP handshake by checking
// SO_ERROR; plain TCP has no handshake of its own beyond that.
func (t *TCP) Connect(host string) Result {
	if t.connectDone {
		return OK
	}
	errno, err := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return Err
	}
	switch errno {
	case 0:
		t.connectDone = true
		t.connecting = false
		return OK
	case int(unix.EINPROGRESS), int(unix.EALREADY):
		return Retry
	default:
		return Err
	}
}

func (t *TCP) Read(buf []byte) (int, Result) {
	n, err := unix.Read(t.fd, buf)
	if err == nil {
		return n, OK
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return 0, Retry
	}
	return 0, Err
}

func (t *TCP) Write(buf []byte) (int, Result) {
	n, err := unix.Write(t.fd, buf)
	if err == nil {
		return n, OK
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return 0, Retry
	}
	return 0, Err
}

// Close is idempotent: it tolerates being called on an already-closed
// fd.
func (t *TCP) Close() {
	if t.fd >= 0 {
		_ = unix.Close(t.fd)
		t.fd = -1
	}
}

// Readable is always false for plain TCP: there is no transport-level
// buffering beyond the kernel socket buffer, which readiness already
// covers.
func (t *TCP) Readable() bool { return false }
