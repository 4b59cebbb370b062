// Package transport abstracts plain TCP and TLS connections behind a
// uniform {OK, Retry, Err} non-blocking result discipline, so the
// connection state machine never branches on scheme.
package transport

// Result is the outcome of a non-blocking transport operation.
type Result int

const (
	// OK means the operation completed (possibly partially, for
	// Read/Write — see the n out-param).
	OK Result = iota
	// Retry means the operation would block; the caller should
	// re-register for readiness and return to the event loop.
	Retry
	// Err triggers the connection's error path (count + reconnect).
	Err
)

// RecvBufSize is the size of the buffer Read fills per call.
const RecvBufSize = 16 * 1024

// Transport is the capability interface a Conn holds one instance of.
type Transport interface {
	// Connect drives any handshake forward against host. On TLS with a
	// session cache slot installed, it must consult the cache before
	// the handshake and capture the negotiated session back into it on
	// success.
	Connect(host string) Result
	// Read fills buf with up to len(buf) bytes, reporting how many were
	// read in n. OK with n == 0 means EOF.
	Read(buf []byte) (n int, res Result)
	// Write writes up to len(buf) bytes, reporting how many were
	// written in n. Partial writes are allowed.
	Write(buf []byte) (n int, res Result)
	// Close releases transport state. It must be idempotent and must
	// never return an error to the caller.
	Close()
	// Readable reports whether the transport has buffered application
	// data ready without an additional syscall. Both concrete
	// transports always return false: plain TCP has no such buffer, and
	// the TLS transport cannot inspect crypto/tls's buffered records.
	Readable() bool
}

// Fd exposes the underlying file descriptor for event-loop
// registration. Both concrete transports implement it.
type Fd interface {
	RawFD() int
}
