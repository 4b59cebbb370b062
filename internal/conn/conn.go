// Package conn implements the per-connection state machine:
// connect -> write -> read -> parse -> record -> repeat/reconnect,
// including the delayed-write pause, pipelining, and TLS overlay. It
// is driven entirely by the owning worker's event loop; a Conn never
// talks to another worker's state.
package conn

import (
	"time"

	"github.com/bpowers/wrk/internal/clock"
	"github.com/bpowers/wrk/internal/eloop"
	"github.com/bpowers/wrk/internal/httpparse"
	"github.com/bpowers/wrk/internal/stats"
	"github.com/bpowers/wrk/internal/transport"
)

// Errors tallies the error taxonomy from spec §7, scoped to one
// worker (the coordinator sums these across workers).
type Errors struct {
	Connect uint64
	Read    uint64
	Write   uint64
	Timeout uint64
	Status  uint64
}

// Counters are the per-worker totals the coordinator sums after join.
type Counters struct {
	Complete uint64
	Requests uint64
	Bytes    uint64
	Errors   Errors
}

// Hooks lets the connection state machine call back into the owning
// worker without holding a pointer to the concrete Worker type
// (breaks the cyclic conn<->worker<->loop dependency per spec §9).
type Hooks struct {
	// Dynamic reports whether request bytes must be refetched from the
	// script on every write.
	Dynamic func() bool
	// DelayEnabled reports whether a per-request delay should be
	// requested from the script before each fresh write.
	DelayEnabled func() bool
	// NoKeepAlive forces a reconnect after every response.
	NoKeepAlive bool
	// Pipeline is the configured pipeline depth.
	Pipeline uint64
	// BuildRequest returns the request bytes to send; called once if
	// static, or on every write if Dynamic().
	BuildRequest func() ([]byte, error)
	// RequestDelayMs asks the script for the next delay.
	RequestDelayMs func() (uint64, error)
	// OnResponse is called once per completed response when a
	// response hook is registered upstream; fields are only populated
	// when WantResponse is true.
	OnResponse func(status int, headers [][2]string, body []byte)
	// WantResponse gates header/body capture entirely.
	WantResponse bool
	// Counters is the shared per-worker counters block.
	Counters *Counters
}

type phase int

const (
	phaseConnecting phase = iota
	phaseWriting
	phaseReading
)

// headerState tracks the FIELD/VALUE latch for header capture.
type headerState int

const (
	headerField headerState = iota
	headerValue
)

// Conn owns one socket, its parser, capture buffers and reconnection
// policy. Its index into the worker's connection slice is stable for
// its lifetime; it never migrates between workers.
type Conn struct {
	idx    int
	hooks  Hooks
	dialer func() (transport.Transport, error)
	host   string

	tr     transport.Transport
	parser *httpparse.Parser
	loop   *eloop.Loop
	lat    *stats.Histogram

	phase   phase
	request []byte
	written int
	pending uint64
	start   uint64
	delayed bool

	bodyBuf  []byte
	headers  [][2]string
	hdrState headerState
}

// New constructs a Conn at index idx. dialer creates a fresh Transport
// (plain TCP or TLS, pre-wired with session reuse) each time the
// connection (re)connects.
func New(idx int, host string, dialer func() (transport.Transport, error), hooks Hooks, loop *eloop.Loop, lat *stats.Histogram) *Conn {
	c := &Conn{
		idx:    idx,
		hooks:  hooks,
		dialer: dialer,
		host:   host,
		loop:   loop,
		lat:    lat,
	}
	c.parser = httpparse.New(httpparse.Callbacks{
		OnHeaderField:     c.onHeaderField,
		OnHeaderValue:     c.onHeaderValue,
		OnBody:            c.onBody,
		OnMessageComplete: c.onMessageComplete,
	})
	return c
}

// Index returns this connection's stable slot in the owning worker's
// connection array.
func (c *Conn) Index() int { return c.idx }

// Start begins the CONNECTING phase on a freshly dialed transport.
func (c *Conn) Start() error {
	tr, err := c.dialer()
	if err != nil {
		c.hooks.Counters.Errors.Connect++
		return err
	}
	c.tr = tr
	c.phase = phaseConnecting
	fd := tr.(transport.Fd).RawFD()
	return c.loop.AddFD(fd, eloop.Read|eloop.Write, c.onReadiness, nil)
}

func (c *Conn) onReadiness(loop *eloop.Loop, fd int, data any, mask eloop.Mask) {
	switch c.phase {
	case phaseConnecting:
		c.driveConnect()
	case phaseWriting:
		if mask&eloop.Write != 0 {
			c.driveWrite()
		}
		if mask&eloop.Read != 0 {
			c.driveRead()
		}
	case phaseReading:
		if mask&eloop.Read != 0 {
			c.driveRead()
		}
		if mask&eloop.Write != 0 {
			c.driveWrite()
		}
	}
}

func (c *Conn) driveConnect() {
	switch c.tr.Connect(c.host) {
	case transport.OK:
		c.parser.Reset()
		c.written = 0
		c.phase = phaseWriting
	case transport.Err:
		c.hooks.Counters.Errors.Connect++
		c.reconnect()
	case transport.Retry:
		// stay registered; the event loop will call us again
	}
}

func (c *Conn) driveWrite() {
	if c.delayed {
		return
	}

	if c.written == 0 {
		if c.hooks.Dynamic() || c.request == nil {
			req, err := c.hooks.BuildRequest()
			if err != nil {
				c.hooks.Counters.Errors.Write++
				c.reconnect()
				return
			}
			c.request = req
		}
		c.start = clock.NowMicros()
		c.pending = c.hooks.Pipeline
		if c.pending == 0 {
			c.pending = 1
		}
	}

	buf := c.request[c.written:]
	n, res := c.tr.Write(buf)
	switch res {
	case transport.Err:
		c.hooks.Counters.Errors.Write++
		c.reconnect()
		return
	case transport.Retry:
		return
	}

	c.written += n
	if c.written == len(c.request) {
		c.written = 0
		fd := c.tr.(transport.Fd).RawFD()
		_ = c.loop.DelFD(fd, eloop.Write)
		c.phase = phaseReading
	}
}

func (c *Conn) driveRead() {
	var buf [transport.RecvBufSize]byte
	for {
		n, res := c.tr.Read(buf[:])
		switch res {
		case transport.Err:
			c.hooks.Counters.Errors.Read++
			c.reconnect()
			return
		case transport.Retry:
			return
		}

		if n == 0 && !c.parser.BodyIsFinal() {
			c.hooks.Counters.Errors.Read++
			c.reconnect()
			return
		}

		consumed := c.parser.Execute(buf[:n])
		if consumed != n {
			c.hooks.Counters.Errors.Read++
			c.reconnect()
			return
		}
		c.hooks.Counters.Bytes += uint64(n)

		if n != transport.RecvBufSize || !c.tr.Readable() {
			break
		}
	}
}

func (c *Conn) onHeaderField(b []byte) {
	if !c.hooks.WantResponse {
		return
	}
	if c.hdrState == headerValue {
		c.headers = append(c.headers, [2]string{})
		c.hdrState = headerField
	}
	if len(c.headers) == 0 {
		c.headers = append(c.headers, [2]string{})
	}
	last := &c.headers[len(c.headers)-1]
	last[0] += string(b)
}

func (c *Conn) onHeaderValue(b []byte) {
	if !c.hooks.WantResponse {
		return
	}
	c.hdrState = headerValue
	last := &c.headers[len(c.headers)-1]
	last[1] += string(b)
}

func (c *Conn) onBody(b []byte) {
	if !c.hooks.WantResponse {
		return
	}
	c.bodyBuf = append(c.bodyBuf, b...)
}

func (c *Conn) onMessageComplete() {
	now := clock.NowMicros()
	status := c.parser.StatusCode

	c.hooks.Counters.Complete++
	c.hooks.Counters.Requests++
	if status >= 400 {
		c.hooks.Counters.Errors.Status++
	}

	if c.hooks.WantResponse && c.hooks.OnResponse != nil {
		c.hooks.OnResponse(status, c.headers, c.bodyBuf)
		c.headers = c.headers[:0]
		c.bodyBuf = c.bodyBuf[:0]
		c.hdrState = headerField
	}

	if c.pending > 0 {
		c.pending--
	}
	if c.pending == 0 {
		if !c.lat.Record(now - c.start) {
			c.hooks.Counters.Errors.Timeout++
		}
		c.delayed = c.hooks.DelayEnabled()
		fd := c.tr.(transport.Fd).RawFD()
		if c.delayed {
			delayMs, err := c.hooks.RequestDelayMs()
			if err != nil {
				delayMs = 0
			}
			_ = c.loop.DelFD(fd, eloop.Write)
			c.scheduleUndelay(fd, delayMs)
		} else {
			_ = c.loop.AddFD(fd, eloop.Read|eloop.Write, c.onReadiness, nil)
		}
	}

	if c.hooks.NoKeepAlive || !c.parser.ShouldKeepAlive() {
		c.reconnect()
		return
	}
	c.parser.Reset()
}

// scheduleUndelay installs the timer that clears the delayed flag and
// re-registers for WRITE, mirroring delay_request in wrk.c.
func (c *Conn) scheduleUndelay(fd int, delayMs uint64) {
	c.loop.AddTimer(time.Duration(delayMs)*time.Millisecond, func(l *eloop.Loop, id int64, data any) time.Duration {
		c.delayed = false
		_ = l.AddFD(fd, eloop.Read|eloop.Write, c.onReadiness, nil)
		return eloop.NoMore
	}, nil)
}

func (c *Conn) reconnect() {
	if c.tr != nil {
		fd := c.tr.(transport.Fd).RawFD()
		_ = c.loop.DelFD(fd, eloop.Read|eloop.Write)
		c.tr.Close()
	}
	_ = c.Start()
}

// Close tears the connection down for good (worker teardown path).
func (c *Conn) Close() {
	if c.tr != nil {
		fd := c.tr.(transport.Fd).RawFD()
		_ = c.loop.DelFD(fd, eloop.Read|eloop.Write)
		c.tr.Close()
	}
}
