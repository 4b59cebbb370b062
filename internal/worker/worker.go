// Package worker implements one OS-scheduled goroutine owning one
// event loop, its connections, and its own interpreter state — the Go
// analogue of the teacher's per-thread design, minus the pthread
// plumbing the Go scheduler already gives us for free.
package worker

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bpowers/wrk/internal/config"
	"github.com/bpowers/wrk/internal/conn"
	"github.com/bpowers/wrk/internal/eloop"
	"github.com/bpowers/wrk/internal/script"
	"github.com/bpowers/wrk/internal/stats"
	"github.com/bpowers/wrk/internal/transport"
)

// RecordInterval is the window over which a worker samples its own
// instantaneous requests/sec, matching spec.md §4.5's 100ms constant.
const RecordInterval = 100 * time.Millisecond

// Worker owns everything needed to drive Connections count concurrent
// connections at one target for the life of a run.
type Worker struct {
	Index int

	cfg    *config.Config
	addr   *net.TCPAddr
	useTLS bool
	tlsCfg *tls.Config

	script *script.Script

	loop    *eloop.Loop
	conns   []*conn.Conn
	counter conn.Counters

	cache    *transport.SessionCache
	tlsStats *transport.Stats

	latency *stats.Histogram
	rate    *stats.Histogram
	stop    *atomic.Bool

	staticRequest []byte
	pipeline      int
	wantResponse  bool
	lastRequests  uint64
}

// New builds a Worker for connCount connections against cfg's target.
// scr is this worker's private Script instance (interpreter state is
// never shared across workers, per spec.md §5).
func New(idx int, cfg *config.Config, connCount int, scr *script.Script, tlsCfg *tls.Config, latency, rate *stats.Histogram, stop *atomic.Bool) *Worker {
	w := &Worker{
		Index:   idx,
		cfg:     cfg,
		useTLS:  cfg.Scheme == "https",
		tlsCfg:  tlsCfg,
		script:  scr,
		latency: latency,
		rate:    rate,
		stop:    stop,
	}
	if w.useTLS && cfg.TLSReuse {
		w.cache = &transport.SessionCache{}
	}
	if w.useTLS {
		w.tlsStats = &transport.Stats{}
	}
	w.conns = make([]*conn.Conn, connCount)
	return w
}

// TLSStats exposes this worker's session-cache counters, or nil for a
// plain-HTTP run; the coordinator sums these for the optional TLS
// counters report line.
func (w *Worker) TLSStats() *transport.Stats { return w.tlsStats }

// Counters returns this worker's local totals; valid only after Run
// has returned.
func (w *Worker) Counters() conn.Counters { return w.counter }

// Run resolves the destination, allocates connections, and drives the
// event loop until the shared stop flag is observed. It implements the
// full lifecycle of spec.md §4.5.
func (w *Worker) Run() error {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(w.cfg.Host, w.cfg.Port))
	if err != nil {
		return fmt.Errorf("worker %d: resolve %s: %w", w.Index, w.cfg.Host, err)
	}
	w.addr = addr

	if err := w.script.Init(w.Index, nil); err != nil {
		return fmt.Errorf("worker %d: script init: %w", w.Index, err)
	}

	w.pipeline = w.cfg.Pipeline
	if w.pipeline < 1 {
		w.pipeline = 1
	}
	if w.script.HasVerifyRequest() {
		if n, err := w.script.VerifyRequest(); err == nil && n > 0 {
			w.pipeline = n
		}
	}
	w.wantResponse = w.script.WantResponse()

	if w.script.IsStatic() {
		req, err := w.buildStaticRequest()
		if err != nil {
			return fmt.Errorf("worker %d: build request: %w", w.Index, err)
		}
		w.staticRequest = req
	}

	loop, err := eloop.Create(len(w.conns)*2 + 4)
	if err != nil {
		return fmt.Errorf("worker %d: event loop: %w", w.Index, err)
	}
	w.loop = loop

	for i := range w.conns {
		w.conns[i] = conn.New(i, w.cfg.Host, w.dialer, w.hooks(), w.loop, w.latency)
		if err := w.conns[i].Start(); err != nil {
			w.counter.Errors.Connect++
		}
	}

	w.loop.AddTimer(RecordInterval, w.onTick, nil)
	w.loop.Run()

	for _, c := range w.conns {
		c.Close()
	}
	_ = w.loop.Close()
	return nil
}

func (w *Worker) dialer() (transport.Transport, error) {
	tcpConn, err := transport.DialNonBlocking(w.addr, w.cfg.BindAddr)
	if err != nil {
		return nil, err
	}
	if !w.useTLS {
		return tcpConn, nil
	}
	return transport.NewTLS(tcpConn, w.tlsCfg, w.cache, w.tlsStats)
}

func (w *Worker) hooks() conn.Hooks {
	return conn.Hooks{
		Dynamic:        func() bool { return w.script.HasRequest() && !w.script.IsStatic() },
		DelayEnabled:   func() bool { return w.cfg.Delay && w.script.HasDelay() },
		NoKeepAlive:    w.cfg.NoKeepAlive,
		Pipeline:       uint64(w.pipeline),
		BuildRequest:   w.buildRequest,
		RequestDelayMs: w.script.Delay,
		OnResponse:     w.onResponse,
		WantResponse:   w.wantResponse,
		Counters:       &w.counter,
	}
}

func (w *Worker) buildRequest() ([]byte, error) {
	if w.staticRequest != nil {
		return w.staticRequest, nil
	}
	return w.script.Request()
}

// buildStaticRequest returns the bytes written on every fresh WRITE
// when the script doesn't redefine request() per send. When a script
// does define request(), the script owns the pipeline contract and is
// expected to return pipeline-many concatenated requests itself (the
// same responsibility the teacher's request()/pipeline scripts carry).
// The core's own fallback, plain-GET builder has no script to lean on,
// so it must honor the pipeline depth itself or a pipeline>1 run would
// write one request per cycle while conn.Conn waits for pipeline
// responses to it.
func (w *Worker) buildStaticRequest() ([]byte, error) {
	if w.script.HasRequest() {
		return w.script.Request()
	}
	return defaultRequest(w.cfg, w.pipeline), nil
}

func (w *Worker) onResponse(status int, headers [][2]string, body []byte) {
	if err := w.script.Response(status, headers, body); err != nil {
		w.counter.Errors.Status++
	}
}

// onTick is the RECORD_INTERVAL_MS timer: it samples this worker's
// request throughput into the shared rate histogram and checks the
// stop flag.
func (w *Worker) onTick(l *eloop.Loop, id int64, data any) time.Duration {
	if w.stop.Load() {
		l.Stop()
		return eloop.NoMore
	}

	now := w.counter.Requests
	delta := now - w.lastRequests
	w.lastRequests = now

	perSec := uint64(float64(delta) / RecordInterval.Seconds())
	w.rate.Record(perSec)

	return RecordInterval
}

// defaultRequest builds a plain HTTP/1.1 GET request from cfg when no
// script defines request(), matching the wire contract in spec.md §6,
// repeated pipeline times so the single buffer one WRITE sends already
// carries the number of requests conn.Conn's pending counter expects
// responses for.
func defaultRequest(cfg *config.Config, pipeline int) []byte {
	host := cfg.Host
	if cfg.Port != "" && cfg.Port != "80" && cfg.Port != "443" {
		host = net.JoinHostPort(cfg.Host, cfg.Port)
	}
	req := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n", host)
	hasUA := false
	for _, h := range cfg.Headers {
		req += fmt.Sprintf("%s: %s\r\n", h[0], h[1])
		if strings.EqualFold(h[0], "User-Agent") {
			hasUA = true
		}
	}
	if !hasUA {
		req += "User-Agent: wrk/4.0\r\n"
	}
	if cfg.NoKeepAlive {
		req += "Connection: close\r\n"
	}
	req += "\r\n"
	if pipeline < 1 {
		pipeline = 1
	}
	return []byte(strings.Repeat(req, pipeline))
}
