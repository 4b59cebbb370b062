// Package coordinator implements the top-level run: spawn workers,
// sleep for the test duration, signal stop, join, aggregate, and
// render the report — spec.md §4.6.
package coordinator

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bpowers/wrk/internal/config"
	"github.com/bpowers/wrk/internal/conn"
	"github.com/bpowers/wrk/internal/report"
	"github.com/bpowers/wrk/internal/script"
	"github.com/bpowers/wrk/internal/stats"
	"github.com/bpowers/wrk/internal/transport"
	"github.com/bpowers/wrk/internal/worker"
)

// rateLimit bounds the rate histogram's bucket count; requests/sec per
// worker-window never realistically approaches this, so it is sized
// generously rather than computed from load parameters.
const rateLimit = 10_000_000

// Coordinator owns Config and the two shared histograms, and is the
// only component that talks to every worker.
type Coordinator struct {
	cfg *config.Config
	log *logrus.Logger

	latency *stats.Histogram
	rate    *stats.Histogram
	stop    atomic.Bool

	tlsCfg *tls.Config
}

// New builds a Coordinator for cfg. log may be nil, in which case a
// logger writing to stderr at Info level is created, matching the
// teacher's pattern of a package-level logger configured once at
// startup.
func New(cfg *config.Config, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
	}
	c := &Coordinator{
		cfg:     cfg,
		log:     log,
		latency: stats.New(cfg.TimeoutMicros()),
		rate:    stats.New(rateLimit),
	}
	if cfg.Scheme == "https" {
		c.tlsCfg = &tls.Config{ServerName: cfg.Host}
	}
	return c
}

// Run spawns cfg.Threads workers, waits out the duration, aggregates
// results, and writes the report to w. It returns a non-nil error only
// for fatal conditions (§7): DNS failure surfaces per-worker inside
// Run; a total startup failure of every worker is reported here.
func (c *Coordinator) Run(w io.Writer) error {
	c.installSignalHandler()

	start := time.Now()

	perThread := c.cfg.ConnectionsPerThread()
	workers := make([]*worker.Worker, c.cfg.Threads)
	scripts := make([]*script.Script, c.cfg.Threads)

	for i := 0; i < c.cfg.Threads; i++ {
		predeclared := script.RequestsModule()
		scr, err := script.Load(c.cfg.ScriptPath, predeclared)
		if err != nil {
			return fmt.Errorf("coordinator: loading script for worker %d: %w", i, err)
		}
		scripts[i] = scr
		workers[i] = worker.New(i, c.cfg, perThread[i], scr, c.tlsCfg, c.latency, c.rate, &c.stop)
	}

	var wg sync.WaitGroup
	runErrs := make([]error, len(workers))
	for i, wk := range workers {
		wg.Add(1)
		go func(i int, wk *worker.Worker) {
			defer wg.Done()
			if err := wk.Run(); err != nil {
				runErrs[i] = err
				c.log.WithError(err).WithField("worker", i).Error("worker exited with error")
			}
		}(i, wk)
	}

	if !c.cfg.Quiet {
		fmt.Fprintf(w, "Running %s test @ %s\n", c.cfg.Duration, c.cfg.URL)
	}

	time.Sleep(c.cfg.Duration)
	c.stop.Store(true)
	wg.Wait()

	failed := 0
	for _, err := range runErrs {
		if err != nil {
			failed++
		}
	}
	if failed == len(workers) {
		return fmt.Errorf("coordinator: all %d workers failed to start", len(workers))
	}

	runtime := time.Since(start)

	totals := conn.Counters{}
	var tlsStats *transport.Stats
	for _, wk := range workers {
		wc := wk.Counters()
		totals.Complete += wc.Complete
		totals.Requests += wc.Requests
		totals.Bytes += wc.Bytes
		totals.Errors.Connect += wc.Errors.Connect
		totals.Errors.Read += wc.Errors.Read
		totals.Errors.Write += wc.Errors.Write
		totals.Errors.Timeout += wc.Errors.Timeout
		totals.Errors.Status += wc.Errors.Status
		if ts := wk.TLSStats(); ts != nil {
			if tlsStats == nil {
				tlsStats = &transport.Stats{}
			}
			tlsStats.Connects.Add(ts.Connects.Load())
			tlsStats.Hits.Add(ts.Hits.Load())
			tlsStats.Misses.Add(ts.Misses.Load())
		}
	}

	if totals.Complete > 0 {
		perConn := totals.Complete / uint64(c.cfg.Connections)
		if perConn > 0 {
			interval := uint64(runtime/time.Microsecond) / perConn
			c.latency.Correct(interval)
		}
	}

	if !c.cfg.Quiet {
		report.Write(w, report.Result{
			Connections:   c.cfg.Connections,
			Threads:       c.cfg.Threads,
			Runtime:       runtime.Seconds(),
			Totals:        totals,
			Latency:       c.latency,
			Rate:          c.rate,
			LatencyDetail: c.cfg.LatencyDetail,
			TLS:           tlsStats,
		})
	}

	for _, scr := range scripts {
		if !scr.HasDone() {
			continue
		}
		durationUs := uint64(runtime / time.Microsecond)
		if err := scr.Summary(durationUs, totals.Requests, totals.Bytes); err != nil {
			c.log.WithError(err).Warn("script summary hook failed")
		}
		if err := scr.Errors(totals.Errors.Connect, totals.Errors.Read, totals.Errors.Write, totals.Errors.Timeout, totals.Errors.Status); err != nil {
			c.log.WithError(err).Warn("script errors hook failed")
		}
		if err := scr.Done(c.histSummary(c.latency), c.histSummary(c.rate)); err != nil {
			c.log.WithError(err).Warn("script done hook failed")
		}
	}

	return nil
}

func (c *Coordinator) histSummary(h *stats.Histogram) script.HistSummary {
	mean := h.Mean()
	return script.HistSummary{
		Min:   h.Min(),
		Max:   h.Max(),
		Mean:  mean,
		Stdev: h.Stdev(mean),
		Count: h.Count(),
		P50:   h.Percentile(50),
		P75:   h.Percentile(75),
		P90:   h.Percentile(90),
		P99:   h.Percentile(99),
	}
}

// installSignalHandler mirrors spec.md §9: only the atomic stop flag
// is ever written from signal-handling code, and SIGPIPE is ignored
// for the life of the process (crypto/tls and raw writes to a peer
// that has reset the connection would otherwise raise it on some
// platforms; Go itself never delivers SIGPIPE for socket writes, but
// we still install the no-op handler so a script's subprocess calls
// cannot take the process down).
func (c *Coordinator) installSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGPIPE)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGPIPE {
				continue
			}
			c.stop.Store(true)
		}
	}()
}
