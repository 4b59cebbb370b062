// Package report renders the stdout summary spec.md §6 describes:
// banner, Thread Stats table, optional percentile table, totals,
// optional error lines, throughput, and optional TLS counters.
package report

import (
	"fmt"
	"io"

	"github.com/bpowers/wrk/internal/conn"
	"github.com/bpowers/wrk/internal/stats"
	"github.com/bpowers/wrk/internal/transport"
)

// Result is everything the coordinator has on hand once workers have
// joined; Write formats it to w exactly once.
type Result struct {
	Connections   int
	Threads       int
	Runtime       float64 // seconds
	Totals        conn.Counters
	Latency       *stats.Histogram
	Rate          *stats.Histogram
	LatencyDetail bool
	TLS           *transport.Stats // nil if the run was plain HTTP
}

// Write renders Result to w in the order spec.md §6 documents.
func Write(w io.Writer, r Result) {
	fmt.Fprintf(w, "Running %.0fs test @ (%d threads, %d connections)\n", r.Runtime, r.Threads, r.Connections)

	fmt.Fprintf(w, "  Thread Stats%6s%11s%8s%10s\n", "Avg", "Stdev", "Max", "+/- Stdev")
	writeStatLine(w, "Latency", r.Latency, formatLatency)
	writeStatLine(w, "Req/Sec", r.Rate, formatRate)

	if r.LatencyDetail {
		writePercentiles(w, r.Latency)
	}

	fmt.Fprintf(w, "  %d requests in %.2fs, %s read\n", r.Totals.Requests, r.Runtime, formatBytes(r.Totals.Bytes))

	if errs := r.Totals.Errors; errs.Connect+errs.Read+errs.Write+errs.Timeout > 0 {
		fmt.Fprintf(w, "  Socket errors: connect %d, read %d, write %d, timeout %d\n",
			errs.Connect, errs.Read, errs.Write, errs.Timeout)
	}
	if r.Totals.Errors.Status > 0 {
		fmt.Fprintf(w, "  Non-2xx or 3xx responses: %d\n", r.Totals.Errors.Status)
	}

	reqPerSec := float64(r.Totals.Requests) / r.Runtime
	bytesPerSec := float64(r.Totals.Bytes) / r.Runtime
	fmt.Fprintf(w, "Requests/sec: %10.2f\n", reqPerSec)
	fmt.Fprintf(w, "Transfer/sec: %10s\n", formatBytes(uint64(bytesPerSec)))

	if r.TLS != nil {
		fmt.Fprintf(w, "TLS new conn: %d, reused: %d, miss: %d\n",
			r.TLS.Connects.Load(), r.TLS.Hits.Load(), r.TLS.Misses.Load())
	}
}

func writeStatLine(w io.Writer, label string, h *stats.Histogram, format func(uint64) string) {
	mean := h.Mean()
	stdev := h.Stdev(mean)
	within := h.WithinStdev(mean, stdev, 1)
	fmt.Fprintf(w, "    %-7s%9s%10s%9s%9.2f%%\n",
		label, format(uint64(mean)), format(uint64(stdev)), format(h.Max()), within)
}

var percentiles = []float64{50, 75, 90, 99}

func writePercentiles(w io.Writer, h *stats.Histogram) {
	fmt.Fprintln(w, "  Latency Distribution")
	for _, p := range percentiles {
		fmt.Fprintf(w, "    %6.0f%%%9s\n", p, formatLatency(h.Percentile(p)))
	}
}

// formatLatency renders a microsecond count the way the original
// engine's print_units does for time: us/ms/s with a fixed-point
// mantissa.
func formatLatency(us uint64) string {
	switch {
	case us < 1000:
		return fmt.Sprintf("%.2fus", float64(us))
	case us < 1000*1000:
		return fmt.Sprintf("%.2fms", float64(us)/1000)
	default:
		return fmt.Sprintf("%.2fs", float64(us)/1e6)
	}
}

// formatRate renders a requests/sec sample with k/M suffixes.
func formatRate(v uint64) string {
	switch {
	case v < 1000:
		return fmt.Sprintf("%.2f", float64(v))
	case v < 1000*1000:
		return fmt.Sprintf("%.2fk", float64(v)/1000)
	default:
		return fmt.Sprintf("%.2fM", float64(v)/1e6)
	}
}

// formatBytes renders a byte count with binary-prefix suffixes.
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
