package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bpowers/wrk/internal/conn"
	"github.com/bpowers/wrk/internal/stats"
)

func TestFormatLatencyUnits(t *testing.T) {
	cases := []struct {
		us   uint64
		want string
	}{
		{500, "500.00us"},
		{1500, "1.50ms"},
		{2_500_000, "2.50s"},
	}
	for _, c := range cases {
		if got := formatLatency(c.us); got != c.want {
			t.Errorf("formatLatency(%d) = %q, want %q", c.us, got, c.want)
		}
	}
}

func TestFormatBytesUnits(t *testing.T) {
	cases := []struct {
		n    uint64
		want string
	}{
		{512, "512B"},
		{2048, "2.00KiB"},
		{5 * 1024 * 1024, "5.00MiB"},
	}
	for _, c := range cases {
		if got := formatBytes(c.n); got != c.want {
			t.Errorf("formatBytes(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}

func TestWriteOmitsTLSLineWhenAbsent(t *testing.T) {
	lat := stats.New(1000)
	lat.Record(100)
	rate := stats.New(1000)
	rate.Record(10)

	var buf bytes.Buffer
	Write(&buf, Result{
		Connections: 1,
		Threads:     1,
		Runtime:     1.0,
		Totals:      conn.Counters{Complete: 1, Requests: 1, Bytes: 41},
		Latency:     lat,
		Rate:        rate,
	})

	out := buf.String()
	if !strings.Contains(out, "Thread Stats") {
		t.Fatalf("missing Thread Stats header:\n%s", out)
	}
	if strings.Contains(out, "TLS new conn") {
		t.Fatalf("unexpected TLS line with nil TLS stats:\n%s", out)
	}
}
