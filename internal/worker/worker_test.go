package worker

import (
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bpowers/wrk/internal/config"
	"github.com/bpowers/wrk/internal/script"
	"github.com/bpowers/wrk/internal/stats"
)

// serveFixedResponses accepts connections on ln and writes a canned
// HTTP/1.1 response to every request it receives, until ln is closed.
func serveFixedResponses(t *testing.T, ln net.Listener, response string) {
	t.Helper()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
					if _, err := c.Write([]byte(response)); err != nil {
						return
					}
				}
			}(c)
		}
	}()
}

func TestWorkerCompletesRequestsAgainstFixedServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	serveFixedResponses(t, ln, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := &config.Config{
		Scheme:   "http",
		Host:     host,
		Port:     strconv.Itoa(port),
		Pipeline: 1,
		Timeout:  2 * time.Second,
	}

	scr, err := script.Load("", script.RequestsModule())
	if err != nil {
		t.Fatalf("script.Load: %v", err)
	}

	latency := stats.New(cfg.TimeoutMicros())
	rate := stats.New(10_000_000)
	var stop atomic.Bool

	w := New(0, cfg, 2, scr, nil, latency, rate, &stop)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	time.Sleep(300 * time.Millisecond)
	stop.Store(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop within 2s of stop being set")
	}

	counters := w.Counters()
	if counters.Complete == 0 {
		t.Fatalf("expected some completed requests, got 0")
	}
	if counters.Errors.Status != 0 {
		t.Fatalf("unexpected status errors: %d", counters.Errors.Status)
	}
	if latency.Count() == 0 {
		t.Fatalf("expected latency samples to be recorded")
	}
}

// serveWhenPipelineDepthSeen only replies, with depth copies of
// response written in a single Write call, once it has read at least
// depth requests' worth of bytes (reqLen each) since its last reply.
// This holds the server's writes hostage to the connection actually
// having written depth pipelined requests, so the test can't pass
// merely because the server replies unconditionally to any read.
func serveWhenPipelineDepthSeen(t *testing.T, ln net.Listener, response string, depth int, reqLen int) {
	t.Helper()
	batch := strings.Repeat(response, depth)
	want := reqLen * depth
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				seen := 0
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					seen += n
					if seen < want {
						continue
					}
					seen -= want
					if _, err := c.Write([]byte(batch)); err != nil {
						return
					}
				}
			}(c)
		}
	}()
}

func TestWorkerPipelinedRequestsCompleteFromCoalescedReads(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	const pipeline = 4

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}

	cfg := &config.Config{
		Scheme:   "http",
		Host:     host,
		Port:     portStr,
		Pipeline: pipeline,
		Timeout:  2 * time.Second,
	}
	reqLen := len(defaultRequest(cfg, 1))
	serveWhenPipelineDepthSeen(t, ln, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", pipeline, reqLen)
	scr, err := script.Load("", script.RequestsModule())
	if err != nil {
		t.Fatalf("script.Load: %v", err)
	}

	latency := stats.New(cfg.TimeoutMicros())
	rate := stats.New(10_000_000)
	var stop atomic.Bool

	w := New(0, cfg, 1, scr, nil, latency, rate, &stop)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	time.Sleep(300 * time.Millisecond)
	stop.Store(true)
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	counters := w.Counters()
	if counters.Complete == 0 {
		t.Fatalf("expected some completed requests, got 0 (server only replies once pipeline-depth requests are actually written)")
	}
	if counters.Errors.Read != 0 {
		t.Fatalf("unexpected read errors: %d (coalesced pipelined responses should parse cleanly)", counters.Errors.Read)
	}
}

func TestWorkerCountsStatusErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	serveFixedResponses(t, ln, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}

	cfg := &config.Config{
		Scheme:   "http",
		Host:     host,
		Port:     portStr,
		Pipeline: 1,
		Timeout:  2 * time.Second,
	}
	scr, err := script.Load("", script.RequestsModule())
	if err != nil {
		t.Fatalf("script.Load: %v", err)
	}

	latency := stats.New(cfg.TimeoutMicros())
	rate := stats.New(10_000_000)
	var stop atomic.Bool

	w := New(0, cfg, 1, scr, nil, latency, rate, &stop)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	time.Sleep(200 * time.Millisecond)
	stop.Store(true)
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	counters := w.Counters()
	if counters.Complete == 0 {
		t.Fatalf("expected some completed requests, got 0")
	}
	if counters.Errors.Status != counters.Complete {
		t.Fatalf("errors.status = %d, want %d (every response was 404)", counters.Errors.Status, counters.Complete)
	}
}
