package coordinator

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bpowers/wrk/internal/config"
)

func TestRunAgainstFixedServerProducesReport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

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
					if _, err := c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")); err != nil {
						return
					}
				}
			}(c)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := &config.Config{
		URL:         "http://" + ln.Addr().String() + "/",
		Scheme:      "http",
		Host:        host,
		Port:        strconv.Itoa(port),
		Connections: 2,
		Threads:     2,
		Duration:    300 * time.Millisecond,
		Timeout:     2 * time.Second,
		Pipeline:    1,
	}

	co := New(cfg, nil)
	var out bytes.Buffer
	if err := co.Run(&out); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	report := out.String()
	if !strings.Contains(report, "Thread Stats") {
		t.Fatalf("report missing Thread Stats table:\n%s", report)
	}
	if !strings.Contains(report, "Requests/sec") {
		t.Fatalf("report missing Requests/sec line:\n%s", report)
	}
}

func TestRunFailsWhenAllWorkersCannotResolve(t *testing.T) {
	cfg := &config.Config{
		URL:         "http://nonexistent.invalid/",
		Scheme:      "http",
		Host:        "nonexistent.invalid",
		Port:        "80",
		Connections: 1,
		Threads:     1,
		Duration:    50 * time.Millisecond,
		Timeout:     time.Second,
		Pipeline:    1,
		Quiet:       true,
	}
	co := New(cfg, nil)
	var out bytes.Buffer
	if err := co.Run(&out); err == nil {
		t.Fatalf("expected an error when the destination cannot be resolved")
	}
}
