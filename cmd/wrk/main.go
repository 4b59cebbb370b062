// Command wrk is an HTTP/HTTPS load generator: given a target URL, a
// duration, a thread count and a connection count, it drives as much
// request traffic as it can and reports throughput, latency
// distribution, and error counts.
package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/net/idna"

	"github.com/bpowers/wrk/internal/config"
	"github.com/bpowers/wrk/internal/coordinator"
)

const version = "wrk-go 1.0.0"

// exit codes per spec.md §6.
const (
	exitOK            = 0
	exitArgError      = 1
	exitWorkerStartup = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		connectionsArg string
		durationArg    string
		timeoutArg     string
		threads        int
		scriptPath     string
		headerArgs     []string
		quiet          bool
		latencyDetail  bool
		reuse          bool
		noKeepAlive    bool
		delay          bool
		bindAddr       string
		showVersion    bool
	)

	root := &cobra.Command{
		Use:           "wrk [options] <url>",
		Short:         "HTTP/HTTPS load generator",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
	}
	flags := root.Flags()
	flags.StringVarP(&connectionsArg, "connections", "c", "10", "total concurrent connections")
	flags.StringVarP(&durationArg, "duration", "d", "10s", "test duration")
	flags.IntVarP(&threads, "threads", "t", 2, "worker count")
	flags.StringVarP(&scriptPath, "script", "s", "", "script file for embedded interpreter")
	flags.StringArrayVarP(&headerArgs, "header", "H", nil, `additional request header "K: V" (repeatable)`)
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	flags.BoolVarP(&latencyDetail, "latency", "L", false, "print extra percentile table")
	flags.StringVarP(&timeoutArg, "timeout", "T", "2000ms", "per-request/socket timeout")
	flags.BoolVarP(&reuse, "reuse", "r", false, "enable TLS session reuse")
	flags.BoolVarP(&noKeepAlive, "no_keepalive", "k", false, "disable HTTP keep-alive")
	flags.BoolVarP(&delay, "delay", "D", false, "honor a script-provided per-request delay")
	flags.StringVarP(&bindAddr, "bind", "B", "", "numeric source address to bind")
	flags.BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	root.SetArgs(args)

	log := logrus.New()
	log.SetOutput(os.Stderr)

	var exitCode int
	root.RunE = func(cmd *cobra.Command, cmdArgs []string) error {
		if showVersion {
			fmt.Println(version)
			return nil
		}
		if len(cmdArgs) != 1 {
			return fmt.Errorf("exactly one <url> argument is required")
		}

		cfg, err := buildConfig(cmdArgs[0], connectionsArg, durationArg, timeoutArg, threads, scriptPath, headerArgs, quiet, latencyDetail, reuse, noKeepAlive, delay, bindAddr)
		if err != nil {
			exitCode = exitArgError
			return err
		}

		co := coordinator.New(cfg, log)
		if err := co.Run(os.Stdout); err != nil {
			exitCode = exitWorkerStartup
			return err
		}
		exitCode = exitOK
		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == exitOK {
			exitCode = exitArgError
		}
		return exitCode
	}
	return exitCode
}

func buildConfig(rawURL, connectionsArg, durationArg, timeoutArg string, threads int, scriptPath string, headerArgs []string, quiet, latencyDetail, reuse, noKeepAlive, delay bool, bindAddr string) (*config.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q (only http/https)", u.Scheme)
	}

	host := u.Hostname()
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	connections, err := parseSI(connectionsArg)
	if err != nil {
		return nil, fmt.Errorf("invalid --connections %q: %w", connectionsArg, err)
	}
	if threads <= 0 {
		return nil, fmt.Errorf("--threads must be positive, got %d", threads)
	}
	if connections < threads {
		return nil, fmt.Errorf("--connections (%d) must be >= --threads (%d)", connections, threads)
	}

	duration, err := time.ParseDuration(durationArg)
	if err != nil {
		return nil, fmt.Errorf("invalid --duration %q: %w", durationArg, err)
	}
	timeout, err := time.ParseDuration(timeoutArg)
	if err != nil {
		return nil, fmt.Errorf("invalid --timeout %q: %w", timeoutArg, err)
	}

	headers, err := parseHeaders(headerArgs)
	if err != nil {
		return nil, err
	}

	return &config.Config{
		URL:           rawURL,
		Scheme:        u.Scheme,
		Host:          host,
		Port:          port,
		Connections:   connections,
		Threads:       threads,
		Duration:      duration,
		Timeout:       timeout,
		Pipeline:      1,
		Headers:       headers,
		ScriptPath:    scriptPath,
		Quiet:         quiet,
		LatencyDetail: latencyDetail,
		TLSReuse:      reuse,
		NoKeepAlive:   noKeepAlive,
		Delay:         delay,
		BindAddr:      bindAddr,
	}, nil
}

// parseSI parses a positive integer with an optional k/K, m/M, or g/G
// SI-style suffix, matching spec.md §6's "N (SI suffix)" connections
// argument.
func parseSI(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	mult := 1
	last := s[len(s)-1]
	switch last {
	case 'k', 'K':
		mult = 1_000
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1_000_000
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1_000_000_000
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// parseHeaders turns repeated "Key: Value" strings into ordered pairs.
func parseHeaders(raw []string) ([][2]string, error) {
	out := make([][2]string, 0, len(raw))
	for _, h := range raw {
		idx := strings.IndexByte(h, ':')
		if idx < 0 {
			return nil, fmt.Errorf("invalid header %q, expected \"Key: Value\"", h)
		}
		key := strings.TrimSpace(h[:idx])
		val := strings.TrimSpace(h[idx+1:])
		out = append(out, [2]string{key, val})
	}
	return out, nil
}
