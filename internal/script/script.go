// Package script is the embedded-interpreter side of the scripting
// hook contract (spec §4.7): the core never knows it is talking to
// Starlark, only that a Script answers the named probes and hooks.
//
// The teacher (bpowers/hithere) already wires go.starlark.net and
// skycfg as its embedded interpreter; skycfg's single Config.Main(ctx)
// entrypoint is kept here as an optional declarative-config loading
// path (LoadSkycfg), but the hot-path hook dispatch below talks to
// go.starlark.net directly, since skycfg has no notion of calling back
// into a loaded module's functions many times per second.
package script

import (
	"context"
	"fmt"
	"net/http"

	"github.com/stripe/skycfg"
	"go.starlark.net/starlark"
)

// Hook names a script is probed for and may define.
const (
	fnInit    = "init"
	fnRequest = "request"
	fnDelay   = "delay"
	fnResp    = "response"
	fnSummary = "summary"
	fnErrors  = "errors"
	fnDone    = "done"
)

// Script wraps one loaded Starlark program. A Worker creates its own
// Script (globals are not safe to share across goroutines), matching
// wrk's per-thread lua_State.
type Script struct {
	thread  *starlark.Thread
	globals starlark.StringDict
	path    string
}

// Load executes the Starlark file at path once, capturing its globals.
// An empty path yields a Script with no hooks defined at all — every
// Has*/WantResponse probe answers false, IsStatic answers true, and
// Request returns an error, so the caller uses its own static request
// bytes instead.
func Load(path string, predeclared starlark.StringDict) (*Script, error) {
	s := &Script{path: path, thread: &starlark.Thread{Name: path}}
	if path == "" {
		s.globals = starlark.StringDict{}
		return s, nil
	}
	globals, err := starlark.ExecFile(s.thread, path, nil, predeclared)
	if err != nil {
		return nil, fmt.Errorf("script.Load(%s): %w", path, err)
	}
	s.globals = globals
	return s, nil
}

// LoadSkycfg loads path as a skycfg module instead of a bare Starlark
// script, for scripts that want typed proto configuration values
// (skycfg.WithGlobals) rather than the plain hook functions below. It
// only loads the module and returns it; it does not call Main(ctx), and
// nothing in the run (coordinator or worker) calls LoadSkycfg.
func LoadSkycfg(ctx context.Context, path string, predeclared starlark.StringDict) (*skycfg.Config, error) {
	cfg, err := skycfg.Load(ctx, path, skycfg.WithGlobals(predeclared))
	if err != nil {
		return nil, fmt.Errorf("skycfg.Load(%s): %w", path, err)
	}
	return cfg, nil
}

func (s *Script) has(name string) bool {
	_, ok := s.globals[name]
	return ok
}

// IsStatic reports whether request() should be called once and cached
// rather than on every write. A script with no request() hook at all
// is always static (the caller falls back to a plain default
// request). A script that defines request() is dynamic unless it also
// defines is_static() and that probe returns true.
func (s *Script) IsStatic() bool {
	if !s.has(fnRequest) {
		return true
	}
	if !s.has("is_static") {
		return false
	}
	v, err := s.call("is_static")
	if err != nil {
		return false
	}
	b, ok := v.(starlark.Bool)
	return ok && bool(b)
}

// HasRequest reports whether the script defines request() at all.
func (s *Script) HasRequest() bool { return s.has(fnRequest) }

// HasDelay reports whether delay() is defined.
func (s *Script) HasDelay() bool { return s.has(fnDelay) }

// WantResponse reports whether response() is defined, which gates
// whether the connection state machine bothers capturing
// headers/body at all.
func (s *Script) WantResponse() bool { return s.has(fnResp) }

// HasDone reports whether done() is defined.
func (s *Script) HasDone() bool { return s.has(fnDone) }

// HasVerifyRequest reports whether verify_request() is defined.
func (s *Script) HasVerifyRequest() bool { return s.has("verify_request") }

func (s *Script) call(name string, args ...starlark.Value) (starlark.Value, error) {
	fn, ok := s.globals[name]
	if !ok {
		return starlark.None, fmt.Errorf("script: %s not defined", name)
	}
	return starlark.Call(s.thread, fn, args, nil)
}

// Init runs init(worker, argv) once per worker before its loop starts.
func (s *Script) Init(workerIndex int, argv []string) error {
	if !s.has(fnInit) {
		return nil
	}
	tuple := make(starlark.Tuple, len(argv))
	for i, a := range argv {
		tuple[i] = starlark.String(a)
	}
	_, err := s.call(fnInit, starlark.MakeInt(workerIndex), tuple)
	return err
}

// VerifyRequest calls verify_request() once at startup to establish
// the pipeline depth; a script that doesn't define it pipelines 1
// request at a time.
func (s *Script) VerifyRequest() (int, error) {
	if !s.has("verify_request") {
		return 1, nil
	}
	v, err := s.call("verify_request")
	if err != nil {
		return 0, err
	}
	n, ok := starlark.AsInt32(v)
	if !ok || n < 1 {
		return 1, nil
	}
	return n, nil
}

// Request returns the next request's raw bytes. Dynamic scripts are
// called on every write; static ones are expected to be called once
// and cached by the caller.
func (s *Script) Request() ([]byte, error) {
	v, err := s.call(fnRequest)
	if err != nil {
		return nil, err
	}
	str, ok := starlark.AsString(v)
	if !ok {
		return nil, fmt.Errorf("script: request() must return a string")
	}
	return []byte(str), nil
}

// Delay returns the next per-request delay in milliseconds.
func (s *Script) Delay() (uint64, error) {
	v, err := s.call(fnDelay)
	if err != nil {
		return 0, err
	}
	n, ok := starlark.AsInt32(v)
	if !ok || n < 0 {
		return 0, nil
	}
	return uint64(n), nil
}

// Response hands a completed response to the script, mirroring
// script_response: status code, header field/value pairs in order,
// and the captured body.
func (s *Script) Response(status int, headers [][2]string, body []byte) error {
	if !s.has(fnResp) {
		return nil
	}
	h := starlark.NewDict(len(headers))
	for _, kv := range headers {
		_ = h.SetKey(starlark.String(kv[0]), starlark.String(kv[1]))
	}
	_, err := s.call(fnResp, starlark.MakeInt(status), h, starlark.String(body))
	return err
}

// Summary reports the run totals, mirroring script_summary.
func (s *Script) Summary(durationUs, requests, bytes uint64) error {
	if !s.has(fnSummary) {
		return nil
	}
	_, err := s.call(fnSummary, starlark.MakeUint64(durationUs), starlark.MakeUint64(requests), starlark.MakeUint64(bytes))
	return err
}

// Errors reports the error tally, mirroring script_errors.
func (s *Script) Errors(connect, read, write, timeout, status uint64) error {
	if !s.has(fnErrors) {
		return nil
	}
	d := starlark.NewDict(5)
	_ = d.SetKey(starlark.String("connect"), starlark.MakeUint64(connect))
	_ = d.SetKey(starlark.String("read"), starlark.MakeUint64(read))
	_ = d.SetKey(starlark.String("write"), starlark.MakeUint64(write))
	_ = d.SetKey(starlark.String("timeout"), starlark.MakeUint64(timeout))
	_ = d.SetKey(starlark.String("status"), starlark.MakeUint64(status))
	_, err := s.call(fnErrors, d)
	return err
}

// Done hands the final latency/requests histograms to the script,
// mirroring script_done. latency and requests are each passed as a
// summary dict (min/max/mean/stdev/count and the 50/75/90/99th
// percentiles) rather than the raw bucket array, since Starlark has no
// use for per-bucket internals.
func (s *Script) Done(latency, requests HistSummary) error {
	if !s.has(fnDone) {
		return nil
	}
	_, err := s.call(fnDone, histToStarlark(latency), histToStarlark(requests))
	return err
}

// HistSummary is the read-only view of a stats.Histogram passed to the
// done() hook.
type HistSummary struct {
	Min, Max      uint64
	Mean, Stdev   float64
	Count         uint64
	P50, P75, P90 uint64
	P99           uint64
}

func histToStarlark(h HistSummary) *starlark.Dict {
	d := starlark.NewDict(9)
	_ = d.SetKey(starlark.String("min"), starlark.MakeUint64(h.Min))
	_ = d.SetKey(starlark.String("max"), starlark.MakeUint64(h.Max))
	_ = d.SetKey(starlark.String("mean"), starlark.Float(h.Mean))
	_ = d.SetKey(starlark.String("stdev"), starlark.Float(h.Stdev))
	_ = d.SetKey(starlark.String("count"), starlark.MakeUint64(h.Count))
	_ = d.SetKey(starlark.String("p50"), starlark.MakeUint64(h.P50))
	_ = d.SetKey(starlark.String("p75"), starlark.MakeUint64(h.P75))
	_ = d.SetKey(starlark.String("p90"), starlark.MakeUint64(h.P90))
	_ = d.SetKey(starlark.String("p99"), starlark.MakeUint64(h.P99))
	return d
}

// DefaultClient is handed to init() scripts (via the requests module)
// that want to make ordinary, one-off HTTP calls before the load test
// begins — e.g. fetching an auth token. It is never used on the hot
// path.
var DefaultClient = &http.Client{}
