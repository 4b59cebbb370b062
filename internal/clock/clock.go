// Package clock provides the monotonic microsecond timestamps the rest
// of the engine uses for latency measurement and rate sampling.
package clock

import "time"

var start = time.Now()

// NowMicros returns a monotonic timestamp in microseconds, suitable for
// subtracting from another NowMicros call to get an elapsed duration.
// It is not wall-clock time; use it only for deltas.
func NowMicros() uint64 {
	return uint64(time.Since(start) / time.Microsecond)
}

// NowMillis is NowMicros at millisecond resolution, used by the
// worker's rate-sampling timer.
func NowMillis() uint64 {
	return uint64(time.Since(start) / time.Millisecond)
}
