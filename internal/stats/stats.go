// Package stats implements the fixed-range histogram used for both the
// latency and requests/sec distributions. It supports concurrent,
// append-only recording from worker goroutines and exclusive reads
// after they join, matching the ownership rule in the coordinator.
package stats

import (
	"math"
	"sync/atomic"
)

// Histogram is a fixed-capacity integer-indexed bucket array. Every
// recorded sample v must satisfy 0 <= v <= Limit; samples above Limit
// are rejected (the caller treats rejection as a timeout) and are not
// counted.
type Histogram struct {
	limit     uint64
	buckets   []atomic.Uint64
	count     atomic.Uint64
	min       atomic.Uint64
	max       atomic.Uint64
	corrected atomic.Bool
}

// noMin marks h.min as not yet set. It is never itself a valid sample
// since every accepted sample satisfies v <= limit, and limit is far
// smaller than math.MaxUint64 for both the latency and rate
// histograms. Packing "unset" into the same word as the value (rather
// than a separate minSet flag) keeps the check-and-update atomic: a
// flag updated in a second, separate store lets one goroutine observe
// a stale "not yet set" and overwrite a genuinely smaller min that
// another goroutine already installed.
const noMin = math.MaxUint64

// New allocates a histogram that accepts samples in [0, limit].
func New(limit uint64) *Histogram {
	h := &Histogram{
		limit:   limit,
		buckets: make([]atomic.Uint64, limit+1),
	}
	h.min.Store(noMin)
	return h
}

// Limit returns the histogram's configured maximum accepted value.
func (h *Histogram) Limit() uint64 { return h.limit }

// Record adds v to its bucket. It returns false (and records nothing)
// if v exceeds the histogram's limit; callers treat that as a timeout.
func (h *Histogram) Record(v uint64) bool {
	if v > h.limit {
		return false
	}
	h.buckets[v].Add(1)
	h.count.Add(1)
	casMax(&h.max, v)
	h.casMin(v)
	return true
}

func casMax(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}

// casMin updates h.min to v if v is the first sample seen or smaller
// than the current minimum.
func (h *Histogram) casMin(v uint64) {
	for {
		cur := h.min.Load()
		if cur != noMin && v >= cur {
			return
		}
		if h.min.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Count returns the number of accepted samples.
func (h *Histogram) Count() uint64 { return h.count.Load() }

// Min returns the smallest accepted sample, or 0 if none recorded.
func (h *Histogram) Min() uint64 {
	if v := h.min.Load(); v != noMin {
		return v
	}
	return 0
}

// Max returns the largest accepted sample, or 0 if none recorded.
func (h *Histogram) Max() uint64 { return h.max.Load() }

// Mean computes Sum(i*buckets[i]) / count using Kahan summation to
// approximate the extended-precision accumulation the original engine
// relied on `long double` for (Go has no native 80-bit float type).
func (h *Histogram) Mean() float64 {
	count := h.count.Load()
	if count == 0 {
		return 0
	}
	sum := h.weightedSum()
	return sum / float64(count)
}

func (h *Histogram) weightedSum() float64 {
	var sum, c float64
	for i, b := range h.buckets {
		n := b.Load()
		if n == 0 {
			continue
		}
		y := float64(i)*float64(n) - c
		t := sum + y
		c = (t - sum) - y
		sum = t
	}
	return sum
}

// Stdev is the sample standard deviation (count-1 denominator). It
// returns 0 if fewer than two samples were recorded.
func (h *Histogram) Stdev(mean float64) float64 {
	count := h.count.Load()
	if count < 2 {
		return 0
	}
	var sum, c float64
	for i, b := range h.buckets {
		n := b.Load()
		if n == 0 {
			continue
		}
		d := float64(i) - mean
		y := d*d*float64(n) - c
		t := sum + y
		c = (t - sum) - y
		sum = t
	}
	return math.Sqrt(sum / float64(count-1))
}

// WithinStdev returns the percentage of samples within [mean-k*stdev,
// mean+k*stdev].
func (h *Histogram) WithinStdev(mean, stdev float64, k float64) float64 {
	count := h.count.Load()
	if count == 0 {
		return 0
	}
	lo := mean - k*stdev
	hi := mean + k*stdev
	if lo < 0 {
		lo = 0
	}
	var within uint64
	for i, b := range h.buckets {
		fi := float64(i)
		if fi >= lo && fi <= hi {
			within += b.Load()
		}
	}
	return 100 * float64(within) / float64(count)
}

// Percentile returns the smallest bucket index i such that the
// cumulative count through i is >= ceil(p*count/100), for p in (0,100].
func (h *Histogram) Percentile(p float64) uint64 {
	count := h.count.Load()
	if count == 0 {
		return 0
	}
	target := uint64(math.Ceil(p * float64(count) / 100))
	if target == 0 {
		target = 1
	}
	var cum uint64
	for i, b := range h.buckets {
		cum += b.Load()
		if cum >= target {
			return uint64(i)
		}
	}
	return h.limit
}

// Correct applies the coordinated-omission correction: for every
// recorded sample v in bucket b where b > interval, synthesize
// additional samples at b-interval, b-2*interval, ... down to and
// including the smallest positive multiple, each with the same
// multiplicity as the original sample. It is idempotent: a second call
// with the same or any interval is a no-op once correction has run
// once, matching the "must not re-enter" requirement.
func (h *Histogram) Correct(interval uint64) {
	if interval == 0 {
		return
	}
	if !h.corrected.CompareAndSwap(false, true) {
		return
	}

	synth := make([]uint64, h.limit+1)
	for b := range h.buckets {
		n := h.buckets[b].Load()
		if n == 0 {
			continue
		}
		for missed := uint64(b); missed > interval; missed -= interval {
			target := missed - interval
			synth[target] += n
		}
	}

	for i, n := range synth {
		if n == 0 {
			continue
		}
		h.buckets[i].Add(n)
		h.count.Add(n)
	}
}
