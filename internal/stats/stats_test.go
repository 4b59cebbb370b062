package stats

import "testing"

func TestRecordAccounting(t *testing.T) {
	h := New(1000)
	values := []uint64{10, 20, 20, 1000, 1001}
	for _, v := range values {
		ok := h.Record(v)
		if v > h.Limit() && ok {
			t.Fatalf("Record(%d) should have been rejected", v)
		}
	}
	if h.Count() != 4 {
		t.Fatalf("count = %d, want 4", h.Count())
	}
	if h.Min() != 10 {
		t.Fatalf("min = %d, want 10", h.Min())
	}
	if h.Max() != 1000 {
		t.Fatalf("max = %d, want 1000", h.Max())
	}
}

func TestPercentileMonotonic(t *testing.T) {
	h := New(1000)
	for i := uint64(1); i <= 100; i++ {
		h.Record(i)
	}
	prev := uint64(0)
	for _, p := range []float64{1, 10, 50, 75, 90, 99, 100} {
		v := h.Percentile(p)
		if v < prev {
			t.Fatalf("percentile(%v) = %d < previous %d", p, v, prev)
		}
		prev = v
	}
}

func TestCorrectConservesMaxAndCount(t *testing.T) {
	h := New(2000)
	h.Record(1000)
	maxBefore := h.Max()
	countBefore := h.Count()
	h.Correct(100)
	if h.Max() > maxBefore {
		t.Fatalf("max increased: %d -> %d", maxBefore, h.Max())
	}
	if h.Count() < countBefore {
		t.Fatalf("count decreased: %d -> %d", countBefore, h.Count())
	}
}

func TestCorrectSynthesizesExpectedBuckets(t *testing.T) {
	h := New(2000)
	h.Record(1000)
	h.Correct(100)

	if h.Count() != 10 {
		t.Fatalf("count = %d, want 10", h.Count())
	}
	if h.Max() != 1000 {
		t.Fatalf("max = %d, want 1000", h.Max())
	}
	for v := uint64(100); v <= 1000; v += 100 {
		if h.buckets[v].Load() != 1 {
			t.Fatalf("bucket[%d] = %d, want 1", v, h.buckets[v].Load())
		}
	}
}

func TestCorrectIsIdempotent(t *testing.T) {
	h := New(2000)
	h.Record(1000)
	h.Correct(100)
	afterFirst := h.Count()
	h.Correct(100)
	if h.Count() != afterFirst {
		t.Fatalf("second Correct changed count: %d -> %d", afterFirst, h.Count())
	}
}

func TestMinTracksTrueZeroSample(t *testing.T) {
	h := New(1000)
	h.Record(0)
	h.Record(5)
	if h.Min() != 0 {
		t.Fatalf("min = %d, want 0", h.Min())
	}
	if h.Max() != 5 {
		t.Fatalf("max = %d, want 5", h.Max())
	}
}

func TestStdevRequiresTwoSamples(t *testing.T) {
	h := New(1000)
	h.Record(5)
	if h.Stdev(h.Mean()) != 0 {
		t.Fatalf("stdev with one sample should be 0")
	}
}
