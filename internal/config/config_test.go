package config

import (
	"testing"
	"time"
)

func TestConnectionsPerThreadDistributesRemainder(t *testing.T) {
	c := &Config{Connections: 10, Threads: 3}
	got := c.ConnectionsPerThread()
	want := []int{4, 3, 3}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	sum := 0
	for i, v := range got {
		if v != want[i] {
			t.Fatalf("got[%d] = %d, want %d", i, v, want[i])
		}
		sum += v
	}
	if sum != c.Connections {
		t.Fatalf("sum = %d, want %d", sum, c.Connections)
	}
}

func TestConnectionsPerThreadEvenSplit(t *testing.T) {
	c := &Config{Connections: 12, Threads: 4}
	got := c.ConnectionsPerThread()
	for _, v := range got {
		if v != 3 {
			t.Fatalf("got %v, want all 3", got)
		}
	}
}

func TestTimeoutMicros(t *testing.T) {
	c := &Config{Timeout: 2 * time.Second}
	if got := c.TimeoutMicros(); got != 2_000_000 {
		t.Fatalf("TimeoutMicros() = %d, want 2000000", got)
	}
}
