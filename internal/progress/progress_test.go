package progress

import (
	"testing"
	"time"
)

func TestPercentage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		processed, total, want int
	}{
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{5, 0, 0},
		{12, 10, 100},
	}
	for _, tt := range tests {
		if got := Percentage(tt.processed, tt.total); got != tt.want {
			t.Fatalf("Percentage(%d, %d) = %d, want %d", tt.processed, tt.total, got, tt.want)
		}
	}
}

func TestRemainingUnknownWhenNoThroughput(t *testing.T) {
	t.Parallel()
	if _, ok := Remaining(10, 0, 0); ok {
		t.Fatal("expected unknown remaining time for zero throughput")
	}
	d, ok := Remaining(10, 5, 2.5)
	if !ok {
		t.Fatal("expected known remaining time")
	}
	if d != 2*time.Second {
		t.Fatalf("remaining = %v, want 2s", d)
	}
}

func TestComputeWithStart(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)

	s := Compute(100, 20, start, now)
	if s.Percentage != 20 {
		t.Fatalf("percentage = %d", s.Percentage)
	}
	if s.Throughput != 2 {
		t.Fatalf("throughput = %v, want 2", s.Throughput)
	}
	if s.Remaining == nil || *s.Remaining != 40*time.Second {
		t.Fatalf("remaining = %v, want 40s", s.Remaining)
	}

	s = Compute(100, 0, time.Time{}, now)
	if s.Remaining != nil || s.Throughput != 0 {
		t.Fatalf("expected percentage-only snapshot, got %+v", s)
	}
}

func TestTrackerTotals(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Observe(true)
	tr.Observe(true)
	tr.Observe(false)
	got := tr.Totals()
	if got.Processed != 3 || got.Succeeded != 2 || got.Failed != 1 {
		t.Fatalf("unexpected totals: %+v", got)
	}
}
