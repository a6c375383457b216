// Package progress derives completion percentage, throughput and estimated
// time remaining from batch counters.
package progress

import (
	"math"
	"sync"
	"time"
)

// Percentage returns round(processed/total*100), clamped to [0,100].
func Percentage(processed, total int) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

// Throughput returns items per second; 0 when nothing elapsed.
func Throughput(processed int, elapsed time.Duration) float64 {
	if processed <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed.Seconds()
}

// Remaining estimates the time left. ok is false when throughput is zero
// (unknown, not an error).
func Remaining(total, processed int, throughput float64) (time.Duration, bool) {
	if throughput <= 0 {
		return 0, false
	}
	left := total - processed
	if left <= 0 {
		return 0, true
	}
	secs := float64(left) / throughput
	return time.Duration(secs * float64(time.Second)), true
}

// Snapshot bundles the derived values for one observation.
type Snapshot struct {
	Percentage int
	Throughput float64
	Elapsed    time.Duration

	// Remaining is nil while unknown.
	Remaining *time.Duration
}

// Compute derives a Snapshot. A zero started time yields percentage only.
func Compute(total, processed int, started, now time.Time) Snapshot {
	s := Snapshot{Percentage: Percentage(processed, total)}
	if started.IsZero() {
		return s
	}
	s.Elapsed = now.Sub(started)
	if s.Elapsed < 0 {
		s.Elapsed = 0
	}
	s.Throughput = Throughput(processed, s.Elapsed)
	if d, ok := Remaining(total, processed, s.Throughput); ok {
		s.Remaining = &d
	}
	return s
}

// Tracker keeps process-wide running counters (items/sec across all batches)
// for log summaries. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	started   time.Time
	processed int
	succeeded int
	failed    int
}

func NewTracker() *Tracker { return &Tracker{started: time.Now()} }

func (t *Tracker) Observe(ok bool) {
	t.mu.Lock()
	t.processed++
	if ok {
		t.succeeded++
	} else {
		t.failed++
	}
	t.mu.Unlock()
}

type Totals struct {
	Processed  int
	Succeeded  int
	Failed     int
	Throughput float64
}

func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Totals{
		Processed:  t.processed,
		Succeeded:  t.succeeded,
		Failed:     t.failed,
		Throughput: Throughput(t.processed, time.Since(t.started)),
	}
}
