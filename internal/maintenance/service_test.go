package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bulkrun/internal/eventbus"
	logx "bulkrun/pkg/logx"
)

type fakeTarget struct {
	reconciled atomic.Int32
	mu         sync.Mutex
	cutoffs    []time.Time
	block      chan struct{}
	pruneErr   error
}

func (f *fakeTarget) Reconcile(ctx context.Context) (int, error) {
	f.reconciled.Add(1)
	if f.block != nil {
		<-f.block
	}
	return 2, nil
}

func (f *fakeTarget) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 5, f.pruneErr
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{"*/5 * * * *", "*/5 * * * *"},
		{"@hourly", "@hourly"},
		{"cron:0 0 * * *", "0 0 * * *"},
		{"10m", "@every 10m0s"},
		{"every:45s", "@every 45s"},
		{"00:15", "@every 15m0s"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.raw)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
	for _, bad := range []string{"", "soon", "0s", "00:75"} {
		if _, err := Normalize(bad); err == nil {
			t.Fatalf("Normalize(%q) should fail", bad)
		}
	}
}

func TestRunOnceReconcilesAndPrunes(t *testing.T) {
	t.Parallel()
	target := &fakeTarget{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "maintenance")
	defer unsub()

	s := New(Config{MaxAge: 24 * time.Hour}, target, logx.Nop(), bus)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rep, ok := s.RunOnce(context.Background())
	if !ok {
		t.Fatal("RunOnce skipped")
	}
	if rep.Requeued != 2 || rep.Pruned != 5 || rep.Error != "" {
		t.Fatalf("report = %+v", rep)
	}
	if want := now.Add(-24 * time.Hour); !target.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", target.cutoffs[0], want)
	}
	select {
	case ev := <-events:
		if ev.Type != "maintenance.run" {
			t.Fatalf("event type %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no maintenance.run event")
	}
	if last, at := s.Last(); last != rep || !at.Equal(now) {
		t.Fatalf("Last() = %+v at %v", last, at)
	}
}

func TestRunOnceWithoutRetentionSkipsPrune(t *testing.T) {
	t.Parallel()
	target := &fakeTarget{pruneErr: errors.New("unused")}
	s := New(Config{}, target, logx.Nop(), nil)
	rep, _ := s.RunOnce(context.Background())
	if rep.Pruned != 0 || len(target.cutoffs) != 0 || rep.Error != "" {
		t.Fatalf("report = %+v cutoffs=%v", rep, target.cutoffs)
	}
}

func TestRunOnceSkipsOverlap(t *testing.T) {
	t.Parallel()
	target := &fakeTarget{block: make(chan struct{})}
	s := New(Config{}, target, logx.Nop(), nil)

	done := make(chan struct{})
	go func() {
		s.RunOnce(context.Background())
		close(done)
	}()
	for target.reconciled.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, ok := s.RunOnce(context.Background()); ok {
		t.Fatal("second run should be skipped while the first is active")
	}
	close(target.block)
	<-done
}

func TestStartTriggersOnSchedule(t *testing.T) {
	t.Parallel()
	target := &fakeTarget{}
	s := New(Config{Enabled: true, Schedule: "1s"}, target, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if s.Next().IsZero() {
		t.Fatal("Next() is zero after Start")
	}
	deadline := time.Now().Add(3 * time.Second)
	for target.reconciled.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled run never happened")
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.Apply(Config{Enabled: false})
	if !s.Next().IsZero() {
		t.Fatal("Next() should be zero once disabled")
	}
}
