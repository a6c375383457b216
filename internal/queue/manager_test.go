package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bulkrun/internal/eventbus"
	logx "bulkrun/pkg/logx"
)

func newTestManager(t *testing.T, defaults QueueConfig) (*Manager, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	m := New(Config{IdleTick: 10 * time.Millisecond, Defaults: defaults}, logx.Nop(), bus, nil)
	m.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, kind EventKind) JobEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == string(kind) {
				return ev.Data.(JobEvent)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return JobEvent{}
		}
	}
}

func TestPriorityOrderWithStableTies(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, QueueConfig{Concurrency: 1})
	require.NoError(t, m.RegisterQueue("q", QueueConfig{Concurrency: 1}))

	for _, p := range []int{3, 1, 2, 1, 5} {
		_, err := m.Enqueue("q", p, EnqueueOptions{Priority: p})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	require.NoError(t, m.RegisterHandler("q", func(ctx context.Context, j Job) error {
		mu.Lock()
		order = append(order, j.Data.(int))
		n := len(order)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("jobs did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 1, 2, 3, 5}, order)
}

func TestEqualPrioritiesRunFIFO(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, QueueConfig{Concurrency: 1})

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Enqueue("fifo", i, EnqueueOptions{Priority: 5})
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(id, "job-"), id)
		_, err = uuid.Parse(strings.TrimPrefix(id, "job-"))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(len(ids))
	require.NoError(t, m.RegisterHandler("fifo", func(ctx context.Context, j Job) error {
		mu.Lock()
		got = append(got, j.ID)
		mu.Unlock()
		wg.Done()
		return nil
	}))
	wg.Wait()
	require.Equal(t, ids, got)
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, QueueConfig{})
	require.NoError(t, m.RegisterQueue("bounded", QueueConfig{Concurrency: 2}))

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(6)
	require.NoError(t, m.RegisterHandler("bounded", func(ctx context.Context, j Job) error {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}))
	for i := 0; i < 6; i++ {
		_, err := m.Enqueue("bounded", i, EnqueueOptions{})
		require.NoError(t, err)
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, int32(2), peak.Load())
}

func TestTimeoutFailsAttemptAndCancelsContext(t *testing.T) {
	t.Parallel()
	m, bus := newTestManager(t, QueueConfig{})
	events, unsub := bus.Subscribe(32, "job")
	defer unsub()

	require.NoError(t, m.RegisterQueue("slow", QueueConfig{Concurrency: 1, RetryAttempts: 1, Timeout: 30 * time.Millisecond}))
	cancelled := make(chan struct{})
	require.NoError(t, m.RegisterHandler("slow", func(ctx context.Context, j Job) error {
		<-ctx.Done()
		close(cancelled)
		time.Sleep(50 * time.Millisecond)
		return nil
	}))
	_, err := m.Enqueue("slow", nil, EnqueueOptions{})
	require.NoError(t, err)

	ev := waitEvent(t, events, EventFailed)
	require.Contains(t, ev.Error, "timed out")
	require.Equal(t, 1, ev.Attempts)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	t.Parallel()
	m, bus := newTestManager(t, QueueConfig{})
	events, unsub := bus.Subscribe(32, "job")
	defer unsub()

	require.NoError(t, m.RegisterQueue("flaky", QueueConfig{Concurrency: 1, RetryAttempts: 3, RetryDelay: 10 * time.Millisecond}))
	var calls atomic.Int32
	require.NoError(t, m.RegisterHandler("flaky", func(ctx context.Context, j Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	_, err := m.Enqueue("flaky", nil, EnqueueOptions{})
	require.NoError(t, err)

	first := waitEvent(t, events, EventRetrying)
	require.Equal(t, 10*time.Millisecond, first.RetryIn)
	second := waitEvent(t, events, EventRetrying)
	require.Equal(t, 20*time.Millisecond, second.RetryIn)
	done := waitEvent(t, events, EventCompleted)
	require.Equal(t, 3, done.Attempts)
	require.Equal(t, int32(3), calls.Load())
}

func TestNoRetryIsTerminal(t *testing.T) {
	t.Parallel()
	m, bus := newTestManager(t, QueueConfig{})
	events, unsub := bus.Subscribe(32, "job")
	defer unsub()

	require.NoError(t, m.RegisterQueue("perm", QueueConfig{Concurrency: 1, RetryAttempts: 5, RetryDelay: time.Millisecond}))
	var calls atomic.Int32
	require.NoError(t, m.RegisterHandler("perm", func(ctx context.Context, j Job) error {
		calls.Add(1)
		return NoRetry(errors.New("bad input"))
	}))
	_, err := m.Enqueue("perm", nil, EnqueueOptions{})
	require.NoError(t, err)

	ev := waitEvent(t, events, EventFailed)
	require.Equal(t, 1, ev.Attempts)
	require.Equal(t, int32(1), calls.Load())
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, QueueConfig{Concurrency: 1})
	ran := make(chan struct{}, 1)
	require.NoError(t, m.RegisterHandler("p", func(ctx context.Context, j Job) error {
		ran <- struct{}{}
		return nil
	}))
	require.True(t, m.Pause("p"))
	_, err := m.Enqueue("p", nil, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-ran:
		t.Fatal("paused queue dispatched a job")
	case <-time.After(60 * time.Millisecond):
	}
	st, ok := m.Status("p")
	require.True(t, ok)
	require.True(t, st.Paused)
	require.Equal(t, 1, st.Pending)

	require.True(t, m.Resume("p"))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("resumed queue did not dispatch")
	}
}

func TestRemoveJobAndDequeueAll(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, QueueConfig{})

	a, err := m.Enqueue("idle", "a", EnqueueOptions{})
	require.NoError(t, err)
	_, err = m.Enqueue("idle", "b", EnqueueOptions{})
	require.NoError(t, err)
	_, err = m.Enqueue("idle", "c", EnqueueOptions{})
	require.NoError(t, err)

	require.True(t, m.Has("idle", a))
	require.True(t, m.RemoveJob("idle", a))
	require.False(t, m.Has("idle", a))
	require.False(t, m.RemoveJob("idle", a))
	require.False(t, m.RemoveJob("missing", a))
	require.Equal(t, 2, m.DequeueAll("idle"))

	st, ok := m.Status("idle")
	require.True(t, ok)
	require.Zero(t, st.Total)
}

func TestStalledJobsAreReportedOnce(t *testing.T) {
	t.Parallel()
	m, bus := newTestManager(t, QueueConfig{})
	events, unsub := bus.Subscribe(32, string(EventStalled))
	defer unsub()

	id, err := m.Enqueue("orphan", nil, EnqueueOptions{})
	require.NoError(t, err)
	ev := waitEvent(t, events, EventStalled)
	require.Equal(t, id, ev.JobID)

	select {
	case extra := <-events:
		t.Fatalf("stalled event repeated: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	st, _ := m.Status("orphan")
	require.False(t, st.HasHandler)
	require.Equal(t, 1, st.Pending)
}

func TestRegisterHandlerTwice(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, QueueConfig{})
	h := func(ctx context.Context, j Job) error { return nil }
	require.NoError(t, m.RegisterHandler("dup", h))
	require.ErrorIs(t, m.RegisterHandler("dup", h), ErrHandlerExists)
	require.ErrorIs(t, m.RegisterHandler("dup2", nil), ErrNilHandler)
	_, err := m.Enqueue(" ", nil, EnqueueOptions{})
	require.ErrorIs(t, err, ErrQueueName)
}

func TestRegisterQueueKeepsExistingConfig(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, QueueConfig{})
	require.NoError(t, m.RegisterQueue("cfg", QueueConfig{Concurrency: 7}))
	require.NoError(t, m.RegisterQueue("cfg", QueueConfig{Concurrency: 1}))
	st, ok := m.Status("cfg")
	require.True(t, ok)
	require.Equal(t, 7, st.Concurrency)

	require.NoError(t, m.Reconfigure("cfg", QueueConfig{Concurrency: 2}))
	st, _ = m.Status("cfg")
	require.Equal(t, 2, st.Concurrency)

	all := m.AllStatuses()
	require.Contains(t, all, "cfg")
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop(), nil, nil)
	m.Start(context.Background())
	require.NoError(t, m.Stop(context.Background()))
	_, err := m.Enqueue("q", nil, EnqueueOptions{})
	require.ErrorIs(t, err, ErrStopped)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	m := New(Config{MaxRetryDelay: 3 * time.Second}, logx.Nop(), nil, nil)
	cases := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{1, errors.New("x"), time.Second},
		{2, errors.New("x"), 2 * time.Second},
		{3, errors.New("x"), 3 * time.Second},
		{1, RetryAfter(errors.New("x"), 250*time.Millisecond), 250 * time.Millisecond},
		{1, RetryAfter(errors.New("x"), time.Minute), 3 * time.Second},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, m.backoff(time.Second, tc.attempt, tc.err), "attempt %d", tc.attempt)
	}
}
