package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bulkrun/internal/eventbus"
	"bulkrun/internal/model"
	"bulkrun/internal/storage"
	logx "bulkrun/pkg/logx"
)

type recordSink struct {
	name string

	mu    sync.Mutex
	fails int // fail this many sends before succeeding
	got   []Notification
	calls int
}

func (r *recordSink) Name() string { return r.name }

func (r *recordSink) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fails > 0 {
		r.fails--
		return errors.New("sink unavailable")
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recordSink) delivered() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     1,
		RatePerSec:  1000,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func testBatch() *model.Batch {
	return &model.Batch{
		ID:              "b-1",
		OwnerID:         "alice",
		Type:            model.TypeVerify,
		Status:          model.BatchCompleted,
		TotalItems:      10,
		ProcessedItems:  10,
		SuccessfulItems: 9,
		FailedItems:     1,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceDeliversToEverySink(t *testing.T) {
	a := &recordSink{name: "a"}
	b := &recordSink{name: "b"}
	s := New(testConfig(), []Sink{a, b}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.OnComplete(context.Background(), testBatch()); err != nil {
		t.Fatalf("OnComplete: %v", err)
	}
	waitFor(t, "both sinks", func() bool { return len(a.delivered()) == 1 && len(b.delivered()) == 1 })

	n := a.delivered()[0]
	if n.Kind != KindCompleted || n.BatchID != "b-1" || n.Failed != 1 {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if len(s.History()) != 2 {
		t.Fatalf("history len=%d, want 2", len(s.History()))
	}
}

func TestServiceFailedBatchUsesFailedKind(t *testing.T) {
	a := &recordSink{name: "a"}
	s := New(testConfig(), []Sink{a}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	b := testBatch()
	b.Status = model.BatchFailed
	_ = s.OnComplete(context.Background(), b)
	waitFor(t, "delivery", func() bool { return len(a.delivered()) == 1 })
	if got := a.delivered()[0].Kind; got != KindFailed {
		t.Fatalf("kind=%s, want %s", got, KindFailed)
	}
}

func TestServiceDedupSuppressesRepeat(t *testing.T) {
	a := &recordSink{name: "a"}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "notify.deduped")
	defer unsub()

	s := New(testConfig(), []Sink{a}, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.OnComplete(context.Background(), testBatch())
	_ = s.OnComplete(context.Background(), testBatch())

	select {
	case ev := <-events:
		if ev.Data.(DeliveryEvent).BatchID != "b-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no notify.deduped event")
	}
	waitFor(t, "first delivery", func() bool { return len(a.delivered()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(a.delivered()); n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
}

func TestServicePersistentDedupSurvivesRestart(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	cfg := testConfig()
	cfg.PersistDedup = true

	a := &recordSink{name: "a"}
	s1 := New(cfg, []Sink{a}, logx.Nop(), nil, store)
	s1.Start(context.Background())
	_ = s1.OnStart(context.Background(), testBatch())
	waitFor(t, "delivery", func() bool { return len(a.delivered()) == 1 })
	key := dedupKey("a", FromBatch(KindStarted, testBatch(), nil))
	waitFor(t, "dedup persisted", func() bool {
		_, ok, _ := store.GetDedup(context.Background(), key)
		return ok
	})
	s1.Stop(context.Background())

	s2 := New(cfg, []Sink{a}, logx.Nop(), nil, store)
	s2.Start(context.Background())
	defer s2.Stop(context.Background())
	_ = s2.OnStart(context.Background(), testBatch())
	time.Sleep(30 * time.Millisecond)
	if n := len(a.delivered()); n != 1 {
		t.Fatalf("delivered %d after restart, want 1", n)
	}
}

func TestServiceRetriesThenPublishesFailure(t *testing.T) {
	flaky := &recordSink{name: "flaky", fails: 2}
	dead := &recordSink{name: "dead", fails: 100}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, "notify.failed")
	defer unsub()

	s := New(testConfig(), []Sink{flaky, dead}, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.OnError(context.Background(), testBatch(), errors.New("store down"))
	waitFor(t, "flaky delivery", func() bool { return len(flaky.delivered()) == 1 })

	select {
	case ev := <-failed:
		de := ev.Data.(DeliveryEvent)
		if de.Sink != "dead" || de.Kind != KindError || de.Error == "" {
			t.Fatalf("unexpected failure event: %+v", de)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notify.failed event")
	}
	dead.mu.Lock()
	calls := dead.calls
	dead.mu.Unlock()
	if calls != 3 {
		t.Fatalf("dead sink calls=%d, want 3", calls)
	}
	if got := flaky.delivered()[0].Error; got != "store down" {
		t.Fatalf("error=%q", got)
	}
}

func TestServiceDisabledAndStopped(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, nil, logx.Nop(), nil, nil)
	s.Start(context.Background())
	if err := s.OnStart(context.Background(), testBatch()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v, want ErrDisabled", err)
	}

	s = New(testConfig(), nil, logx.Nop(), nil, nil)
	if err := s.OnStart(context.Background(), testBatch()); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start err=%v, want ErrStopped", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.OnStart(context.Background(), testBatch()); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err=%v, want ErrStopped", err)
	}
}

func TestWebhookSink(t *testing.T) {
	var (
		mu   sync.Mutex
		got  Notification
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink("", time.Second)
	n := FromBatch(KindCompleted, testBatch(), nil)
	if sink.Accepts(n) {
		t.Fatal("sink without any URL must not accept")
	}

	n.WebhookURL = srv.URL + "/hook"
	if !sink.Accepts(n) {
		t.Fatal("per-batch URL should be accepted")
	}
	if err := sink.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	if got.BatchID != "b-1" || got.Kind != KindCompleted {
		t.Fatalf("payload=%+v", got)
	}
	mu.Unlock()

	n.WebhookURL = srv.URL + "/broken"
	if err := sink.Send(context.Background(), n); err == nil {
		t.Fatal("expected error on 502")
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Fatalf("hits=%d, want 2", hits)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 70 * time.Millisecond, 130 * time.Millisecond},
		{2, 140 * time.Millisecond, 260 * time.Millisecond},
		{10, 700 * time.Millisecond, time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			d := retryDelay(cfg, tc.attempt)
			if d < tc.min || d > tc.max {
				t.Fatalf("attempt %d: delay %v outside [%v,%v]", tc.attempt, d, tc.min, tc.max)
			}
		}
	}
}

func TestNotificationText(t *testing.T) {
	n := FromBatch(KindError, testBatch(), errors.New("boom"))
	want := "🚨 verify batch b-1 (alice) COMPLETED: 10/10 processed, 9 ok, 1 failed: boom"
	if got := n.Text(); got != want {
		t.Fatalf("Text()=%q\nwant    %q", got, want)
	}
}
