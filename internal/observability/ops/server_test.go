package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bulkrun/internal/queue"
	rtsup "bulkrun/internal/runtime/supervisor"
	logx "bulkrun/pkg/logx"
)

type staticQueues map[string]queue.Status

func (q staticQueues) AllQueueStatuses() map[string]queue.Status { return q }

func testDeps(t *testing.T) (Deps, *rtsup.Supervisor) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkrun_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	sup := rtsup.New(context.Background())
	t.Cleanup(sup.Cancel)
	return Deps{
		Gatherer:    reg,
		Queues:      staticQueues{"batch.verify": {Name: "batch.verify", Pending: 3, Concurrency: 5, HasHandler: true}},
		Supervisors: func() map[string]*rtsup.Supervisor { return map[string]*rtsup.Supervisor{"queue": sup} },
	}, sup
}

func get(t *testing.T, h http.Handler, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerEndpoints(t *testing.T) {
	deps, _ := testDeps(t)
	s := New(Config{}, deps, logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/queues", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/queues code=%d", rec.Code)
	}
	var qs map[string]queue.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &qs); err != nil {
		t.Fatalf("decode /queues: %v", err)
	}
	if qs["batch.verify"].Pending != 3 {
		t.Fatalf("/queues = %+v", qs)
	}

	rec = get(t, h, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "bulkrun_test_total 1") {
		t.Fatalf("/metrics code=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = get(t, h, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz code=%d", rec.Code)
	}
	var hr healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &hr); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	if hr.Status != "ok" {
		t.Fatalf("health = %+v", hr)
	}
	if _, ok := hr.Components["queue"]; !ok {
		t.Fatalf("queue component missing: %+v", hr.Components)
	}

	rec = get(t, h, "/debug/pprof/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof index code=%d", rec.Code)
	}
}

func TestHealthDegradedOnLoopFailure(t *testing.T) {
	deps, sup := testDeps(t)
	sup.Go("worker", func(ctx context.Context) error { return errors.New("boom") })
	_ = sup.Wait(context.Background())

	rec := get(t, New(Config{}, deps, logx.Nop()).Handler(Config{}), "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	deps, _ := testDeps(t)
	h := New(Config{}, deps, logx.Nop()).Handler(Config{Token: "s3cret", Prefix: "ops/pprof"})

	if rec := get(t, h, "/queues", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token code=%d", rec.Code)
	}
	if rec := get(t, h, "/queues", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token code=%d", rec.Code)
	}
	if rec := get(t, h, "/queues", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer code=%d", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token code=%d", rec.Code)
	}
	if rec := get(t, h, "/ops/pprof/", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("custom prefix code=%d", rec.Code)
	}
}

func TestReconfigureStartsAndStops(t *testing.T) {
	deps, _ := testDeps(t)
	s := New(Config{}, deps, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: -1, BlockProfileRate: -1})
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never bound")
		}
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("code=%d body=%s", resp.StatusCode, body)
	}

	s.Reconfigure(ctx, Config{Enabled: false, MutexProfileFraction: -1, BlockProfileRate: -1})
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server still running after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:80":    false,
		"bogus":          false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v, want %v", addr, got, want)
		}
	}
}
