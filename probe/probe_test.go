package probe

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vinayprograms/fleetwatch/aggregator"
	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/store"
	"github.com/vinayprograms/fleetwatch/telemetry"
)

func statusServer(t *testing.T, code *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAggregator() *aggregator.Aggregator {
	st := store.NewMemoryStore()
	return aggregator.New(st, st, 0)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		targets []Target
		wantErr bool
	}{
		{"no targets", nil, false},
		{"valid", []Target{{Name: "api", URL: "http://localhost:8000/api/"}}, false},
		{"blank name", []Target{{Name: " ", URL: "http://x"}}, true},
		{"duplicate", []Target{{Name: "a", URL: "http://x"}, {Name: "a", URL: "http://y"}}, true},
		{"relative url", []Target{{Name: "a", URL: "/api/"}}, true},
		{"bad scheme", []Target{{Name: "a", URL: "ftp://x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Targets: tt.targets}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !stderrors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Timeout: time.Minute}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", cfg.Interval, DefaultInterval)
	}
	if cfg.Timeout != MaxTimeout {
		t.Errorf("Timeout = %v, want capped at %v", cfg.Timeout, MaxTimeout)
	}
	if cfg.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d, want %d", cfg.Concurrency, DefaultConcurrency)
	}
}

func TestCheck_CreatesServiceAndWritesOnChange(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := statusServer(t, &code)

	agg := newAggregator()
	target := Target{Name: "Appointments API", URL: srv.URL + "/api/appointments/"}
	p, err := New(agg, Config{Targets: []Target{target}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res, err := p.Check(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Operational || res.Changed || res.StatusCode != http.StatusOK {
		t.Errorf("first check = %+v, want operational and unchanged", res)
	}
	svc, err := agg.Get(ctx, res.ServiceID)
	if err != nil {
		t.Fatal(err)
	}
	if svc.Description != "Endpoint: "+target.URL {
		t.Errorf("Description = %q", svc.Description)
	}
	if svc.LastCheck != nil {
		t.Errorf("LastCheck = %v, want untouched when nothing changed", svc.LastCheck)
	}

	code.Store(http.StatusServiceUnavailable)
	res, err = p.Check(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if res.Operational || !res.Changed {
		t.Errorf("503 check = %+v, want non-operational and changed", res)
	}
	svc, _ = agg.Get(ctx, res.ServiceID)
	if svc.IsOperational {
		t.Error("IsOperational = true after 503")
	}

	res, _ = p.Check(ctx, target)
	if res.Changed {
		t.Error("Changed = true on repeated 503")
	}

	// 3xx counts as operational.
	code.Store(http.StatusNotModified)
	res, _ = p.Check(ctx, target)
	if !res.Operational || !res.Changed {
		t.Errorf("304 check = %+v, want operational and changed", res)
	}
}

func TestCheck_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	p, err := New(newAggregator(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Check(context.Background(), Target{Name: "gone", URL: addr})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operational || res.Err == nil {
		t.Errorf("result = %+v, want non-operational with error", res)
	}
	if !errors.Is(res.Err, errors.ErrCodeUnavailable) {
		t.Errorf("Err = %v, want UNAVAILABLE", res.Err)
	}
}

func TestCheck_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := New(newAggregator(), Config{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Check(context.Background(), Target{Name: "slow", URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operational {
		t.Error("Operational = true for a timed-out probe")
	}
	if !errors.Is(res.Err, errors.ErrCodeTimeout) {
		t.Errorf("Err = %v, want TIMEOUT", res.Err)
	}
}

func TestCheckOnce(t *testing.T) {
	var up, down atomic.Int32
	up.Store(http.StatusOK)
	down.Store(http.StatusInternalServerError)
	upSrv := statusServer(t, &up)
	downSrv := statusServer(t, &down)

	metrics := telemetry.NewMetrics()
	targets := []Target{
		{Name: "up", URL: upSrv.URL},
		{Name: "down", URL: downSrv.URL},
		{Name: "up-2", URL: upSrv.URL + "/other"},
	}
	p, err := New(newAggregator(), Config{Concurrency: 2, Targets: targets}, WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}

	results, err := p.CheckOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(targets) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(targets))
	}
	want := []bool{true, false, true}
	for i, res := range results {
		if res.Target.Name != targets[i].Name {
			t.Errorf("results[%d].Target = %s, want %s", i, res.Target.Name, targets[i].Name)
		}
		if res.Operational != want[i] {
			t.Errorf("%s Operational = %v, want %v", res.Target.Name, res.Operational, want[i])
		}
	}

	n, err := testutil.GatherAndCount(metrics.Registry(), "fleetwatch_probes_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("probe series = %d, want 3", n)
	}
}

func TestCheckOnce_FailureDoesNotCancelSiblings(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	agg := newAggregator()
	targets := []Target{
		// Longer than a service name may be, so recording it fails.
		{Name: strings.Repeat("x", aggregator.MaxNameLength+1), URL: slow.URL},
		{Name: "slow", URL: slow.URL},
	}
	p, err := New(agg, Config{Concurrency: 2, Targets: targets})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	results, err := p.CheckOnce(ctx)
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	res := results[1]
	if !res.Operational || res.Err != nil || res.Changed {
		t.Errorf("slow result = %+v, want operational and unchanged", res)
	}
	svc, err := agg.Get(ctx, res.ServiceID)
	if err != nil {
		t.Fatal(err)
	}
	if !svc.IsOperational {
		t.Error("IsOperational = false for a healthy endpoint")
	}
}

func TestCheck_CanceledRecordsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))
	defer srv.Close()

	agg := newAggregator()
	target := Target{Name: "api", URL: srv.URL}
	p, err := New(agg, Config{Targets: []Target{target}})
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Check(ctx, target)
	if !errors.Is(err, errors.ErrCodeCanceled) {
		t.Fatalf("err = %v, want CANCELED", err)
	}
	if res.Changed {
		t.Error("Changed = true for an interrupted check")
	}
	svc, err := agg.Get(context.Background(), res.ServiceID)
	if err != nil {
		t.Fatal(err)
	}
	if !svc.IsOperational || svc.LastCheck != nil {
		t.Errorf("service = %+v, want untouched", svc)
	}
}

func TestStartStop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p, err := New(newAggregator(), Config{
		Interval: 10 * time.Millisecond,
		Targets:  []Target{{Name: "svc", URL: srv.URL}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("second Start err = %v, want CONFLICT", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() < 3 {
		t.Errorf("hits = %d, want at least 3 rounds", hits.Load())
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	after := hits.Load()
	time.Sleep(30 * time.Millisecond)
	if hits.Load() != after {
		t.Error("probes continued after Stop")
	}
}

func TestStart_NoTargets(t *testing.T) {
	p, err := New(newAggregator(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop err = %v", err)
	}
}
