package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/fleetwatch/config"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/shutdown"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.Ingest.RateLimit = 100
	cfg.Ingest.Burst = 10
	return cfg
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	st, locker, err := openStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if locker == nil {
		t.Error("memory backend has no locker")
	}
	st.Close()

	cfg.Store.Backend = config.BackendBadger
	cfg.Store.Path = filepath.Join(t.TempDir(), "db")
	st, locker, err = openStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("badger: %v", err)
	}
	if locker != nil {
		t.Error("badger backend should not coordinate sweeps")
	}
	st.Close()

	cfg.Store.Backend = config.BackendNATS
	if _, _, err := openStore(ctx, cfg, nil); err == nil {
		t.Error("nats backend without a bus should fail")
	}

	cfg.Store.Backend = "etcd"
	if _, _, err := openStore(ctx, cfg, nil); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestDaemon_ServesHeartbeats(t *testing.T) {
	d, err := newDaemon(context.Background(), testConfig(), logging.New())
	if err != nil {
		t.Fatal(err)
	}
	defer d.close()

	if d.listener != nil {
		t.Error("bus listener created without nats.url")
	}
	if d.limiter == nil {
		t.Error("rate limiter not created")
	}

	srv := httptest.NewServer(d.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/heartbeat/", "application/json", strings.NewReader(`{"ip_address":"10.0.0.9"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("heartbeat status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestDaemon_ShutdownPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, testConfig(), logging.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.start(ctx); err != nil {
		t.Fatal(err)
	}

	srv := &http.Server{Handler: d.handler}
	coord := d.coordinator(srv, cancel)
	if err := coord.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v (failed %v)", err, coord.Result().FailedHandlers())
	}

	want := map[string]int{
		"http":    shutdown.PhaseIngress,
		"sweep":   shutdown.PhaseSchedulers,
		"probe":   shutdown.PhaseSchedulers,
		"storage": shutdown.PhaseStorage,
	}
	for _, hr := range coord.Result().Results {
		if phase, ok := want[hr.Name]; ok && phase != hr.Phase {
			t.Errorf("%s phase = %d, want %d", hr.Name, hr.Phase, phase)
		}
		delete(want, hr.Name)
	}
	if len(want) != 0 {
		t.Errorf("handlers not run: %v", want)
	}
	if ctx.Err() == nil {
		t.Error("root context not canceled by the storage phase")
	}
}
