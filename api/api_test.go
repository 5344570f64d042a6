package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/fleetwatch/aggregator"
	"github.com/vinayprograms/fleetwatch/events"
	"github.com/vinayprograms/fleetwatch/ingest"
	"github.com/vinayprograms/fleetwatch/registry"
	"github.com/vinayprograms/fleetwatch/store"
	"github.com/vinayprograms/fleetwatch/sweep"
	"github.com/vinayprograms/fleetwatch/telemetry"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const threshold = 120 * time.Second

// stepClock is a time2.Clock whose Now the test moves by hand.
type stepClock struct {
	*time2.MockClock

	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	srv    *httptest.Server
	clock  *stepClock
	broker *events.Broker
	reg    *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clock := &stepClock{MockClock: time2.NewMockClock(t0), now: t0}
	broker := events.NewBroker(nil, "", nil)

	reg := registry.New(st, registry.WithEvents(broker))
	agg := aggregator.New(st, st, threshold, aggregator.WithEvents(broker))
	gw := ingest.New(reg, ingest.WithClock(clock))
	sched := sweep.New(reg, agg, sweep.Config{Threshold: threshold},
		sweep.WithClock(clock), sweep.WithEvents(broker))

	h := New(reg, agg, gw, sched,
		WithClock(clock),
		WithBroker(broker),
		WithMetrics(telemetry.NewMetrics()),
		WithStreamKeepalive(time.Hour))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		broker.Close()
		srv.Close()
	})
	return &fixture{srv: srv, clock: clock, broker: broker, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestHeartbeatRoutes(t *testing.T) {
	f := newFixture(t)

	for i, path := range []string{"/heartbeat/", "/nodes/heartbeat/", "/raw/heartbeat/"} {
		status, data := f.do(t, http.MethodPost, path, fmt.Sprintf(`{"ip_address":"10.0.0.%d"}`, i+1))
		if status != http.StatusOK {
			t.Fatalf("POST %s status = %d, body %s", path, status, data)
		}
		var resp map[string]interface{}
		decode(t, data, &resp)
		if resp["status"] != "success" || resp["message"] != "Heartbeat recorded" {
			t.Errorf("POST %s body = %v", path, resp)
		}
		if resp["node_name"] != fmt.Sprintf("Node-10.0.0.%d", i+1) {
			t.Errorf("node_name = %v", resp["node_name"])
		}
	}
}

func TestHeartbeat_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		body   string
		status int
	}{
		{`{}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"ip_address":"nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		status, data := f.do(t, http.MethodPost, "/heartbeat/", tt.body)
		if status != tt.status {
			t.Errorf("body %q status = %d, want %d", tt.body, status, tt.status)
		}
		var resp map[string]interface{}
		decode(t, data, &resp)
		if resp["status"] != "error" || resp["error"] == "" {
			t.Errorf("body %q response = %v", tt.body, resp)
		}
	}

	if status, _ := f.do(t, http.MethodGet, "/heartbeat/", ""); status != http.StatusMethodNotAllowed {
		t.Errorf("GET /heartbeat/ status = %d, want 405", status)
	}
}

func TestNodeHeartbeatByID(t *testing.T) {
	f := newFixture(t)
	_, data := f.do(t, http.MethodPost, "/heartbeat/", `{"ip_address":"10.0.0.1"}`)
	var created map[string]interface{}
	decode(t, data, &created)
	id := created["node_id"].(string)

	status, data := f.do(t, http.MethodPost, "/nodes/"+id+"/heartbeat/", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var resp map[string]interface{}
	decode(t, data, &resp)
	if resp["status"] != "heartbeat recorded" || resp["node_id"] != id {
		t.Errorf("response = %v", resp)
	}

	status, _ = f.do(t, http.MethodPost, "/nodes/missing/heartbeat/", "")
	if status != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", status)
	}
}

func TestNodeViewsAndCheck(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/heartbeat/", `{"ip_address":"10.0.0.1","name":"a"}`)
	f.do(t, http.MethodPost, "/heartbeat/", `{"ip_address":"10.0.0.2","name":"b"}`)

	f.clock.Advance(90 * time.Second)
	f.do(t, http.MethodPost, "/heartbeat/", `{"ip_address":"10.0.0.2"}`)
	f.clock.Advance(60 * time.Second)

	status, data := f.do(t, http.MethodGet, "/nodes/", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var nodes []map[string]interface{}
	decode(t, data, &nodes)
	if len(nodes) != 2 {
		t.Fatalf("len = %d, want 2", len(nodes))
	}
	want := map[string]bool{"a": false, "b": true}
	for _, n := range nodes {
		name := n["name"].(string)
		if n["is_alive"] != want[name] {
			t.Errorf("%s is_alive = %v, want %v", name, n["is_alive"], want[name])
		}
	}
	if nodes[0]["status_display"] != "dead" || nodes[1]["status_display"] != "alive" {
		t.Errorf("status_display = %v, %v", nodes[0]["status_display"], nodes[1]["status_display"])
	}

	var check NodeCheck
	_, data = f.do(t, http.MethodGet, "/nodes/check/", "")
	decode(t, data, &check)
	if check != (NodeCheck{Total: 2, Active: 1, Inactive: 1}) {
		t.Errorf("check = %+v", check)
	}
}

func TestRegisterAndToggle(t *testing.T) {
	f := newFixture(t)

	status, data := f.do(t, http.MethodPost, "/nodes/", `{"name":"db-1","ip_address":"10.1.0.1","port":5432,"node_type":"db"}`)
	if status != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", status, data)
	}
	var n map[string]interface{}
	decode(t, data, &n)
	id := n["id"].(string)
	if n["is_alive"] != true || n["node_type"] != "db" {
		t.Errorf("registered node = %v", n)
	}

	status, data = f.do(t, http.MethodPost, "/nodes/", `{"name":"dup","ip_address":"10.1.0.1"}`)
	if status != http.StatusBadRequest {
		t.Errorf("duplicate status = %d, want 400", status)
	}
	var eb errorBody
	decode(t, data, &eb)
	if eb.Fields["ip_address"] == "" {
		t.Errorf("fields = %v, want ip_address error", eb.Fields)
	}

	status, data = f.do(t, http.MethodPatch, "/nodes/"+id+"/", `{"is_active":false}`)
	if status != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", status, data)
	}
	decode(t, data, &n)
	if n["status_display"] != "inactive" {
		t.Errorf("status_display = %v, want inactive", n["status_display"])
	}

	var active []map[string]interface{}
	_, data = f.do(t, http.MethodGet, "/nodes/active/", "")
	decode(t, data, &active)
	if len(active) != 0 {
		t.Errorf("active nodes = %d, want 0", len(active))
	}

	if status, _ := f.do(t, http.MethodPatch, "/nodes/"+id+"/", `{}`); status != http.StatusBadRequest {
		t.Errorf("patch without is_active status = %d, want 400", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/nodes/missing/", ""); status != http.StatusNotFound {
		t.Errorf("GET missing node status = %d, want 404", status)
	}
}

func TestServicesAndSweep(t *testing.T) {
	f := newFixture(t)

	_, data := f.do(t, http.MethodPost, "/heartbeat/", `{"ip_address":"10.0.0.1"}`)
	var hb map[string]interface{}
	decode(t, data, &hb)
	nodeID := hb["node_id"].(string)

	status, data := f.do(t, http.MethodPost, "/services/", `{"name":"api","description":"public API"}`)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", status, data)
	}
	var svc store.Service
	decode(t, data, &svc)

	status, data = f.do(t, http.MethodPost, "/services/"+svc.ID+"/nodes/", fmt.Sprintf(`{"node_id":%q}`, nodeID))
	if status != http.StatusOK {
		t.Fatalf("link status = %d, body %s", status, data)
	}
	decode(t, data, &svc)
	if !svc.HasNode(nodeID) || !svc.IsOperational {
		t.Errorf("linked service = %+v", svc)
	}

	// The node goes silent; a sweep flips the service.
	f.clock.Advance(threshold)
	status, data = f.do(t, http.MethodPost, "/sweep/", "")
	if status != http.StatusOK {
		t.Fatalf("sweep status = %d, body %s", status, data)
	}
	var sum sweep.Summary
	decode(t, data, &sum)
	if sum.Dead != 1 || sum.ServicesChanged != 1 {
		t.Errorf("sweep summary = %+v", sum)
	}

	var check aggregator.Summary
	_, data = f.do(t, http.MethodGet, "/services/check/", "")
	decode(t, data, &check)
	if check != (aggregator.Summary{Total: 1, Operational: 0, NonOperational: 1}) {
		t.Errorf("services check = %+v", check)
	}

	status, _ = f.do(t, http.MethodPost, "/services/"+svc.ID+"/update/", `{"is_operational":true}`)
	if status != http.StatusOK {
		t.Errorf("update status = %d", status)
	}
	_, data = f.do(t, http.MethodGet, "/services/"+svc.ID+"/", "")
	decode(t, data, &svc)
	if !svc.IsOperational {
		t.Error("manual override not applied")
	}

	status, data = f.do(t, http.MethodPost, "/services/"+svc.ID+"/update/", `{}`)
	if status != http.StatusBadRequest || !bytes.Contains(data, []byte("is_operational field is required")) {
		t.Errorf("update without field: %d %s", status, data)
	}

	status, data = f.do(t, http.MethodDelete, "/services/"+svc.ID+"/nodes/"+nodeID+"/", "")
	if status != http.StatusOK {
		t.Fatalf("unlink status = %d, body %s", status, data)
	}
	decode(t, data, &svc)
	if len(svc.NodeIDs) != 0 {
		t.Errorf("NodeIDs = %v after unlink", svc.NodeIDs)
	}

	var dash Dashboard
	_, data = f.do(t, http.MethodGet, "/dashboard/", "")
	decode(t, data, &dash)
	if dash.NodeCheck.Total != 1 || dash.Summary.Total != 1 {
		t.Errorf("dashboard = %+v", dash)
	}
	if len(dash.Services) != 1 || dash.Services[0].ID != svc.ID || dash.Services[0].Name != "api" {
		t.Errorf("dashboard services = %+v, want [%s]", dash.Services, svc.ID)
	}
	if !bytes.Contains(data, []byte(`"services":[`)) {
		t.Errorf("dashboard body %s has no services list", data)
	}
}

func TestCreateService_Validation(t *testing.T) {
	f := newFixture(t)
	status, data := f.do(t, http.MethodPost, "/services/", `{"name":""}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	var eb errorBody
	decode(t, data, &eb)
	if eb.Code != "INVALID_INPUT" || eb.Fields["name"] == "" {
		t.Errorf("error body = %+v", eb)
	}

	if status, _ := f.do(t, http.MethodPost, "/services/", ""); status != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/heartbeat/", `{"ip_address":"10.0.0.1"}`)

	if status, _ := f.do(t, http.MethodGet, "/healthz", ""); status != http.StatusOK {
		t.Errorf("healthz status = %d", status)
	}
	status, data := f.do(t, http.MethodGet, "/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	if !bytes.Contains(data, []byte(`fleetwatch_requests_total{route="POST /heartbeat/{$}",status="2xx"} 1`)) {
		t.Errorf("metrics missing heartbeat request counter:\n%s", data)
	}
}

func TestEventStream_SSE(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/events/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// The subscription is live once headers arrive.
	f.do(t, http.MethodPost, "/heartbeat/", `{"ip_address":"10.0.0.1"}`)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "event: node_registered\n" {
		t.Errorf("line = %q, want node_registered event", line)
	}
}

func TestEventStream_WebSocket(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription happens right after the upgrade; retry until delivered.
	got := make(chan events.Event, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		e, _ := events.Decode(data)
		got <- e
	}()

	deadline := time.After(3 * time.Second)
	for i := 1; ; i++ {
		f.do(t, http.MethodPost, "/heartbeat/", fmt.Sprintf(`{"ip_address":"10.0.1.%d"}`, i))
		select {
		case e := <-got:
			if e.Type != events.NodeRegistered {
				t.Errorf("Type = %s, want node_registered", e.Type)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
