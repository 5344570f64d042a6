package transport

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/fleetwatch/events"
)

// --- Unit Tests ---

func TestSSEConfig_Defaults(t *testing.T) {
	cfg := DefaultSSEConfig()
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
}

type noFlushWriter struct {
	http.ResponseWriter
}

func TestNewSSEStream_RequiresFlusher(t *testing.T) {
	_, err := NewSSEStream(noFlushWriter{httptest.NewRecorder()}, DefaultSSEConfig())
	if err != ErrNotSupported {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}

// --- Integration Tests ---

func newSSEServer(t *testing.T, src <-chan events.Event, cfg SSEConfig) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream, err := NewSSEStream(w, cfg)
		if err != nil {
			t.Errorf("NewSSEStream: %v", err)
			return
		}
		go Forward(r.Context(), src, stream)
		stream.Run(r.Context())
	}))
}

func TestSSEStream_WireFormat(t *testing.T) {
	src := make(chan events.Event, 1)
	server := newSSEServer(t, src, DefaultSSEConfig())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	src <- events.Event{Type: events.ServiceChanged, ServiceID: "s1"}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("frame = %q, want event and data lines", lines)
	}
	if lines[0] != "event: service_changed" {
		t.Errorf("event line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "data: {") || !strings.Contains(lines[1], `"service_id":"s1"`) {
		t.Errorf("data line = %q", lines[1])
	}
}

func TestSSEStream_Keepalive(t *testing.T) {
	cfg := DefaultSSEConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	server := newSSEServer(t, make(chan events.Event), cfg)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != ": keepalive\n" {
		t.Errorf("line = %q, want keepalive comment", line)
	}
}

func TestSSEClient_ReceivesEvents(t *testing.T) {
	src := make(chan events.Event, 2)
	server := newSSEServer(t, src, DefaultSSEConfig())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := NewSSEClient(server.URL, 10)
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	src <- events.Event{Type: events.NodeDown, NodeID: "a"}
	src <- events.Event{Type: events.NodeRecovered, NodeID: "a"}

	for _, want := range []events.Type{events.NodeDown, events.NodeRecovered} {
		select {
		case e := <-client.Recv():
			if e.Type != want {
				t.Errorf("Type = %s, want %s", e.Type, want)
			}
		case <-ctx.Done():
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestSSEClient_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := NewSSEClient(server.URL, 0)
	if err := client.Connect(context.Background()); err == nil {
		t.Error("expected error for 404")
	}
}
