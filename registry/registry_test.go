package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/events"
	"github.com/vinayprograms/fleetwatch/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func strp(s string) *string  { return &s }
func f64(v float64) *float64 { return &v }

func newTestRegistry() (*Registry, *store.MemoryStore, *events.Recorder) {
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	seq := 0
	reg := New(st, WithEvents(rec), WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("node-%d", seq)
	}))
	return reg, st, rec
}

func TestCanonicalIP(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.0.0.5", "10.0.0.5", false},
		{"  10.0.0.5 ", "10.0.0.5", false},
		{"::ffff:10.0.0.5", "10.0.0.5", false},
		{"2001:DB8::1", "2001:db8::1", false},
		{"", "", true},
		{"   ", "", true},
		{"10.0.0", "", true},
		{"not-an-ip", "", true},
		{"10.0.0.256", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalIP(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalIP(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Errorf("CanonicalIP(%q) code = %v, want INVALID_INPUT", tt.in, errors.Code(err))
		}
		if got != tt.want {
			t.Errorf("CanonicalIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUpsertByIP_CreatesNode(t *testing.T) {
	reg, _, rec := newTestRegistry()
	ctx := context.Background()

	n, created, err := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.5", Name: strp("api-1")}, t0)
	if err != nil {
		t.Fatalf("UpsertByIP: %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if n.Name != "api-1" {
		t.Errorf("Name = %q, want api-1", n.Name)
	}
	if !n.IsActive {
		t.Error("IsActive = false, want true")
	}
	if n.NodeType != store.NodeOther {
		t.Errorf("NodeType = %q, want other", n.NodeType)
	}
	if n.Port != store.DefaultPort {
		t.Errorf("Port = %d, want %d", n.Port, store.DefaultPort)
	}
	if n.LastHeartbeat == nil || !n.LastHeartbeat.Equal(t0) {
		t.Errorf("LastHeartbeat = %v, want %v", n.LastHeartbeat, t0)
	}
	if got := len(rec.OfType(events.NodeRegistered)); got != 1 {
		t.Errorf("NodeRegistered events = %d, want 1", got)
	}
}

func TestUpsertByIP_DefaultName(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	for i, name := range []*string{nil, strp(""), strp("   ")} {
		ip := fmt.Sprintf("10.0.1.%d", i+1)
		n, _, err := reg.UpsertByIP(ctx, Refresh{IP: ip, Name: name}, t0)
		if err != nil {
			t.Fatalf("UpsertByIP: %v", err)
		}
		if want := DefaultName(ip); n.Name != want {
			t.Errorf("Name = %q, want %q", n.Name, want)
		}
	}
}

func TestUpsertByIP_UpdatesInPlace(t *testing.T) {
	reg, st, rec := newTestRegistry()
	ctx := context.Background()

	first, _, err := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.5", Name: strp("api-1")}, t0)
	if err != nil {
		t.Fatal(err)
	}

	later := t0.Add(30 * time.Second)
	n, created, err := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.5"}, later)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("created = true on second heartbeat")
	}
	if n.ID != first.ID {
		t.Errorf("ID = %q, want %q", n.ID, first.ID)
	}
	if n.Name != "api-1" {
		t.Errorf("Name = %q, want name kept when not provided", n.Name)
	}
	if !n.LastHeartbeat.Equal(later) {
		t.Errorf("LastHeartbeat = %v, want %v", n.LastHeartbeat, later)
	}

	n, _, err = reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.5", Name: strp("api-renamed")}, later)
	if err != nil {
		t.Fatal(err)
	}
	if n.Name != "api-renamed" {
		t.Errorf("Name = %q, want api-renamed", n.Name)
	}

	all, _ := st.ListNodes(ctx, store.NodeFilter{})
	if len(all) != 1 {
		t.Errorf("nodes = %d, want 1", len(all))
	}
	if got := len(rec.OfType(events.NodeRegistered)); got != 1 {
		t.Errorf("NodeRegistered events = %d, want 1", got)
	}
}

func TestUpsertByIP_Metrics(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	_, _, err := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.7", Metrics: &Metrics{
		CPU:        f64(12.5),
		Memory:     f64(40),
		SystemInfo: map[string]any{"os": "linux"},
	}}, t0)
	if err != nil {
		t.Fatal(err)
	}

	// Only disk is reported; the rest must survive.
	n, _, err := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.7", Metrics: &Metrics{Disk: f64(71)}}, t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n.CPUUsage == nil || *n.CPUUsage != 12.5 {
		t.Errorf("CPUUsage = %v, want 12.5", n.CPUUsage)
	}
	if n.MemoryUsage == nil || *n.MemoryUsage != 40 {
		t.Errorf("MemoryUsage = %v, want 40", n.MemoryUsage)
	}
	if n.DiskUsage == nil || *n.DiskUsage != 71 {
		t.Errorf("DiskUsage = %v, want 71", n.DiskUsage)
	}
	if n.SystemInfo["os"] != "linux" {
		t.Errorf("SystemInfo = %v, want os=linux", n.SystemInfo)
	}
}

func TestUpsertByIP_InvalidInput(t *testing.T) {
	reg, st, _ := newTestRegistry()
	ctx := context.Background()

	tests := []Refresh{
		{},
		{IP: "   "},
		{IP: "garbage"},
		{IP: "10.0.0.9", NodeType: "mainframe"},
	}
	for _, ref := range tests {
		_, _, err := reg.UpsertByIP(ctx, ref, t0)
		if !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Errorf("UpsertByIP(%+v) err = %v, want INVALID_INPUT", ref, err)
		}
	}
	all, _ := st.ListNodes(ctx, store.NodeFilter{})
	if len(all) != 0 {
		t.Errorf("nodes = %d, want 0", len(all))
	}
}

func TestUpsertByIP_OutOfOrderKeepsMax(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	offsets := []int{5, 1, 9, 3, 7, 2}
	for _, off := range offsets {
		if _, _, err := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.5"}, t0.Add(time.Duration(off)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := reg.GetByIP(ctx, "10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if want := t0.Add(9 * time.Second); !n.LastHeartbeat.Equal(want) {
		t.Errorf("LastHeartbeat = %v, want %v", n.LastHeartbeat, want)
	}
}

func TestUpsertByIP_ConcurrentSameIP(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	reg := New(st, WithEvents(rec))
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, _, err := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.42"}, t0.Add(time.Duration(i)*time.Millisecond))
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpsertByIP: %v", err)
		}
	}

	all, _ := st.ListNodes(ctx, store.NodeFilter{})
	if len(all) != 1 {
		t.Fatalf("nodes = %d, want 1", len(all))
	}
	if want := t0.Add((workers - 1) * time.Millisecond); !all[0].LastHeartbeat.Equal(want) {
		t.Errorf("LastHeartbeat = %v, want %v", all[0].LastHeartbeat, want)
	}
	if got := len(rec.OfType(events.NodeRegistered)); got != 1 {
		t.Errorf("NodeRegistered events = %d, want 1", got)
	}
}

func TestUpsertByID(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	n, _, err := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.5"}, t0)
	if err != nil {
		t.Fatal(err)
	}

	later := t0.Add(time.Minute)
	got, err := reg.UpsertByID(ctx, n.ID, &Metrics{CPU: f64(3)}, later)
	if err != nil {
		t.Fatalf("UpsertByID: %v", err)
	}
	if !got.LastHeartbeat.Equal(later) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, later)
	}
	if got.CPUUsage == nil || *got.CPUUsage != 3 {
		t.Errorf("CPUUsage = %v, want 3", got.CPUUsage)
	}

	_, err = reg.UpsertByID(ctx, "missing", nil, later)
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("UpsertByID(missing) err = %v, want NOT_FOUND", err)
	}
	if fe := errors.AsFleetError(err); fe == nil || fe.NodeID() != "missing" {
		t.Errorf("NodeID tag missing from %v", err)
	}

	all, _ := reg.List(ctx)
	if len(all) != 1 {
		t.Errorf("nodes = %d, want 1 (no creation by ID)", len(all))
	}
}

func TestRegister(t *testing.T) {
	reg, _, rec := newTestRegistry()
	ctx := context.Background()

	n, err := reg.Register(ctx, Registration{Name: "db-1", IPAddress: "10.0.0.20", Port: 5432, NodeType: store.NodeDB}, t0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if n.Port != 5432 || n.NodeType != store.NodeDB || !n.IsActive {
		t.Errorf("node = %+v", n)
	}
	if n.LastHeartbeat == nil || !n.LastHeartbeat.Equal(t0) {
		t.Errorf("LastHeartbeat = %v, want %v", n.LastHeartbeat, t0)
	}
	if got := len(rec.OfType(events.NodeRegistered)); got != 1 {
		t.Errorf("NodeRegistered events = %d, want 1", got)
	}

	_, err = reg.Register(ctx, Registration{Name: "db-2", IPAddress: "10.0.0.20"}, t0)
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("duplicate IP err = %v, want INVALID_INPUT", err)
	}
	if _, ok := errors.Fields(err)["ip_address"]; !ok {
		t.Errorf("fields = %v, want ip_address", errors.Fields(err))
	}
}

func TestRegister_FieldErrors(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	_, err := reg.Register(ctx, Registration{IPAddress: "nope", Port: 70000, NodeType: "mainframe"}, t0)
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	fields := errors.Fields(err)
	for _, f := range []string{"name", "ip_address", "port", "node_type"} {
		if _, ok := fields[f]; !ok {
			t.Errorf("fields missing %q: %v", f, fields)
		}
	}
}

func TestNames_CountCharacters(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	accented := strings.Repeat("é", 60)
	n, err := reg.Register(ctx, Registration{Name: accented, IPAddress: "10.0.0.30"}, t0)
	if err != nil {
		t.Fatalf("Register(60 runes): %v", err)
	}
	if n.Name != accented {
		t.Errorf("Name = %q, want %q", n.Name, accented)
	}

	_, err = reg.Register(ctx, Registration{Name: strings.Repeat("é", MaxNameLength+1), IPAddress: "10.0.0.31"}, t0)
	if _, ok := errors.Fields(err)["name"]; !ok {
		t.Errorf("Register(101 runes) err = %v, want a name field error", err)
	}

	long := strings.Repeat("a", 99) + "é" + "tail"
	n, _, err = reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.32", Name: &long}, t0)
	if err != nil {
		t.Fatalf("UpsertByIP: %v", err)
	}
	if !utf8.ValidString(n.Name) {
		t.Errorf("Name %q is not valid UTF-8", n.Name)
	}
	if want := strings.Repeat("a", 99) + "é"; n.Name != want {
		t.Errorf("Name = %q, want %q", n.Name, want)
	}
}

func TestSetActive(t *testing.T) {
	reg, _, rec := newTestRegistry()
	ctx := context.Background()

	n, _, _ := reg.UpsertByIP(ctx, Refresh{IP: "10.0.0.5"}, t0)
	rec.Reset()

	later := t0.Add(time.Hour)
	got, err := reg.SetActive(ctx, n.ID, false, later)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Error("IsActive = true after disable")
	}
	if !got.LastHeartbeat.Equal(t0) {
		t.Errorf("LastHeartbeat moved to %v", got.LastHeartbeat)
	}

	active, _ := reg.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("ListActive = %d, want 0", len(active))
	}

	// Disabling twice is not a transition.
	if _, err := reg.SetActive(ctx, n.ID, false, later); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.SetActive(ctx, n.ID, true, later); err != nil {
		t.Fatal(err)
	}
	if got := len(rec.OfType(events.NodeDeactivated)); got != 1 {
		t.Errorf("NodeDeactivated = %d, want 1", got)
	}
	if got := len(rec.OfType(events.NodeActivated)); got != 1 {
		t.Errorf("NodeActivated = %d, want 1", got)
	}

	if _, err := reg.SetActive(ctx, "missing", true, later); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("SetActive(missing) err = %v, want NOT_FOUND", err)
	}
}

func TestListActive_OrderedByName(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	for i, name := range []string{"web-2", "api-1", "db-1"} {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		if _, _, err := reg.UpsertByIP(ctx, Refresh{IP: ip, Name: strp(name)}, t0); err != nil {
			t.Fatal(err)
		}
	}
	nodes, err := reg.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	want := []string{"api-1", "db-1", "web-2"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("names = %v, want %v", names, want)
	}
}

func TestGet_NotFound(t *testing.T) {
	reg, _, _ := newTestRegistry()
	if _, err := reg.Get(context.Background(), "nope"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("Get err = %v, want NOT_FOUND", err)
	}
}
