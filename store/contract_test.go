package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// runContract exercises the Store contract against a fresh store per subtest.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("UpsertCreatesThenUpdates", func(t *testing.T) { testUpsertCreatesThenUpdates(t, open(t)) })
	t.Run("UpsertConcurrentSameIP", func(t *testing.T) { testUpsertConcurrentSameIP(t, open(t)) })
	t.Run("UpsertMutatorError", func(t *testing.T) { testUpsertMutatorError(t, open(t)) })
	t.Run("CreateNodeConflict", func(t *testing.T) { testCreateNodeConflict(t, open(t)) })
	t.Run("UpdateNode", func(t *testing.T) { testUpdateNode(t, open(t)) })
	t.Run("ListNodesOrderAndFilter", func(t *testing.T) { testListNodes(t, open(t)) })
	t.Run("Services", func(t *testing.T) { testServices(t, open(t)) })
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newNode(name, ip string) *Node {
	last := t0
	return &Node{
		ID:            uuid.NewString(),
		Name:          name,
		IPAddress:     ip,
		Port:          DefaultPort,
		NodeType:      NodeOther,
		LastHeartbeat: &last,
		IsActive:      true,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func createOrTouch(name string, at time.Time) func(ip string) NodeMutator {
	return func(ip string) NodeMutator {
		return func(existing *Node) (*Node, error) {
			if existing == nil {
				n := newNode(name, ip)
				n.LastHeartbeat = &at
				return n, nil
			}
			if existing.LastHeartbeat == nil || at.After(*existing.LastHeartbeat) {
				existing.LastHeartbeat = &at
			}
			existing.UpdatedAt = at
			return existing, nil
		}
	}
}

func testUpsertCreatesThenUpdates(t *testing.T, s Store) {
	ctx := context.Background()

	n1, created, err := s.UpsertNodeByIP(ctx, "10.0.0.1", createOrTouch("a", t0)("10.0.0.1"))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Error("first upsert should create")
	}

	later := t0.Add(time.Minute)
	n2, created, err := s.UpsertNodeByIP(ctx, "10.0.0.1", createOrTouch("a", later)("10.0.0.1"))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("second upsert should update")
	}
	if n2.ID != n1.ID {
		t.Errorf("ID = %v, want %v", n2.ID, n1.ID)
	}

	got, err := s.GetNodeByIP(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("GetNodeByIP: %v", err)
	}
	if !got.LastHeartbeat.Equal(later) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, later)
	}

	nodes, err := s.ListNodes(ctx, NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("len(nodes) = %d, want 1", len(nodes))
	}
}

func testUpsertConcurrentSameIP(t *testing.T, s Store) {
	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := t0.Add(time.Duration(i) * time.Second)
			_, _, err := s.UpsertNodeByIP(ctx, "10.0.0.9", createOrTouch("n", at)("10.0.0.9"))
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent upsert: %v", err)
	}

	nodes, err := s.ListNodes(ctx, NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want exactly 1", len(nodes))
	}
	want := t0.Add((workers - 1) * time.Second)
	if !nodes[0].LastHeartbeat.Equal(want) {
		t.Errorf("LastHeartbeat = %v, want max %v", nodes[0].LastHeartbeat, want)
	}
}

func testUpsertMutatorError(t *testing.T, s Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	_, _, err := s.UpsertNodeByIP(ctx, "10.0.0.2", func(*Node) (*Node, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if _, err := s.GetNodeByIP(ctx, "10.0.0.2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNodeByIP err = %v, want ErrNotFound", err)
	}
}

func testCreateNodeConflict(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.CreateNode(ctx, newNode("a", "10.0.0.3")); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := s.CreateNode(ctx, newNode("b", "10.0.0.3")); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate IP err = %v, want ErrConflict", err)
	}
}

func testUpdateNode(t *testing.T, s Store) {
	ctx := context.Background()
	n := newNode("a", "10.0.0.4")
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	got, err := s.UpdateNode(ctx, n.ID, func(existing *Node) (*Node, error) {
		existing.IsActive = false
		return existing, nil
	})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if got.IsActive {
		t.Error("IsActive should be false")
	}

	_, err = s.UpdateNode(ctx, "missing", func(e *Node) (*Node, error) { return e, nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing node err = %v, want ErrNotFound", err)
	}

	_, err = s.UpdateNode(ctx, n.ID, func(e *Node) (*Node, error) {
		e.IPAddress = "10.9.9.9"
		return e, nil
	})
	if err == nil {
		t.Error("changing ip_address through UpdateNode should fail")
	}
}

func testListNodes(t *testing.T, s Store) {
	ctx := context.Background()
	for i, name := range []string{"charlie", "alpha", "bravo"} {
		n := newNode(name, fmt.Sprintf("10.1.0.%d", i+1))
		n.IsActive = name != "bravo"
		if err := s.CreateNode(ctx, n); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}

	all, err := s.ListNodes(ctx, NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	var names []string
	for _, n := range all {
		names = append(names, n.Name)
	}
	if fmt.Sprint(names) != "[alpha bravo charlie]" {
		t.Errorf("names = %v, want [alpha bravo charlie]", names)
	}

	active, err := s.ListNodes(ctx, NodeFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListNodes(active): %v", err)
	}
	if len(active) != 2 {
		t.Errorf("len(active) = %d, want 2", len(active))
	}
}

func testServices(t *testing.T, s Store) {
	ctx := context.Background()
	n1 := newNode("a", "10.2.0.1")
	n2 := newNode("b", "10.2.0.2")
	for _, n := range []*Node{n1, n2} {
		if err := s.CreateNode(ctx, n); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}

	svc := &Service{
		ID:            uuid.NewString(),
		Name:          "checkout",
		IsOperational: true,
		NodeIDs:       []string{n1.ID},
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	if err := s.CreateService(ctx, svc); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	dup := *svc
	dup.ID = uuid.NewString()
	if err := s.CreateService(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate name err = %v, want ErrConflict", err)
	}

	byName, err := s.FindServiceByName(ctx, "checkout")
	if err != nil {
		t.Fatalf("FindServiceByName: %v", err)
	}
	if byName.ID != svc.ID {
		t.Errorf("ID = %v, want %v", byName.ID, svc.ID)
	}

	check := t0.Add(time.Minute)
	updated, err := s.UpdateService(ctx, svc.ID, func(existing *Service) (*Service, error) {
		existing.IsOperational = false
		existing.LastCheck = &check
		existing.NodeIDs = append(existing.NodeIDs, n2.ID)
		return existing, nil
	})
	if err != nil {
		t.Fatalf("UpdateService: %v", err)
	}
	if updated.IsOperational {
		t.Error("IsOperational should be false")
	}

	for _, n := range []*Node{n1, n2} {
		linked, err := s.ServicesForNode(ctx, n.ID)
		if err != nil {
			t.Fatalf("ServicesForNode: %v", err)
		}
		if len(linked) != 1 || linked[0].ID != svc.ID {
			t.Errorf("ServicesForNode(%s) = %v, want [%s]", n.Name, linked, svc.ID)
		}
	}

	got, err := s.GetService(ctx, svc.ID)
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if got.LastCheck == nil || !got.LastCheck.Equal(check) {
		t.Errorf("LastCheck = %v, want %v", got.LastCheck, check)
	}
	if len(got.NodeIDs) != 2 {
		t.Errorf("NodeIDs = %v, want 2 entries", got.NodeIDs)
	}

	if _, err := s.GetService(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing service err = %v, want ErrNotFound", err)
	}

	list, err := s.ListServices(ctx)
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len(ListServices) = %d, want 1", len(list))
	}
}
