package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store.
// Suitable for testing and single-process deployments.
type MemoryStore struct {
	mu            sync.RWMutex
	nodes         map[string]*Node
	nodeByIP      map[string]string
	services      map[string]*Service
	serviceByName map[string]string
	closed        bool

	lockMu      sync.Mutex
	lockExpires time.Time
	lockToken   uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:         make(map[string]*Node),
		nodeByIP:      make(map[string]string),
		services:      make(map[string]*Service),
		serviceByName: make(map[string]string),
	}
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Locker = (*MemoryStore)(nil)
)

// CreateNode inserts a node.
func (s *MemoryStore) CreateNode(ctx context.Context, n *Node) error {
	if err := checkNodeMutation(n, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.nodes[n.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.nodeByIP[n.IPAddress]; ok {
		return ErrConflict
	}
	s.nodes[n.ID] = n.Clone()
	s.nodeByIP[n.IPAddress] = n.ID
	return nil
}

// UpsertNodeByIP applies fn under the store lock.
func (s *MemoryStore) UpsertNodeByIP(ctx context.Context, ip string, fn NodeMutator) (*Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	var existing *Node
	if id, ok := s.nodeByIP[ip]; ok {
		existing = s.nodes[id]
	}
	next, err := fn(existing.Clone())
	if err != nil {
		return nil, false, err
	}
	if err := checkNodeMutation(next, ip); err != nil {
		return nil, false, err
	}

	if existing == nil {
		if _, ok := s.nodes[next.ID]; ok {
			return nil, false, ErrConflict
		}
		s.nodeByIP[ip] = next.ID
	} else if next.ID != existing.ID {
		return nil, false, ErrConflict
	}
	s.nodes[next.ID] = next.Clone()
	return next, existing == nil, nil
}

// UpdateNode applies fn to an existing node under the store lock.
func (s *MemoryStore) UpdateNode(ctx context.Context, id string, fn NodeMutator) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	existing, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}
	if err := checkNodeMutation(next, existing.IPAddress); err != nil {
		return nil, err
	}
	if next.ID != id {
		return nil, ErrConflict
	}
	s.nodes[id] = next.Clone()
	return next, nil
}

// GetNode returns a node by ID.
func (s *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

// GetNodeByIP returns a node by IP address.
func (s *MemoryStore) GetNodeByIP(ctx context.Context, ip string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	id, ok := s.nodeByIP[ip]
	if !ok {
		return nil, ErrNotFound
	}
	return s.nodes[id].Clone(), nil
}

// ListNodes returns matching nodes ordered by name.
func (s *MemoryStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	result := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if matchesFilter(n, filter) {
			result = append(result, n.Clone())
		}
	}
	sortNodes(result)
	return result, nil
}

// CreateService inserts a service.
func (s *MemoryStore) CreateService(ctx context.Context, svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.services[svc.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.serviceByName[svc.Name]; ok {
		return ErrConflict
	}
	s.services[svc.ID] = svc.Clone()
	s.serviceByName[svc.Name] = svc.ID
	return nil
}

// GetService returns a service by ID.
func (s *MemoryStore) GetService(ctx context.Context, id string) (*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	svc, ok := s.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return svc.Clone(), nil
}

// FindServiceByName returns a service by its unique name.
func (s *MemoryStore) FindServiceByName(ctx context.Context, name string) (*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	id, ok := s.serviceByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return s.services[id].Clone(), nil
}

// ListServices returns all services ordered by name.
func (s *MemoryStore) ListServices(ctx context.Context) ([]*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	result := make([]*Service, 0, len(s.services))
	for _, svc := range s.services {
		result = append(result, svc.Clone())
	}
	sortServices(result)
	return result, nil
}

// ServicesForNode returns services linked to nodeID.
func (s *MemoryStore) ServicesForNode(ctx context.Context, nodeID string) ([]*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var result []*Service
	for _, svc := range s.services {
		if svc.HasNode(nodeID) {
			result = append(result, svc.Clone())
		}
	}
	sortServices(result)
	return result, nil
}

// UpdateService applies fn to an existing service under the store lock.
func (s *MemoryStore) UpdateService(ctx context.Context, id string, fn ServiceMutator) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	existing, ok := s.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}
	if next.ID != id {
		return nil, ErrConflict
	}
	if next.Name != existing.Name {
		if _, taken := s.serviceByName[next.Name]; taken {
			return nil, ErrConflict
		}
		delete(s.serviceByName, existing.Name)
		s.serviceByName[next.Name] = id
	}
	s.services[id] = next.Clone()
	return next, nil
}

// TryLock implements Locker within one process.
func (s *MemoryStore) TryLock(ctx context.Context, ttl time.Duration) (func(), error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	now := time.Now()
	if now.Before(s.lockExpires) {
		return nil, ErrLockHeld
	}
	s.lockToken++
	token := s.lockToken
	s.lockExpires = now.Add(ttl)
	return func() {
		s.lockMu.Lock()
		defer s.lockMu.Unlock()
		if s.lockToken == token {
			s.lockExpires = time.Time{}
		}
	}, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
