package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a node or service does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique key (IP address, service name,
	// ID) is already taken.
	ErrConflict = errors.New("conflict")

	// ErrLockHeld is returned by TryLock when another holder owns the lock.
	ErrLockHeld = errors.New("lock held")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// NodeType classifies a node's role.
type NodeType string

const (
	NodeAPI    NodeType = "api"
	NodeDB     NodeType = "db"
	NodeWeb    NodeType = "web"
	NodeWorker NodeType = "worker"
	NodeOther  NodeType = "other"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeAPI, NodeDB, NodeWeb, NodeWorker, NodeOther:
		return true
	}
	return false
}

// DefaultPort is assigned to nodes created without a port.
const DefaultPort = 5000

// Node is one monitored machine, keyed naturally by IP address.
type Node struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	IPAddress     string         `json:"ip_address"`
	Port          int            `json:"port"`
	NodeType      NodeType       `json:"node_type"`
	LastHeartbeat *time.Time     `json:"last_heartbeat"`
	IsActive      bool           `json:"is_active"`
	CPUUsage      *float64       `json:"cpu_usage,omitempty"`
	MemoryUsage   *float64       `json:"memory_usage,omitempty"`
	DiskUsage     *float64       `json:"disk_usage,omitempty"`
	SystemInfo    map[string]any `json:"system_info,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.LastHeartbeat = cloneTime(n.LastHeartbeat)
	c.CPUUsage = cloneFloat(n.CPUUsage)
	c.MemoryUsage = cloneFloat(n.MemoryUsage)
	c.DiskUsage = cloneFloat(n.DiskUsage)
	if n.SystemInfo != nil {
		c.SystemInfo = make(map[string]any, len(n.SystemInfo))
		for k, v := range n.SystemInfo {
			c.SystemInfo[k] = v
		}
	}
	return &c
}

// Service is a logical capability backed by a set of nodes.
type Service struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	IsOperational bool       `json:"is_operational"`
	LastCheck     *time.Time `json:"last_check"`
	NodeIDs       []string   `json:"node_ids"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with s.
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	c := *s
	c.LastCheck = cloneTime(s.LastCheck)
	if s.NodeIDs != nil {
		c.NodeIDs = append([]string(nil), s.NodeIDs...)
	}
	return &c
}

// HasNode reports whether nodeID is linked to s.
func (s *Service) HasNode(nodeID string) bool {
	for _, id := range s.NodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// NodeFilter narrows ListNodes.
type NodeFilter struct {
	ActiveOnly bool
}

// NodeMutator computes the record to persist from the current one.
// For UpsertNodeByIP existing is nil when the IP is unseen. The argument is a
// private copy; returning an error aborts the write. Backends that retry on
// write conflicts may call fn more than once.
type NodeMutator func(existing *Node) (*Node, error)

// ServiceMutator computes the service record to persist.
type ServiceMutator func(existing *Service) (*Service, error)

// NodeStore persists nodes.
type NodeStore interface {
	// CreateNode inserts n. ErrConflict if its ID or IP address is taken.
	CreateNode(ctx context.Context, n *Node) error

	// UpsertNodeByIP atomically reads the node for ip (nil if none), applies
	// fn and writes the result. created reports an insert.
	UpsertNodeByIP(ctx context.Context, ip string, fn NodeMutator) (n *Node, created bool, err error)

	// UpdateNode atomically applies fn to an existing node.
	UpdateNode(ctx context.Context, id string, fn NodeMutator) (*Node, error)

	GetNode(ctx context.Context, id string) (*Node, error)
	GetNodeByIP(ctx context.Context, ip string) (*Node, error)

	// ListNodes returns nodes ordered by name, then ID.
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)
}

// ServiceStore persists services and their node links.
type ServiceStore interface {
	// CreateService inserts s. ErrConflict if its name is taken.
	CreateService(ctx context.Context, s *Service) error

	GetService(ctx context.Context, id string) (*Service, error)
	FindServiceByName(ctx context.Context, name string) (*Service, error)

	// ListServices returns services ordered by name, then ID.
	ListServices(ctx context.Context) ([]*Service, error)

	// ServicesForNode returns the services linked to nodeID.
	ServicesForNode(ctx context.Context, nodeID string) ([]*Service, error)

	// UpdateService atomically applies fn to an existing service.
	UpdateService(ctx context.Context, id string, fn ServiceMutator) (*Service, error)
}

// Store is the full liveness store.
type Store interface {
	NodeStore
	ServiceStore
	Close() error
}

// Locker serializes sweeps across processes sharing one store.
type Locker interface {
	// TryLock acquires the lock without waiting. It returns ErrLockHeld when
	// another holder owns it. The lock expires after ttl if never released.
	TryLock(ctx context.Context, ttl time.Duration) (release func(), err error)
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name != nodes[j].Name {
			return nodes[i].Name < nodes[j].Name
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func sortServices(services []*Service) {
	sort.Slice(services, func(i, j int) bool {
		if services[i].Name != services[j].Name {
			return services[i].Name < services[j].Name
		}
		return services[i].ID < services[j].ID
	})
}

func matchesFilter(n *Node, f NodeFilter) bool {
	return !f.ActiveOnly || n.IsActive
}

// checkNodeMutation validates what a mutator produced for key ip.
func checkNodeMutation(n *Node, ip string) error {
	if n == nil {
		return errors.New("mutator returned nil node")
	}
	if n.ID == "" {
		return errors.New("node has no id")
	}
	if ip != "" && n.IPAddress != ip {
		return errors.New("mutator changed ip_address")
	}
	return nil
}
