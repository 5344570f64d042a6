package registry

import (
	"context"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/events"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/store"
)

// MaxNameLength bounds node names.
const MaxNameLength = 100

// Metrics carries the optional resource figures a heartbeat may report.
// Nil fields are left untouched on the node.
type Metrics struct {
	CPU        *float64
	Memory     *float64
	Disk       *float64
	SystemInfo map[string]any
}

// Empty reports whether m carries nothing.
func (m *Metrics) Empty() bool {
	return m == nil || (m.CPU == nil && m.Memory == nil && m.Disk == nil && m.SystemInfo == nil)
}

// Refresh is one heartbeat keyed by IP address.
type Refresh struct {
	IP string

	// Name renames the node when set and non-blank.
	Name *string

	// Port and NodeType only apply when the heartbeat creates the node.
	Port     int
	NodeType store.NodeType

	Metrics *Metrics
}

// Registration is an explicit node registration.
type Registration struct {
	Name      string         `json:"name"`
	IPAddress string         `json:"ip_address"`
	Port      int            `json:"port"`
	NodeType  store.NodeType `json:"node_type"`
}

// Registry owns node identity records and the heartbeat write path.
type Registry struct {
	store  store.NodeStore
	events events.Publisher
	log    *logging.Logger
	newID  func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvents sets the transition publisher.
func WithEvents(p events.Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.events = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithIDGenerator overrides node ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// New creates a registry over s.
func New(s store.NodeStore, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		events: events.Discard,
		log:    logging.New().WithComponent("registry"),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultName is the name given to nodes that never reported one.
func DefaultName(ip string) string {
	return "Node-" + ip
}

// CanonicalIP validates raw and returns its canonical text form. IPv4-mapped
// IPv6 addresses collapse to dotted quads so one host keeps one record.
func CanonicalIP(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.InvalidInput("ip_address is required", errors.WithField("ip_address", "This field is required."))
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return "", errors.InvalidInput("invalid ip_address: "+s, errors.WithField("ip_address", "Enter a valid IPv4 or IPv6 address."))
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String(), nil
	}
	return ip.String(), nil
}

func providedName(name *string) (string, bool) {
	if name == nil {
		return "", false
	}
	s := strings.TrimSpace(*name)
	if s == "" {
		return "", false
	}
	return truncateName(s), true
}

// truncateName cuts s to MaxNameLength characters on a rune boundary.
func truncateName(s string) string {
	if utf8.RuneCountInString(s) <= MaxNameLength {
		return s
	}
	i, n := 0, 0
	for i = range s {
		if n == MaxNameLength {
			break
		}
		n++
	}
	return s[:i]
}

// touch advances the heartbeat timestamp. It never moves backwards, so
// heartbeats applied out of order settle on the latest one.
func touch(n *store.Node, now time.Time) {
	if n.LastHeartbeat == nil || now.After(*n.LastHeartbeat) {
		t := now
		n.LastHeartbeat = &t
	}
	n.UpdatedAt = now
}

func applyMetrics(n *store.Node, m *Metrics) {
	if m == nil {
		return
	}
	if m.CPU != nil {
		v := *m.CPU
		n.CPUUsage = &v
	}
	if m.Memory != nil {
		v := *m.Memory
		n.MemoryUsage = &v
	}
	if m.Disk != nil {
		v := *m.Disk
		n.DiskUsage = &v
	}
	if m.SystemInfo != nil {
		n.SystemInfo = make(map[string]any, len(m.SystemInfo))
		for k, v := range m.SystemInfo {
			n.SystemInfo[k] = v
		}
	}
}

// UpsertByIP refreshes the node at ref.IP, creating it when the address is
// unseen. Concurrent calls for one address yield exactly one node.
func (r *Registry) UpsertByIP(ctx context.Context, ref Refresh, now time.Time) (*store.Node, bool, error) {
	ip, err := CanonicalIP(ref.IP)
	if err != nil {
		return nil, false, err
	}
	if ref.NodeType != "" && !ref.NodeType.Valid() {
		return nil, false, errors.InvalidInput("invalid node_type: "+string(ref.NodeType), errors.WithField("node_type", "Select a valid choice."))
	}

	name, hasName := providedName(ref.Name)
	n, created, err := r.store.UpsertNodeByIP(ctx, ip, func(existing *store.Node) (*store.Node, error) {
		if existing == nil {
			n := &store.Node{
				ID:        r.newID(),
				Name:      DefaultName(ip),
				IPAddress: ip,
				Port:      ref.Port,
				NodeType:  ref.NodeType,
				IsActive:  true,
				CreatedAt: now,
			}
			if hasName {
				n.Name = name
			}
			if n.Port <= 0 {
				n.Port = store.DefaultPort
			}
			if n.NodeType == "" {
				n.NodeType = store.NodeOther
			}
			touch(n, now)
			applyMetrics(n, ref.Metrics)
			return n, nil
		}
		touch(existing, now)
		if hasName {
			existing.Name = name
		}
		applyMetrics(existing, ref.Metrics)
		return existing, nil
	})
	if err != nil {
		return nil, false, store.Classify(err, "upsert node "+ip)
	}

	r.log.HeartbeatReceived(n.ID, n.IPAddress, created)
	if created {
		r.log.NodeCreated(n.ID, n.Name, n.IPAddress)
		r.publish(ctx, events.NodeRegistered, n, now)
	}
	return n, created, nil
}

// UpsertByID refreshes an existing node by its identity token. Unknown IDs
// fail with NOT_FOUND; nodes are never created by ID.
func (r *Registry) UpsertByID(ctx context.Context, id string, m *Metrics, now time.Time) (*store.Node, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.InvalidInput("node id is required")
	}
	n, err := r.store.UpdateNode(ctx, id, func(existing *store.Node) (*store.Node, error) {
		touch(existing, now)
		applyMetrics(existing, m)
		return existing, nil
	})
	if err != nil {
		return nil, nodeErr(err, id)
	}
	r.log.HeartbeatReceived(n.ID, n.IPAddress, false)
	return n, nil
}

// Register creates a node from an explicit registration. The node starts
// active with a heartbeat at now.
func (r *Registry) Register(ctx context.Context, reg Registration, now time.Time) (*store.Node, error) {
	fields := make(map[string]string)

	name := strings.TrimSpace(reg.Name)
	switch {
	case name == "":
		fields["name"] = "This field is required."
	case utf8.RuneCountInString(name) > MaxNameLength:
		fields["name"] = "Ensure this field has no more than 100 characters."
	}

	ip, err := CanonicalIP(reg.IPAddress)
	if err != nil {
		for k, v := range errors.Fields(err) {
			fields[k] = v
		}
	}

	port := reg.Port
	if port == 0 {
		port = store.DefaultPort
	}
	if port < 1 || port > 65535 {
		fields["port"] = "Ensure this value is between 1 and 65535."
	}

	nodeType := reg.NodeType
	if nodeType == "" {
		nodeType = store.NodeOther
	}
	if !nodeType.Valid() {
		fields["node_type"] = "\"" + string(nodeType) + "\" is not a valid choice."
	}

	if len(fields) > 0 {
		return nil, errors.InvalidInput("invalid node registration", errors.WithFields(fields))
	}

	hb := now
	n := &store.Node{
		ID:            r.newID(),
		Name:          name,
		IPAddress:     ip,
		Port:          port,
		NodeType:      nodeType,
		LastHeartbeat: &hb,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateNode(ctx, n); err != nil {
		if errors.Code(store.Classify(err, "")) == errors.ErrCodeConflict {
			return nil, errors.InvalidInput("invalid node registration",
				errors.WithField("ip_address", "node with this ip_address already exists."), errors.WithCause(err))
		}
		return nil, store.Classify(err, "register node "+ip)
	}

	r.log.NodeCreated(n.ID, n.Name, n.IPAddress)
	r.publish(ctx, events.NodeRegistered, n, now)
	return n, nil
}

// SetActive is the operator enable/disable toggle. It does not touch the
// heartbeat timestamp.
func (r *Registry) SetActive(ctx context.Context, id string, active bool, now time.Time) (*store.Node, error) {
	changed := false
	n, err := r.store.UpdateNode(ctx, id, func(existing *store.Node) (*store.Node, error) {
		changed = existing.IsActive != active
		existing.IsActive = active
		if changed {
			existing.UpdatedAt = now
		}
		return existing, nil
	})
	if err != nil {
		return nil, nodeErr(err, id)
	}
	if changed {
		typ := events.NodeDeactivated
		if active {
			typ = events.NodeActivated
		}
		r.log.Info("node_active_changed", map[string]interface{}{
			"node_id":   n.ID,
			"name":      n.Name,
			"is_active": active,
		})
		r.publish(ctx, typ, n, now)
	}
	return n, nil
}

// Get returns one node.
func (r *Registry) Get(ctx context.Context, id string) (*store.Node, error) {
	n, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, nodeErr(err, id)
	}
	return n, nil
}

// GetByIP returns the node registered at ip.
func (r *Registry) GetByIP(ctx context.Context, ip string) (*store.Node, error) {
	canon, err := CanonicalIP(ip)
	if err != nil {
		return nil, err
	}
	n, err := r.store.GetNodeByIP(ctx, canon)
	if err != nil {
		return nil, store.Classify(err, "node with ip "+canon)
	}
	return n, nil
}

// ListActive returns active nodes ordered by name. Each call queries the
// store afresh.
func (r *Registry) ListActive(ctx context.Context) ([]*store.Node, error) {
	nodes, err := r.store.ListNodes(ctx, store.NodeFilter{ActiveOnly: true})
	if err != nil {
		return nil, store.Classify(err, "list active nodes")
	}
	return nodes, nil
}

// List returns every node ordered by name.
func (r *Registry) List(ctx context.Context) ([]*store.Node, error) {
	nodes, err := r.store.ListNodes(ctx, store.NodeFilter{})
	if err != nil {
		return nil, store.Classify(err, "list nodes")
	}
	return nodes, nil
}

func nodeErr(err error, id string) error {
	if errors.AsFleetError(err) == nil && errors.Code(store.Classify(err, "")) == errors.ErrCodeNotFound {
		return errors.NodeNotFound(id, errors.WithCause(err))
	}
	return store.Classify(err, "node "+id, errors.WithNodeID(id))
}

func (r *Registry) publish(ctx context.Context, typ events.Type, n *store.Node, now time.Time) {
	r.events.Publish(ctx, events.Event{
		Type:      typ,
		Time:      now,
		NodeID:    n.ID,
		NodeName:  n.Name,
		IPAddress: n.IPAddress,
	})
}
