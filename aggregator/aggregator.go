// Package aggregator derives each service's operational flag from the
// liveness of the nodes linked to it, and administers the service catalog.
//
// A service with at least one linked node is operational unless every
// linked node is dead. A service with no linked nodes is never touched by
// aggregation.
package aggregator

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/events"
	"github.com/vinayprograms/fleetwatch/liveness"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/store"
)

// MaxNameLength bounds service names.
const MaxNameLength = 100

const duplicateName = "service with this name already exists."

// Summary counts services by operational flag.
type Summary struct {
	Total          int `json:"total_services"`
	Operational    int `json:"operational_services"`
	NonOperational int `json:"non_operational_services"`
}

// ServiceSpec describes a service to create.
type ServiceSpec struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	IsOperational *bool    `json:"is_operational,omitempty"`
	NodeIDs       []string `json:"node_ids,omitempty"`
}

// Aggregator owns the operational derivation for services.
type Aggregator struct {
	nodes     store.NodeStore
	services  store.ServiceStore
	threshold time.Duration
	events    events.Publisher
	log       *logging.Logger
	newID     func() string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithEvents sets the transition publisher.
func WithEvents(p events.Publisher) Option {
	return func(a *Aggregator) {
		if p != nil {
			a.events = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithIDGenerator overrides service ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// New creates an aggregator. threshold is the liveness deadline; zero
// selects liveness.DefaultThreshold.
func New(nodes store.NodeStore, services store.ServiceStore, threshold time.Duration, opts ...Option) *Aggregator {
	if threshold <= 0 {
		threshold = liveness.DefaultThreshold
	}
	a := &Aggregator{
		nodes:     nodes,
		services:  services,
		threshold: threshold,
		events:    events.Discard,
		log:       logging.New().WithComponent("aggregator"),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Threshold returns the liveness deadline in use.
func (a *Aggregator) Threshold() time.Duration {
	return a.threshold
}

// Recompute re-derives the operational flag of one service and persists it
// with last_check = now. It reports whether the flag flipped. Services whose
// links resolve to no node are left alone.
func (a *Aggregator) Recompute(ctx context.Context, serviceID string, now time.Time) (bool, error) {
	svc, err := a.services.GetService(ctx, serviceID)
	if err != nil {
		return false, serviceErr(err, serviceID)
	}
	if len(svc.NodeIDs) == 0 {
		return false, nil
	}

	total, alive := 0, 0
	for _, id := range svc.NodeIDs {
		if err := ctx.Err(); err != nil {
			return false, errors.Wrap(err, "recompute "+serviceID, errors.WithServiceID(serviceID))
		}
		n, err := a.nodes.GetNode(ctx, id)
		if err != nil {
			if errors.Is(store.Classify(err, ""), errors.ErrCodeNotFound) {
				continue
			}
			return false, store.Classify(err, "recompute service "+serviceID, errors.WithServiceID(serviceID), errors.WithNodeID(id))
		}
		total++
		if liveness.IsAlive(n.LastHeartbeat, a.threshold, now) {
			alive++
		}
	}
	if total == 0 {
		return false, nil
	}

	operational := alive > 0
	var changed bool
	updated, err := a.services.UpdateService(ctx, serviceID, func(existing *store.Service) (*store.Service, error) {
		changed = existing.IsOperational != operational
		existing.IsOperational = operational
		t := now
		existing.LastCheck = &t
		existing.UpdatedAt = now
		return existing, nil
	})
	if err != nil {
		return false, serviceErr(err, serviceID)
	}
	if changed {
		a.log.ServiceTransition(updated.ID, updated.Name, operational, alive, total)
		a.publish(ctx, updated, now)
	}
	return changed, nil
}

// SetOperational overrides the flag directly, bypassing aggregation.
func (a *Aggregator) SetOperational(ctx context.Context, serviceID string, operational bool, now time.Time) (*store.Service, error) {
	var changed bool
	svc, err := a.services.UpdateService(ctx, serviceID, func(existing *store.Service) (*store.Service, error) {
		changed = existing.IsOperational != operational
		existing.IsOperational = operational
		t := now
		existing.LastCheck = &t
		existing.UpdatedAt = now
		return existing, nil
	})
	if err != nil {
		return nil, serviceErr(err, serviceID)
	}
	a.log.Info("service_override", map[string]interface{}{
		"service_id":  svc.ID,
		"service":     svc.Name,
		"operational": operational,
		"changed":     changed,
	})
	if changed {
		a.publish(ctx, svc, now)
	}
	return svc, nil
}

// Summary counts services by operational flag.
func (a *Aggregator) Summary(ctx context.Context) (Summary, error) {
	svcs, err := a.services.ListServices(ctx)
	if err != nil {
		return Summary{}, store.Classify(err, "list services")
	}
	var s Summary
	for _, svc := range svcs {
		s.Total++
		if svc.IsOperational {
			s.Operational++
		}
	}
	s.NonOperational = s.Total - s.Operational
	return s, nil
}

// CreateService adds a service to the catalog. New services are operational
// unless spec says otherwise.
func (a *Aggregator) CreateService(ctx context.Context, spec ServiceSpec, now time.Time) (*store.Service, error) {
	fields := make(map[string]string)
	name := strings.TrimSpace(spec.Name)
	switch {
	case name == "":
		fields["name"] = "This field is required."
	case utf8.RuneCountInString(name) > MaxNameLength:
		fields["name"] = "Ensure this field has no more than 100 characters."
	}

	nodeIDs := dedupe(spec.NodeIDs)
	for _, id := range nodeIDs {
		if _, err := a.nodes.GetNode(ctx, id); err != nil {
			classified := store.Classify(err, "resolve node "+id)
			if !errors.Is(classified, errors.ErrCodeNotFound) {
				return nil, classified
			}
			fields["node_ids"] = "Invalid pk \"" + id + "\" - object does not exist."
			break
		}
	}
	if len(fields) > 0 {
		return nil, errors.InvalidInput("invalid service", errors.WithFields(fields))
	}

	operational := true
	if spec.IsOperational != nil {
		operational = *spec.IsOperational
	}
	svc := &store.Service{
		ID:            a.newID(),
		Name:          name,
		Description:   spec.Description,
		IsOperational: operational,
		NodeIDs:       nodeIDs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.services.CreateService(ctx, svc); err != nil {
		classified := store.Classify(err, "create service "+name)
		if errors.Is(classified, errors.ErrCodeConflict) {
			return nil, errors.InvalidInput("invalid service",
				errors.WithField("name", duplicateName), errors.WithCause(err))
		}
		return nil, classified
	}
	a.log.Info("service_created", map[string]interface{}{
		"service_id": svc.ID,
		"service":    svc.Name,
		"nodes":      len(svc.NodeIDs),
	})
	return svc, nil
}

// EnsureService returns the service called name, creating it when missing.
func (a *Aggregator) EnsureService(ctx context.Context, name, description string, now time.Time) (*store.Service, bool, error) {
	svc, err := a.services.FindServiceByName(ctx, name)
	if err == nil {
		return svc, false, nil
	}
	if !errors.Is(store.Classify(err, ""), errors.ErrCodeNotFound) {
		return nil, false, store.Classify(err, "find service "+name)
	}

	svc, err = a.CreateService(ctx, ServiceSpec{Name: name, Description: description}, now)
	if err == nil {
		return svc, true, nil
	}
	if errors.Fields(err)["name"] == duplicateName {
		// Lost a create race; the winner's record is the one to use.
		svc, ferr := a.services.FindServiceByName(ctx, name)
		if ferr != nil {
			return nil, false, store.Classify(ferr, "find service "+name)
		}
		return svc, false, nil
	}
	return nil, false, err
}

// Get returns one service.
func (a *Aggregator) Get(ctx context.Context, id string) (*store.Service, error) {
	svc, err := a.services.GetService(ctx, id)
	if err != nil {
		return nil, serviceErr(err, id)
	}
	return svc, nil
}

// List returns every service ordered by name.
func (a *Aggregator) List(ctx context.Context) ([]*store.Service, error) {
	svcs, err := a.services.ListServices(ctx)
	if err != nil {
		return nil, store.Classify(err, "list services")
	}
	return svcs, nil
}

// ServicesForNode returns the services nodeID is linked to.
func (a *Aggregator) ServicesForNode(ctx context.Context, nodeID string) ([]*store.Service, error) {
	svcs, err := a.services.ServicesForNode(ctx, nodeID)
	if err != nil {
		return nil, store.Classify(err, "services for node "+nodeID, errors.WithNodeID(nodeID))
	}
	return svcs, nil
}

// LinkNode attaches a node to a service and re-derives the flag.
func (a *Aggregator) LinkNode(ctx context.Context, serviceID, nodeID string, now time.Time) (*store.Service, error) {
	if _, err := a.nodes.GetNode(ctx, nodeID); err != nil {
		if errors.Is(store.Classify(err, ""), errors.ErrCodeNotFound) {
			return nil, errors.NodeNotFound(nodeID, errors.WithCause(err))
		}
		return nil, store.Classify(err, "link node "+nodeID)
	}
	return a.relink(ctx, serviceID, now, func(svc *store.Service) {
		if !svc.HasNode(nodeID) {
			svc.NodeIDs = append(svc.NodeIDs, nodeID)
		}
	})
}

// UnlinkNode detaches a node from a service and re-derives the flag.
func (a *Aggregator) UnlinkNode(ctx context.Context, serviceID, nodeID string, now time.Time) (*store.Service, error) {
	return a.relink(ctx, serviceID, now, func(svc *store.Service) {
		kept := svc.NodeIDs[:0]
		for _, id := range svc.NodeIDs {
			if id != nodeID {
				kept = append(kept, id)
			}
		}
		svc.NodeIDs = kept
	})
}

func (a *Aggregator) relink(ctx context.Context, serviceID string, now time.Time, edit func(*store.Service)) (*store.Service, error) {
	if _, err := a.services.UpdateService(ctx, serviceID, func(existing *store.Service) (*store.Service, error) {
		edit(existing)
		existing.UpdatedAt = now
		return existing, nil
	}); err != nil {
		return nil, serviceErr(err, serviceID)
	}
	if _, err := a.Recompute(ctx, serviceID, now); err != nil {
		return nil, err
	}
	return a.Get(ctx, serviceID)
}

func (a *Aggregator) publish(ctx context.Context, svc *store.Service, now time.Time) {
	op := svc.IsOperational
	a.events.Publish(ctx, events.Event{
		Type:        events.ServiceChanged,
		Time:        now,
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		Operational: &op,
	})
}

func serviceErr(err error, id string) error {
	if errors.AsFleetError(err) == nil && errors.Is(store.Classify(err, ""), errors.ErrCodeNotFound) {
		return errors.ServiceNotFound(id, errors.WithCause(err))
	}
	return store.Classify(err, "service "+id, errors.WithServiceID(id))
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
