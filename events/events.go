// Package events carries liveness transitions out of fleetwatch: to local
// subscribers (the WebSocket stream) and onto the message bus.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/fleetwatch/bus"
	"github.com/vinayprograms/fleetwatch/logging"
)

// Type names a transition.
type Type string

const (
	NodeRegistered  Type = "node_registered"
	NodeDown        Type = "node_down"
	NodeRecovered   Type = "node_recovered"
	NodeActivated   Type = "node_activated"
	NodeDeactivated Type = "node_deactivated"
	ServiceChanged  Type = "service_changed"
	SweepCompleted  Type = "sweep_completed"
)

// SweepStats summarises one sweep.
type SweepStats struct {
	Total           int   `json:"total"`
	Alive           int   `json:"alive"`
	Dead            int   `json:"dead"`
	ServicesChecked int   `json:"services_checked"`
	ServicesChanged int   `json:"services_changed"`
	Failures        int   `json:"failures"`
	DurationMS      int64 `json:"duration_ms"`
}

// Event is one transition.
type Event struct {
	Type        Type        `json:"type"`
	Time        time.Time   `json:"time"`
	NodeID      string      `json:"node_id,omitempty"`
	NodeName    string      `json:"node_name,omitempty"`
	IPAddress   string      `json:"ip_address,omitempty"`
	ServiceID   string      `json:"service_id,omitempty"`
	ServiceName string      `json:"service_name,omitempty"`
	Operational *bool       `json:"operational,omitempty"`
	Sweep       *SweepStats `json:"sweep,omitempty"`
}

// Subject returns the bus subject for e under prefix.
func (e Event) Subject(prefix string) string {
	return prefix + "." + string(e.Type)
}

// Publisher accepts events. Publishing never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Broker fans events out to local subscribers and, when a bus is set, to
// <prefix>.<type> subjects.
type Broker struct {
	bus    bus.MessageBus
	prefix string
	log    *logging.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewBroker creates a broker. b may be nil for local-only delivery.
func NewBroker(b bus.MessageBus, prefix string, log *logging.Logger) *Broker {
	if prefix == "" {
		prefix = bus.SubjectEventsPrefix
	}
	if log == nil {
		log = logging.New()
	}
	return &Broker{
		bus:    b,
		prefix: prefix,
		log:    log.WithComponent("events"),
		subs:   make(map[uint64]chan Event),
	}
}

// Publish delivers e. Slow local subscribers miss events rather than block
// the sweep.
func (br *Broker) Publish(ctx context.Context, e Event) {
	br.mu.RLock()
	defer br.mu.RUnlock()
	if br.closed {
		return
	}
	for _, ch := range br.subs {
		select {
		case ch <- e:
		default:
		}
	}

	if br.bus == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		br.log.Error("event_encode_failed", map[string]interface{}{"type": string(e.Type), "error": err})
		return
	}
	if err := br.bus.Publish(ctx, e.Subject(br.prefix), data); err != nil {
		br.log.Warn("event_publish_failed", map[string]interface{}{"type": string(e.Type), "error": err})
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (br *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		close(ch)
		return ch, func() {}
	}
	id := br.nextID
	br.nextID++
	br.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			br.mu.Lock()
			defer br.mu.Unlock()
			if c, ok := br.subs[id]; ok {
				delete(br.subs, id)
				close(c)
			}
		})
	}
}

// Close ends every subscription.
func (br *Broker) Close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return nil
	}
	br.closed = true
	for id, ch := range br.subs {
		close(ch)
		delete(br.subs, id)
	}
	return nil
}

// Decode parses an event received from the bus.
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Recorder keeps every published event. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records e.
func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Multi publishes to several publishers in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}
