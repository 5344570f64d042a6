// Package bus is the message transport between node agents and fleetwatch,
// and between fleetwatch and anything that wants liveness events.
//
// Two subjects matter:
//
//	fleet.heartbeat        agents publish heartbeat payloads here; fleetwatch
//	                       instances queue-subscribe so each heartbeat is
//	                       ingested once
//	fleet.events.<type>    fleetwatch publishes node and service transitions
//
// NATSBus is the production transport. MemoryBus implements the same
// semantics, including wildcards and queue groups, for tests and
// single-process runs.
//
// Example:
//
//	b, _ := bus.NewNATSBus(bus.DefaultNATSConfig())
//	sub, _ := b.QueueSubscribe(bus.SubjectHeartbeat, bus.QueueIngest)
//	for msg := range sub.Messages() {
//	    // handle msg.Data, answer on msg.Reply if set
//	}
package bus
