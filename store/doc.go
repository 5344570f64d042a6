// Package store persists nodes and services for fleetwatch.
//
// Every backend implements the same Store contract. The one operation that
// carries a concurrency guarantee is UpsertNodeByIP: concurrent calls for the
// same IP address converge on a single node record, never two.
//
// Backends:
//
//   - MemoryStore: mutex-guarded maps, for tests and single-process use.
//   - BadgerStore: embedded, serializable transactions retried on conflict.
//   - NATSStore: JetStream key-value bucket with revision-checked writes.
//   - PostgresStore: row locks and a unique index on ip_address.
//
// List operations skip records that fail to decode so one corrupted entry
// cannot take a whole summary down.
package store
