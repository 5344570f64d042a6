package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store on a JetStream key-value bucket so several
// fleetwatch processes can share one liveness store.
//
// Keys:
//
//	node.<id>            JSON Node
//	ip.<b64 ip>          node id
//	svc.<id>             JSON Service
//	svcname.<b64 name>   service id
//	_lock.sweep          sweep lock, value is its expiry
//
// Writes are compare-and-set on the entry revision and retried on conflict.
type NATSStore struct {
	conn *nats.Conn
	kv   jetstream.KeyValue
}

var (
	_ Store  = (*NATSStore)(nil)
	_ Locker = (*NATSStore)(nil)
)

// NATSStoreConfig configures the KV bucket.
type NATSStoreConfig struct {
	// Bucket is the KV bucket name. Default: "fleetwatch"
	Bucket string

	// Replicas for the bucket (1-5). Default: 1
	Replicas int
}

// NewNATSStore creates or binds the bucket on an existing connection.
func NewNATSStore(ctx context.Context, conn *nats.Conn, cfg NATSStoreConfig) (*NATSStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "fleetwatch"
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "fleetwatch liveness store",
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &NATSStore{conn: conn, kv: kv}, nil
}

// Close is a no-op; the connection belongs to the caller.
func (s *NATSStore) Close() error {
	return nil
}

func token(v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}

func natsNodeKey(id string) string    { return "node." + id }
func natsIPKey(ip string) string      { return "ip." + token(ip) }
func natsServiceKey(id string) string { return "svc." + id }
func natsServiceName(n string) string { return "svcname." + token(n) }

const natsLockKey = "_lock.sweep"

func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func mapNATSErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return ErrNotFound
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrClosed
	}
	return err
}

func (s *NATSStore) getNode(ctx context.Context, id string) (*Node, uint64, error) {
	entry, err := s.kv.Get(ctx, natsNodeKey(id))
	if err != nil {
		return nil, 0, mapNATSErr(err)
	}
	var n Node
	if err := json.Unmarshal(entry.Value(), &n); err != nil {
		return nil, 0, fmt.Errorf("decode node %s: %w", id, err)
	}
	return &n, entry.Revision(), nil
}

func (s *NATSStore) getService(ctx context.Context, id string) (*Service, uint64, error) {
	entry, err := s.kv.Get(ctx, natsServiceKey(id))
	if err != nil {
		return nil, 0, mapNATSErr(err)
	}
	var svc Service
	if err := json.Unmarshal(entry.Value(), &svc); err != nil {
		return nil, 0, fmt.Errorf("decode service %s: %w", id, err)
	}
	return &svc, entry.Revision(), nil
}

// CreateNode inserts a node, claiming its IP first.
func (s *NATSStore) CreateNode(ctx context.Context, n *Node) error {
	if err := checkNodeMutation(n, ""); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if _, err := s.kv.Create(ctx, natsIPKey(n.IPAddress), []byte(n.ID)); err != nil {
		if isRevisionMismatch(err) {
			return ErrConflict
		}
		return mapNATSErr(err)
	}
	if _, err := s.kv.Create(ctx, natsNodeKey(n.ID), data); err != nil {
		_ = s.kv.Delete(ctx, natsIPKey(n.IPAddress))
		if isRevisionMismatch(err) {
			return ErrConflict
		}
		return mapNATSErr(err)
	}
	return nil
}

// UpsertNodeByIP resolves ip through its index key and writes the node with
// a revision check, retrying when another writer got there first.
func (s *NATSStore) UpsertNodeByIP(ctx context.Context, ip string, fn NodeMutator) (*Node, bool, error) {
	ipKey := natsIPKey(ip)
	for i := 0; i < maxTxnRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		idEntry, err := s.kv.Get(ctx, ipKey)
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) && !errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, false, mapNATSErr(err)
		}

		if idEntry == nil || err != nil {
			next, err := fn(nil)
			if err != nil {
				return nil, false, err
			}
			if err := checkNodeMutation(next, ip); err != nil {
				return nil, false, err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return nil, false, err
			}
			if _, err := s.kv.Create(ctx, ipKey, []byte(next.ID)); err != nil {
				if isRevisionMismatch(err) {
					continue
				}
				return nil, false, mapNATSErr(err)
			}
			if _, err := s.kv.Put(ctx, natsNodeKey(next.ID), data); err != nil {
				_ = s.kv.Delete(ctx, ipKey)
				return nil, false, mapNATSErr(err)
			}
			return next, true, nil
		}

		id := string(idEntry.Value())
		existing, rev, err := s.getNode(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index points at a node that was never written; drop it and retry.
			_ = s.kv.Delete(ctx, ipKey, jetstream.LastRevision(idEntry.Revision()))
			continue
		}
		if err != nil {
			return nil, false, err
		}
		next, err := fn(existing.Clone())
		if err != nil {
			return nil, false, err
		}
		if err := checkNodeMutation(next, ip); err != nil {
			return nil, false, err
		}
		if next.ID != id {
			return nil, false, ErrConflict
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, false, err
		}
		if _, err := s.kv.Update(ctx, natsNodeKey(id), data, rev); err != nil {
			if isRevisionMismatch(err) {
				continue
			}
			return nil, false, mapNATSErr(err)
		}
		return next, false, nil
	}
	return nil, false, fmt.Errorf("upsert %s: %w", ip, ErrConflict)
}

// UpdateNode applies fn with a revision check.
func (s *NATSStore) UpdateNode(ctx context.Context, id string, fn NodeMutator) (*Node, error) {
	for i := 0; i < maxTxnRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		existing, rev, err := s.getNode(ctx, id)
		if err != nil {
			return nil, err
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
		data, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		if _, err := s.kv.Update(ctx, natsNodeKey(id), data, rev); err != nil {
			if isRevisionMismatch(err) {
				continue
			}
			return nil, mapNATSErr(err)
		}
		return next, nil
	}
	return nil, fmt.Errorf("update node %s: %w", id, ErrConflict)
}

// GetNode returns a node by ID.
func (s *NATSStore) GetNode(ctx context.Context, id string) (*Node, error) {
	n, _, err := s.getNode(ctx, id)
	return n, err
}

// GetNodeByIP returns a node by IP address.
func (s *NATSStore) GetNodeByIP(ctx context.Context, ip string) (*Node, error) {
	entry, err := s.kv.Get(ctx, natsIPKey(ip))
	if err != nil {
		return nil, mapNATSErr(err)
	}
	return s.GetNode(ctx, string(entry.Value()))
}

// keysWithPrefix lists bucket keys that start with prefix.
func (s *NATSStore) keysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", mapNATSErr(err))
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// ListNodes returns matching nodes ordered by name.
func (s *NATSStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	keys, err := s.keysWithPrefix(ctx, "node.")
	if err != nil {
		return nil, err
	}
	result := make([]*Node, 0, len(keys))
	for _, key := range keys {
		n, _, err := s.getNode(ctx, strings.TrimPrefix(key, "node."))
		if err != nil {
			continue
		}
		if matchesFilter(n, filter) {
			result = append(result, n)
		}
	}
	sortNodes(result)
	return result, nil
}

// CreateService inserts a service, claiming its name first.
func (s *NATSStore) CreateService(ctx context.Context, svc *Service) error {
	data, err := json.Marshal(svc)
	if err != nil {
		return err
	}
	if _, err := s.kv.Create(ctx, natsServiceName(svc.Name), []byte(svc.ID)); err != nil {
		if isRevisionMismatch(err) {
			return ErrConflict
		}
		return mapNATSErr(err)
	}
	if _, err := s.kv.Create(ctx, natsServiceKey(svc.ID), data); err != nil {
		_ = s.kv.Delete(ctx, natsServiceName(svc.Name))
		if isRevisionMismatch(err) {
			return ErrConflict
		}
		return mapNATSErr(err)
	}
	return nil
}

// GetService returns a service by ID.
func (s *NATSStore) GetService(ctx context.Context, id string) (*Service, error) {
	svc, _, err := s.getService(ctx, id)
	return svc, err
}

// FindServiceByName returns a service by its unique name.
func (s *NATSStore) FindServiceByName(ctx context.Context, name string) (*Service, error) {
	entry, err := s.kv.Get(ctx, natsServiceName(name))
	if err != nil {
		return nil, mapNATSErr(err)
	}
	return s.GetService(ctx, string(entry.Value()))
}

func (s *NATSStore) listServices(ctx context.Context, keep func(*Service) bool) ([]*Service, error) {
	keys, err := s.keysWithPrefix(ctx, "svc.")
	if err != nil {
		return nil, err
	}
	var result []*Service
	for _, key := range keys {
		svc, _, err := s.getService(ctx, strings.TrimPrefix(key, "svc."))
		if err != nil {
			continue
		}
		if keep == nil || keep(svc) {
			result = append(result, svc)
		}
	}
	sortServices(result)
	return result, nil
}

// ListServices returns all services ordered by name.
func (s *NATSStore) ListServices(ctx context.Context) ([]*Service, error) {
	return s.listServices(ctx, nil)
}

// ServicesForNode returns services linked to nodeID.
func (s *NATSStore) ServicesForNode(ctx context.Context, nodeID string) ([]*Service, error) {
	return s.listServices(ctx, func(svc *Service) bool { return svc.HasNode(nodeID) })
}

// UpdateService applies fn with a revision check. Renames are not supported
// on this backend.
func (s *NATSStore) UpdateService(ctx context.Context, id string, fn ServiceMutator) (*Service, error) {
	for i := 0; i < maxTxnRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		existing, rev, err := s.getService(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := fn(existing.Clone())
		if err != nil {
			return nil, err
		}
		if next.ID != id || next.Name != existing.Name {
			return nil, ErrConflict
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		if _, err := s.kv.Update(ctx, natsServiceKey(id), data, rev); err != nil {
			if isRevisionMismatch(err) {
				continue
			}
			return nil, mapNATSErr(err)
		}
		return next, nil
	}
	return nil, fmt.Errorf("update service %s: %w", id, ErrConflict)
}

// TryLock takes the sweep lock. The stored value is the lock's expiry so a
// crashed holder's lock can be taken over once stale.
func (s *NATSStore) TryLock(ctx context.Context, ttl time.Duration) (func(), error) {
	expiry := []byte(time.Now().Add(ttl).UTC().Format(time.RFC3339Nano))

	rev, err := s.kv.Create(ctx, natsLockKey, expiry)
	if err != nil {
		if !isRevisionMismatch(err) {
			return nil, fmt.Errorf("acquire lock: %w", mapNATSErr(err))
		}
		entry, gerr := s.kv.Get(ctx, natsLockKey)
		if gerr != nil {
			return nil, fmt.Errorf("check lock: %w", mapNATSErr(gerr))
		}
		held, perr := time.Parse(time.RFC3339Nano, string(entry.Value()))
		if perr == nil && time.Now().Before(held) {
			return nil, ErrLockHeld
		}
		rev, err = s.kv.Update(ctx, natsLockKey, expiry, entry.Revision())
		if err != nil {
			if isRevisionMismatch(err) {
				return nil, ErrLockHeld
			}
			return nil, fmt.Errorf("take over lock: %w", mapNATSErr(err))
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.kv.Delete(ctx, natsLockKey, jetstream.LastRevision(rev))
	}, nil
}

// Conn returns the underlying NATS connection.
func (s *NATSStore) Conn() *nats.Conn {
	return s.conn
}
