package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// maxTxnRetries bounds retries of a transaction that lost a write race.
const maxTxnRetries = 32

// BadgerStore implements Store on an embedded Badger database.
//
// Layout:
//
//	node/<id>           JSON Node
//	nodeip/<ip>         node id
//	service/<id>        JSON Service
//	servicename/<name>  service id
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM.
	InMemory bool
}

// OpenBadger opens or creates a Badger-backed store.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(filepath.Clean(opts.Path))
		bopts = bopts.WithValueLogFileSize(1 << 24)
	}
	bopts.Logger = nil
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC reclaims value log space. Safe to call periodically.
func (s *BadgerStore) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func nodeKey(id string) []byte       { return []byte("node/" + id) }
func nodeIPKey(ip string) []byte     { return []byte("nodeip/" + ip) }
func serviceKey(id string) []byte    { return []byte("service/" + id) }
func serviceNameKey(n string) []byte { return []byte("servicename/" + n) }

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return mapBadgerErr(err)
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func mapBadgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(b []byte) error {
		return json.Unmarshal(b, v)
	})
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", err
	}
	b, err := item.ValueCopy(nil)
	return string(b), err
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CreateNode inserts a node.
func (s *BadgerStore) CreateNode(ctx context.Context, n *Node) error {
	if err := checkNodeMutation(n, ""); err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, k := range [][]byte{nodeKey(n.ID), nodeIPKey(n.IPAddress)} {
			ok, err := exists(txn, k)
			if err != nil {
				return err
			}
			if ok {
				return ErrConflict
			}
		}
		if err := setJSON(txn, nodeKey(n.ID), n); err != nil {
			return err
		}
		return txn.Set(nodeIPKey(n.IPAddress), []byte(n.ID))
	})
}

// UpsertNodeByIP reads and writes the node for ip in one serializable
// transaction.
func (s *BadgerStore) UpsertNodeByIP(ctx context.Context, ip string, fn NodeMutator) (*Node, bool, error) {
	var (
		result  *Node
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		var existing *Node
		id, err := getString(txn, nodeIPKey(ip))
		switch {
		case err == nil:
			existing = &Node{}
			if err := getJSON(txn, nodeKey(id), existing); err != nil {
				if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				// dangling index entry
				existing = nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}
		if err := checkNodeMutation(next, ip); err != nil {
			return err
		}
		if existing != nil && next.ID != existing.ID {
			return ErrConflict
		}
		if existing == nil {
			taken, err := exists(txn, nodeKey(next.ID))
			if err != nil {
				return err
			}
			if taken {
				return ErrConflict
			}
			if err := txn.Set(nodeIPKey(ip), []byte(next.ID)); err != nil {
				return err
			}
		}
		if err := setJSON(txn, nodeKey(next.ID), next); err != nil {
			return err
		}
		result, created = next, existing == nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// UpdateNode applies fn to an existing node in one transaction.
func (s *BadgerStore) UpdateNode(ctx context.Context, id string, fn NodeMutator) (*Node, error) {
	var result *Node
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing := &Node{}
		if err := getJSON(txn, nodeKey(id), existing); err != nil {
			return err
		}
		next, err := fn(existing.Clone())
		if err != nil {
			return err
		}
		if err := checkNodeMutation(next, existing.IPAddress); err != nil {
			return err
		}
		if next.ID != id {
			return ErrConflict
		}
		if err := setJSON(txn, nodeKey(id), next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// GetNode returns a node by ID.
func (s *BadgerStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var n Node
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, nodeKey(id), &n)
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return &n, nil
}

// GetNodeByIP returns a node by IP address.
func (s *BadgerStore) GetNodeByIP(ctx context.Context, ip string) (*Node, error) {
	var n Node
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, nodeIPKey(ip))
		if err != nil {
			return err
		}
		return getJSON(txn, nodeKey(id), &n)
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return &n, nil
}

// scan decodes every value under prefix, skipping entries that fail to
// decode.
func scan[T any](db *badger.DB, prefix []byte, keep func(*T) bool) ([]*T, error) {
	var result []*T
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v := new(T)
			err := it.Item().Value(func(b []byte) error {
				return json.Unmarshal(b, v)
			})
			if err != nil {
				continue
			}
			if keep == nil || keep(v) {
				result = append(result, v)
			}
		}
		return nil
	})
	return result, mapBadgerErr(err)
}

// ListNodes returns matching nodes ordered by name.
func (s *BadgerStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	nodes, err := scan(s.db, []byte("node/"), func(n *Node) bool {
		return matchesFilter(n, filter)
	})
	if err != nil {
		return nil, err
	}
	sortNodes(nodes)
	return nodes, nil
}

// CreateService inserts a service.
func (s *BadgerStore) CreateService(ctx context.Context, svc *Service) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, k := range [][]byte{serviceKey(svc.ID), serviceNameKey(svc.Name)} {
			ok, err := exists(txn, k)
			if err != nil {
				return err
			}
			if ok {
				return ErrConflict
			}
		}
		if err := setJSON(txn, serviceKey(svc.ID), svc); err != nil {
			return err
		}
		return txn.Set(serviceNameKey(svc.Name), []byte(svc.ID))
	})
}

// GetService returns a service by ID.
func (s *BadgerStore) GetService(ctx context.Context, id string) (*Service, error) {
	var svc Service
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, serviceKey(id), &svc)
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return &svc, nil
}

// FindServiceByName returns a service by its unique name.
func (s *BadgerStore) FindServiceByName(ctx context.Context, name string) (*Service, error) {
	var svc Service
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, serviceNameKey(name))
		if err != nil {
			return err
		}
		return getJSON(txn, serviceKey(id), &svc)
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return &svc, nil
}

// ListServices returns all services ordered by name.
func (s *BadgerStore) ListServices(ctx context.Context) ([]*Service, error) {
	services, err := scan[Service](s.db, []byte("service/"), nil)
	if err != nil {
		return nil, err
	}
	sortServices(services)
	return services, nil
}

// ServicesForNode returns services linked to nodeID.
func (s *BadgerStore) ServicesForNode(ctx context.Context, nodeID string) ([]*Service, error) {
	services, err := scan(s.db, []byte("service/"), func(svc *Service) bool {
		return svc.HasNode(nodeID)
	})
	if err != nil {
		return nil, err
	}
	sortServices(services)
	return services, nil
}

// UpdateService applies fn to an existing service in one transaction.
func (s *BadgerStore) UpdateService(ctx context.Context, id string, fn ServiceMutator) (*Service, error) {
	var result *Service
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing := &Service{}
		if err := getJSON(txn, serviceKey(id), existing); err != nil {
			return err
		}
		next, err := fn(existing.Clone())
		if err != nil {
			return err
		}
		if next.ID != id {
			return ErrConflict
		}
		if next.Name != existing.Name {
			taken, err := exists(txn, serviceNameKey(next.Name))
			if err != nil {
				return err
			}
			if taken {
				return ErrConflict
			}
			if err := txn.Delete(serviceNameKey(existing.Name)); err != nil {
				return err
			}
			if err := txn.Set(serviceNameKey(next.Name), []byte(id)); err != nil {
				return err
			}
		}
		if err := setJSON(txn, serviceKey(id), next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}
