package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// sweepLockKey identifies the sweep's session-level advisory lock.
const sweepLockKey int64 = 0x666c656574 // "fleet"

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Locker = (*PostgresStore)(nil)
)

// OpenPostgres connects, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func mapPQErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, sql.ErrConnDone) {
		return ErrClosed
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return ErrConflict
		case "foreign_key_violation":
			return ErrNotFound
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

const nodeColumns = `id, name, ip_address, port, node_type, last_heartbeat, is_active,
	cpu_usage, memory_usage, disk_usage, system_info, created_at, updated_at`

func scanNode(row rowScanner) (*Node, error) {
	var (
		n              Node
		nodeType       string
		last           sql.NullTime
		cpu, mem, disk sql.NullFloat64
		systemInfo     []byte
	)
	if err := row.Scan(&n.ID, &n.Name, &n.IPAddress, &n.Port, &nodeType, &last, &n.IsActive,
		&cpu, &mem, &disk, &systemInfo, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.NodeType = NodeType(nodeType)
	if last.Valid {
		t := last.Time
		n.LastHeartbeat = &t
	}
	n.CPUUsage = nullFloat(cpu)
	n.MemoryUsage = nullFloat(mem)
	n.DiskUsage = nullFloat(disk)
	if len(systemInfo) > 0 {
		if err := json.Unmarshal(systemInfo, &n.SystemInfo); err != nil {
			return nil, fmt.Errorf("decode system_info for %s: %w", n.ID, err)
		}
	}
	return &n, nil
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nodeArgs(n *Node) ([]any, error) {
	var systemInfo []byte
	if n.SystemInfo != nil {
		b, err := json.Marshal(n.SystemInfo)
		if err != nil {
			return nil, err
		}
		systemInfo = b
	}
	var last any
	if n.LastHeartbeat != nil {
		last = *n.LastHeartbeat
	}
	return []any{n.ID, n.Name, n.IPAddress, n.Port, string(n.NodeType), last, n.IsActive,
		floatArg(n.CPUUsage), floatArg(n.MemoryUsage), floatArg(n.DiskUsage), systemInfo,
		n.CreatedAt, n.UpdatedAt}, nil
}

func floatArg(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

const insertNode = `INSERT INTO fleet_nodes (` + nodeColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const updateNode = `UPDATE fleet_nodes SET name = $2, ip_address = $3, port = $4, node_type = $5,
	last_heartbeat = $6, is_active = $7, cpu_usage = $8, memory_usage = $9, disk_usage = $10,
	system_info = $11, created_at = $12, updated_at = $13
	WHERE id = $1`

// CreateNode inserts a node.
func (s *PostgresStore) CreateNode(ctx context.Context, n *Node) error {
	if err := checkNodeMutation(n, ""); err != nil {
		return err
	}
	args, err := nodeArgs(n)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertNode, args...)
	return mapPQErr(err)
}

// UpsertNodeByIP locks the row for ip, or inserts it. A concurrent insert of
// the same IP makes the loser retry against the winner's row.
func (s *PostgresStore) UpsertNodeByIP(ctx context.Context, ip string, fn NodeMutator) (*Node, bool, error) {
	for i := 0; i < maxTxnRetries; i++ {
		n, created, retry, err := s.upsertOnce(ctx, ip, fn)
		if retry {
			continue
		}
		return n, created, err
	}
	return nil, false, fmt.Errorf("upsert %s: %w", ip, ErrConflict)
}

func (s *PostgresStore) upsertOnce(ctx context.Context, ip string, fn NodeMutator) (n *Node, created, retry bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, false, mapPQErr(err)
	}
	defer tx.Rollback()

	existing, err := scanNode(tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM fleet_nodes WHERE ip_address = $1 FOR UPDATE`, ip))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, false, mapPQErr(err)
	}

	next, err := fn(existing.Clone())
	if err != nil {
		return nil, false, false, err
	}
	if err := checkNodeMutation(next, ip); err != nil {
		return nil, false, false, err
	}
	args, err := nodeArgs(next)
	if err != nil {
		return nil, false, false, err
	}

	if existing == nil {
		res, err := tx.ExecContext(ctx, insertNode+` ON CONFLICT (ip_address) DO NOTHING`, args...)
		if err != nil {
			return nil, false, false, mapPQErr(err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil, false, true, nil
		}
	} else {
		if next.ID != existing.ID {
			return nil, false, false, ErrConflict
		}
		if _, err := tx.ExecContext(ctx, updateNode, args...); err != nil {
			return nil, false, false, mapPQErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, false, mapPQErr(err)
	}
	return next, existing == nil, false, nil
}

// UpdateNode applies fn to a row-locked node.
func (s *PostgresStore) UpdateNode(ctx context.Context, id string, fn NodeMutator) (*Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPQErr(err)
	}
	defer tx.Rollback()

	existing, err := scanNode(tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM fleet_nodes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapPQErr(err)
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
	args, err := nodeArgs(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, updateNode, args...); err != nil {
		return nil, mapPQErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPQErr(err)
	}
	return next, nil
}

// GetNode returns a node by ID.
func (s *PostgresStore) GetNode(ctx context.Context, id string) (*Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM fleet_nodes WHERE id = $1`, id))
	return n, mapPQErr(err)
}

// GetNodeByIP returns a node by IP address.
func (s *PostgresStore) GetNodeByIP(ctx context.Context, ip string) (*Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM fleet_nodes WHERE ip_address = $1`, ip))
	return n, mapPQErr(err)
}

// ListNodes returns matching nodes ordered by name. Rows that fail to decode
// are skipped.
func (s *PostgresStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM fleet_nodes`
	if filter.ActiveOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapPQErr(err)
	}
	defer rows.Close()

	var result []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			continue
		}
		result = append(result, n)
	}
	return result, mapPQErr(rows.Err())
}

const serviceColumns = `s.id, s.name, s.description, s.is_operational, s.last_check, s.created_at, s.updated_at,
	COALESCE(array_agg(sn.node_id ORDER BY sn.node_id) FILTER (WHERE sn.node_id IS NOT NULL), '{}')`

const serviceFrom = ` FROM fleet_services s LEFT JOIN fleet_service_nodes sn ON sn.service_id = s.id`

func scanService(row rowScanner) (*Service, error) {
	var (
		svc   Service
		last  sql.NullTime
		nodes pq.StringArray
	)
	if err := row.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.IsOperational, &last,
		&svc.CreatedAt, &svc.UpdatedAt, &nodes); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		svc.LastCheck = &t
	}
	svc.NodeIDs = []string(nodes)
	return &svc, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// CreateService inserts a service and its links.
func (s *PostgresStore) CreateService(ctx context.Context, svc *Service) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapPQErr(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO fleet_services
		(id, name, description, is_operational, last_check, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		svc.ID, svc.Name, svc.Description, svc.IsOperational, nullableTime(svc.LastCheck),
		svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		return mapPQErr(err)
	}
	if err := replaceLinks(ctx, tx, svc.ID, svc.NodeIDs); err != nil {
		return err
	}
	return mapPQErr(tx.Commit())
}

func replaceLinks(ctx context.Context, tx *sql.Tx, serviceID string, nodeIDs []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fleet_service_nodes WHERE service_id = $1`, serviceID); err != nil {
		return mapPQErr(err)
	}
	if len(nodeIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO fleet_service_nodes (service_id, node_id)
		SELECT $1, unnest($2::text[]) ON CONFLICT DO NOTHING`, serviceID, pq.Array(nodeIDs))
	return mapPQErr(err)
}

func (s *PostgresStore) queryServices(ctx context.Context, where string, args ...any) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+serviceFrom+where+` GROUP BY s.id ORDER BY s.name, s.id`, args...)
	if err != nil {
		return nil, mapPQErr(err)
	}
	defer rows.Close()

	var result []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			continue
		}
		result = append(result, svc)
	}
	return result, mapPQErr(rows.Err())
}

func (s *PostgresStore) oneService(ctx context.Context, where string, arg any) (*Service, error) {
	services, err := s.queryServices(ctx, where, arg)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, ErrNotFound
	}
	return services[0], nil
}

// GetService returns a service by ID.
func (s *PostgresStore) GetService(ctx context.Context, id string) (*Service, error) {
	return s.oneService(ctx, ` WHERE s.id = $1`, id)
}

// FindServiceByName returns a service by its unique name.
func (s *PostgresStore) FindServiceByName(ctx context.Context, name string) (*Service, error) {
	return s.oneService(ctx, ` WHERE s.name = $1`, name)
}

// ListServices returns all services ordered by name.
func (s *PostgresStore) ListServices(ctx context.Context) ([]*Service, error) {
	return s.queryServices(ctx, "")
}

// ServicesForNode returns services linked to nodeID.
func (s *PostgresStore) ServicesForNode(ctx context.Context, nodeID string) ([]*Service, error) {
	return s.queryServices(ctx,
		` WHERE s.id IN (SELECT service_id FROM fleet_service_nodes WHERE node_id = $1)`, nodeID)
}

// UpdateService applies fn to a row-locked service.
func (s *PostgresStore) UpdateService(ctx context.Context, id string, fn ServiceMutator) (*Service, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPQErr(err)
	}
	defer tx.Rollback()

	var (
		existing Service
		last     sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `SELECT id, name, description, is_operational, last_check, created_at, updated_at
		FROM fleet_services WHERE id = $1 FOR UPDATE`, id).
		Scan(&existing.ID, &existing.Name, &existing.Description, &existing.IsOperational, &last,
			&existing.CreatedAt, &existing.UpdatedAt)
	if err != nil {
		return nil, mapPQErr(err)
	}
	if last.Valid {
		t := last.Time
		existing.LastCheck = &t
	}
	var links pq.StringArray
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(array_agg(node_id ORDER BY node_id), '{}')
		FROM fleet_service_nodes WHERE service_id = $1`, id).Scan(&links)
	if err != nil {
		return nil, mapPQErr(err)
	}
	existing.NodeIDs = []string(links)

	next, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}
	if next.ID != id {
		return nil, ErrConflict
	}
	_, err = tx.ExecContext(ctx, `UPDATE fleet_services SET name = $2, description = $3,
		is_operational = $4, last_check = $5, updated_at = $6 WHERE id = $1`,
		id, next.Name, next.Description, next.IsOperational, nullableTime(next.LastCheck), next.UpdatedAt)
	if err != nil {
		return nil, mapPQErr(err)
	}

	want := append([]string(nil), next.NodeIDs...)
	slices.Sort(want)
	if !slices.Equal(want, existing.NodeIDs) {
		if err := replaceLinks(ctx, tx, id, next.NodeIDs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPQErr(err)
	}
	return next, nil
}

// TryLock takes a session-level advisory lock on a dedicated connection. The
// lock dies with the connection, so ttl is not needed here.
func (s *PostgresStore) TryLock(ctx context.Context, ttl time.Duration) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, mapPQErr(err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, sweepLockKey).Scan(&ok); err != nil {
		conn.Close()
		return nil, mapPQErr(err)
	}
	if !ok {
		conn.Close()
		return nil, ErrLockHeld
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, sweepLockKey)
		conn.Close()
	}, nil
}
