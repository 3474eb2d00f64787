// Package database implements the metadata store on MySQL. Each commit is one
// transaction that locks the dimension's semaphore row, applies the mutation
// and bumps the revision. The tables it expects are listed in schema.sql.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/schema"
)

// Schema holds the CREATE TABLE statements of the store.
//
//go:embed schema.sql
var Schema string

// Config holds the connection settings of the MySQL store.
type Config struct {
	DSN               string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	ConnectionTimeout time.Duration
}

// MySQLStore implements core.Store using MySQL.
type MySQLStore struct {
	db  *sql.DB
	log *zap.SugaredLogger
	now func() time.Time

	mu     sync.RWMutex
	dimIDs map[string]core.DimensionID
	closed bool
}

var _ core.Store = (*MySQLStore)(nil)

// queryer is the statement surface shared by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenDB opens and pings a connection pool. Found-rows reporting and time
// parsing are forced on because the store relies on both.
func OpenDB(cfg Config) (*sql.DB, error) {
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mysql dsn: %w", core.ErrValidation, err)
	}
	dsn.ParseTime = true
	dsn.ClientFoundRows = true
	dsn.Loc = time.UTC

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", core.ErrConnectionFailure, err)
	}
	return db, nil
}

// NewMySQLStore opens a pool and returns a store on top of it.
func NewMySQLStore(cfg Config, log *zap.SugaredLogger) (*MySQLStore, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewMySQLStoreFromDB(db, log), nil
}

// NewMySQLStoreFromDB wraps an open pool. The pool must have been opened with
// clientFoundRows and parseTime enabled, as OpenDB does.
func NewMySQLStoreFromDB(db *sql.DB, log *zap.SugaredLogger) *MySQLStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MySQLStore{
		db:     db,
		log:    log,
		now:    time.Now,
		dimIDs: make(map[string]core.DimensionID),
	}
}

// InstallSchema creates the store's tables if they do not exist.
func InstallSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range splitStatements(Schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install schema: %w", err)
		}
	}
	return nil
}

// splitStatements splits a script on semicolons, dropping comment lines
// and empty statements.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		var b strings.Builder
		for _, line := range strings.Split(stmt, "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), "--") {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// sqlError wraps a driver error, tagging broken connections.
func sqlError(op string, err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", core.ErrConnectionFailure, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: database is closed", core.ErrConnectionFailure)
	}
	return nil
}

// dimensionID resolves a dimension name. Ids never change, so hits are cached.
func (s *MySQLStore) dimensionID(ctx context.Context, q queryer, name string) (core.DimensionID, error) {
	s.mu.RLock()
	id, ok := s.dimIDs[name]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}

	err := q.QueryRowContext(ctx, `SELECT id FROM hive_dimension WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: dimension %s", core.ErrNotFound, name)
	}
	if err != nil {
		return 0, sqlError("resolve dimension", err)
	}

	s.mu.Lock()
	s.dimIDs[name] = id
	s.mu.Unlock()
	return id, nil
}

// withTx runs fn in a transaction and commits it when fn succeeds.
func (s *MySQLStore) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return sqlError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqlError("commit transaction", err)
	}
	return nil
}

// CreateDimension installs a new dimension with a writable semaphore at revision 1.
func (s *MySQLStore) CreateDimension(ctx context.Context, d *core.PartitionDimension) (*core.Snapshot, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: dimension cannot be nil", core.ErrValidation)
	}

	var snap *core.Snapshot
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		taken, err := exists(ctx, tx, `SELECT 1 FROM hive_dimension WHERE name = ? LIMIT 1`, d.Name)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: dimension %q already exists", core.ErrValidation, d.Name)
		}

		in := d.Clone()
		if in.ID == 0 {
			var maxID int64
			if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM hive_dimension FOR UPDATE`).Scan(&maxID); err != nil {
				return sqlError("allocate dimension id", err)
			}
			in.ID = core.DimensionID(maxID + 1)
		}
		prepared, err := schema.Prepare(in)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hive_dimension (id, name, key_type) VALUES (?, ?, ?)`,
			prepared.ID, prepared.Name, string(prepared.KeyType)); err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: dimension %q already exists", core.ErrValidation, d.Name)
			}
			return sqlError("insert dimension", err)
		}
		for _, n := range prepared.Nodes {
			if err := insertNode(ctx, tx, prepared.ID, n); err != nil {
				return err
			}
		}
		for _, r := range prepared.Resources {
			if err := insertResource(ctx, tx, prepared.ID, r); err != nil {
				return err
			}
		}

		sem := core.Semaphore{Status: core.StatusWritable, Revision: 1}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hive_semaphore (dimension_id, status, revision) VALUES (?, ?, ?)`,
			prepared.ID, string(sem.Status), uint64(sem.Revision)); err != nil {
			return sqlError("insert semaphore", err)
		}
		snap = &core.Snapshot{Dimension: prepared, Semaphore: sem}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dimension %s: %w", d.Name, err)
	}

	s.log.Infow("dimension created",
		zap.String("store", "mysql"),
		zap.String("dimension", snap.Dimension.Name),
		zap.Int("nodes", len(snap.Dimension.Nodes)),
		zap.Int("resources", len(snap.Dimension.Resources)),
	)
	return snap, nil
}

// LoadSnapshot reads the topology and semaphore of a dimension in one
// read-only transaction.
func (s *MySQLStore) LoadSnapshot(ctx context.Context, dimension string) (*core.Snapshot, error) {
	var snap *core.Snapshot
	err := s.withTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}, func(tx *sql.Tx) error {
		id, err := s.dimensionID(ctx, tx, dimension)
		if err != nil {
			return err
		}
		sem, err := readSemaphore(ctx, tx, id, false)
		if err != nil {
			return err
		}
		topo, err := loadDimension(ctx, tx, id)
		if err != nil {
			return err
		}
		snap = &core.Snapshot{Dimension: topo, Semaphore: sem}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot of %s: %w", dimension, err)
	}
	return snap, nil
}

// ReadSemaphore reads the semaphore of a dimension.
func (s *MySQLStore) ReadSemaphore(ctx context.Context, dimension string) (core.Semaphore, error) {
	if err := s.checkOpen(); err != nil {
		return core.Semaphore{}, err
	}
	id, err := s.dimensionID(ctx, s.db, dimension)
	if err != nil {
		return core.Semaphore{}, err
	}
	return readSemaphore(ctx, s.db, id, false)
}

func readSemaphore(ctx context.Context, q queryer, id core.DimensionID, lock bool) (core.Semaphore, error) {
	query := `SELECT status, revision FROM hive_semaphore WHERE dimension_id = ?`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		status   string
		revision uint64
	)
	err := q.QueryRowContext(ctx, query, id).Scan(&status, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Semaphore{}, fmt.Errorf("%w: semaphore of dimension %d", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Semaphore{}, sqlError("read semaphore", err)
	}
	return core.Semaphore{Status: core.Status(status), Revision: core.Revision(revision)}, nil
}

// Commit applies a gated mutation. See core.TopologyStore.
func (s *MySQLStore) Commit(ctx context.Context, dimension string, expected core.Revision, m core.Mutation) (core.Revision, error) {
	var next core.Semaphore
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		id, err := s.dimensionID(ctx, tx, dimension)
		if err != nil {
			return err
		}
		current, err := readSemaphore(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := core.CheckCommit(current, expected, m); err != nil {
			return err
		}
		if err := s.apply(ctx, tx, id, m); err != nil {
			return err
		}

		next = core.Next(current, m)
		res, err := tx.ExecContext(ctx,
			`UPDATE hive_semaphore SET status = ?, revision = ? WHERE dimension_id = ? AND revision = ?`,
			string(next.Status), uint64(next.Revision), id, uint64(current.Revision))
		if err != nil {
			return sqlError("advance semaphore", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: semaphore of %s changed concurrently", core.ErrStaleMetadata, dimension)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, core.ErrStaleMetadata) && !errors.Is(err, core.ErrReadOnly) {
			s.log.Debugw("commit rejected",
				zap.String("store", "mysql"),
				zap.String("dimension", dimension),
				zap.Stringer("mutation", m.Kind),
				zap.Error(err),
			)
		}
		return 0, fmt.Errorf("%s on %s: %w", m.Kind, dimension, err)
	}
	return next.Revision, nil
}

func (s *MySQLStore) apply(ctx context.Context, tx *sql.Tx, dim core.DimensionID, m core.Mutation) error {
	if m.Kind == core.MutationSetStatus {
		if m.Status != core.StatusWritable && m.Status != core.StatusReadOnly {
			return fmt.Errorf("%w: unknown status %q", core.ErrValidation, m.Status)
		}
		return nil
	}

	topo, err := loadDimension(ctx, tx, dim)
	if err != nil {
		return err
	}
	if m.Kind.IsTopology() {
		return applyTopology(ctx, tx, topo, m)
	}

	switch m.Kind {
	case core.MutationInsertPrimaryKey:
		if err := schema.CheckKey(m.Key, topo.KeyType); err != nil {
			return err
		}
		if err := schema.CheckNodes(topo, m.NodeIDs); err != nil {
			return err
		}
		found, err := exists(ctx, tx, `SELECT 1 FROM hive_primary_index WHERE dimension_id = ? AND pkey = ? LIMIT 1`, dim, string(m.Key))
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: primary key %s already exists", core.ErrValidation, m.Key)
		}
		if err := insertPlacement(ctx, tx, dim, m.Key, m.NodeIDs); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO hive_partition_key_statistics (dimension_id, pkey, node_id, child_record_count, last_updated) VALUES (?, ?, ?, 0, ?)`,
			dim, string(m.Key), m.NodeIDs[0], s.now().UTC())
		if err != nil {
			return sqlError("insert statistics", err)
		}
		return nil

	case core.MutationDeletePrimaryKey:
		if _, err := nodesOf(ctx, tx, dim, m.Key); err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE e FROM hive_secondary_index_entry e
			   JOIN hive_resource_index r
			     ON r.dimension_id = e.dimension_id AND r.resource_id = e.resource_id AND r.rkey = e.rkey
			  WHERE r.dimension_id = ? AND r.pkey = ?`,
			`DELETE FROM hive_resource_index WHERE dimension_id = ? AND pkey = ?`,
			`DELETE FROM hive_primary_index WHERE dimension_id = ? AND pkey = ?`,
			`DELETE FROM hive_partition_key_statistics WHERE dimension_id = ? AND pkey = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, dim, string(m.Key)); err != nil {
				return sqlError("delete primary key", err)
			}
		}
		return nil

	case core.MutationUpdateNodesOfPrimaryKey:
		if err := schema.CheckNodes(topo, m.NodeIDs); err != nil {
			return err
		}
		if _, err := nodesOf(ctx, tx, dim, m.Key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM hive_primary_index WHERE dimension_id = ? AND pkey = ?`, dim, string(m.Key)); err != nil {
			return sqlError("clear placement", err)
		}
		if err := insertPlacement(ctx, tx, dim, m.Key, m.NodeIDs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE hive_partition_key_statistics SET node_id = ? WHERE dimension_id = ? AND pkey = ?`,
			m.NodeIDs[0], dim, string(m.Key)); err != nil {
			return sqlError("repoint statistics", err)
		}
		return nil

	case core.MutationInsertResourceID:
		res, ok := topo.Resource(m.ResourceID)
		if !ok {
			return fmt.Errorf("%w: resource %d", core.ErrNotFound, m.ResourceID)
		}
		if err := schema.CheckKey(m.ResourceKey, res.ColumnType); err != nil {
			return err
		}
		if _, err := nodesOf(ctx, tx, dim, m.Key); errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: primary key %s of %s %s", core.ErrOrphanKey, m.Key, res.Name, m.ResourceKey)
		} else if err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hive_resource_index (dimension_id, resource_id, rkey, pkey) VALUES (?, ?, ?, ?)`,
			dim, res.ID, string(m.ResourceKey), string(m.Key))
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s %s already registered", core.ErrValidation, res.Name, m.ResourceKey)
		}
		if err != nil {
			return sqlError("insert resource id", err)
		}
		return nil

	case core.MutationDeleteResourceID:
		if _, ok := topo.Resource(m.ResourceID); !ok {
			return fmt.Errorf("%w: resource %d", core.ErrNotFound, m.ResourceID)
		}
		if _, err := primaryKeyOf(ctx, tx, dim, m.ResourceID, m.ResourceKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM hive_secondary_index_entry WHERE dimension_id = ? AND resource_id = ? AND rkey = ?`,
			dim, m.ResourceID, string(m.ResourceKey)); err != nil {
			return sqlError("delete index entries", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM hive_resource_index WHERE dimension_id = ? AND resource_id = ? AND rkey = ?`,
			dim, m.ResourceID, string(m.ResourceKey)); err != nil {
			return sqlError("delete resource id", err)
		}
		return nil

	case core.MutationInsertSecondaryIndexKey:
		idx, res, ok := topo.Index(m.IndexID)
		if !ok {
			return fmt.Errorf("%w: index %d", core.ErrNotFound, m.IndexID)
		}
		if err := schema.CheckKey(m.IndexKey, idx.ColumnType); err != nil {
			return err
		}
		if _, err := primaryKeyOf(ctx, tx, dim, res.ID, m.ResourceKey); errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: %s %s referenced by %s", core.ErrOrphanKey, res.Name, m.ResourceKey, idx.Name)
		} else if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO hive_secondary_index_entry (dimension_id, index_id, ikey, resource_id, rkey) VALUES (?, ?, ?, ?, ?)`,
			dim, idx.ID, string(m.IndexKey), res.ID, string(m.ResourceKey)); err != nil {
			return sqlError("insert index entry", err)
		}
		return nil

	case core.MutationDeleteSecondaryIndexKey:
		if _, _, ok := topo.Index(m.IndexID); !ok {
			return fmt.Errorf("%w: index %d", core.ErrNotFound, m.IndexID)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM hive_secondary_index_entry WHERE dimension_id = ? AND index_id = ? AND ikey = ? AND rkey = ?`,
			dim, m.IndexID, string(m.IndexKey), string(m.ResourceKey))
		if err != nil {
			return sqlError("delete index entry", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: index key %s -> %s", core.ErrNotFound, m.IndexKey, m.ResourceKey)
		}
		return nil
	}

	return fmt.Errorf("%w: unknown mutation %d", core.ErrValidation, m.Kind)
}

func applyTopology(ctx context.Context, tx *sql.Tx, topo *core.PartitionDimension, m core.Mutation) error {
	updated, err := schema.Apply(topo, m)
	if err != nil {
		return err
	}
	dim := topo.ID

	switch m.Kind {
	case core.MutationAddNode:
		n, _ := updated.NodeByName(m.Node.Name)
		return insertNode(ctx, tx, dim, n)

	case core.MutationUpdateNode:
		n, _ := updated.Node(m.Node.ID)
		_, err := tx.ExecContext(ctx,
			`UPDATE hive_node SET name = ?, uri = ?, dialect = ?, capacity = ?, read_only = ? WHERE dimension_id = ? AND id = ?`,
			n.Name, n.URI, n.Dialect, n.Capacity, n.ReadOnly, dim, n.ID)
		if err != nil {
			return sqlError("update node", err)
		}
		return nil

	case core.MutationRemoveNode:
		var held int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM hive_primary_index WHERE dimension_id = ? AND node_id = ?`,
			dim, m.NodeID).Scan(&held); err != nil {
			return sqlError("count node keys", err)
		}
		if held > 0 {
			return fmt.Errorf("%w: node %d still holds %d keys", core.ErrValidation, m.NodeID, held)
		}
		return execAll(ctx, tx, "remove node", [][]any{
			{`DELETE FROM hive_node WHERE dimension_id = ? AND id = ?`, dim, m.NodeID},
		})

	case core.MutationAddResource:
		r, _ := updated.ResourceByName(m.Resource.Name)
		return insertResource(ctx, tx, dim, r)

	case core.MutationRemoveResource:
		return execAll(ctx, tx, "remove resource", [][]any{
			{`DELETE FROM hive_secondary_index_entry WHERE dimension_id = ? AND resource_id = ?`, dim, m.ResourceID},
			{`DELETE FROM hive_resource_index WHERE dimension_id = ? AND resource_id = ?`, dim, m.ResourceID},
			{`DELETE FROM hive_secondary_index WHERE dimension_id = ? AND resource_id = ?`, dim, m.ResourceID},
			{`DELETE FROM hive_resource WHERE dimension_id = ? AND id = ?`, dim, m.ResourceID},
		})

	case core.MutationAddSecondaryIndex:
		owner, _ := updated.Resource(m.ResourceID)
		idx, _ := updated.IndexByName(owner.Name, m.Index.Name)
		return insertIndex(ctx, tx, dim, idx)

	case core.MutationRemoveSecondaryIndex:
		return execAll(ctx, tx, "remove index", [][]any{
			{`DELETE FROM hive_secondary_index_entry WHERE dimension_id = ? AND index_id = ?`, dim, m.IndexID},
			{`DELETE FROM hive_secondary_index WHERE dimension_id = ? AND id = ?`, dim, m.IndexID},
		})
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, op string, stmts [][]any) error {
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st[0].(string), st[1:]...); err != nil {
			return sqlError(op, err)
		}
	}
	return nil
}

func exists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, sqlError("probe row", err)
	}
	return true, nil
}

func insertNode(ctx context.Context, tx *sql.Tx, dim core.DimensionID, n core.Node) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO hive_node (dimension_id, id, name, uri, dialect, capacity, read_only) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dim, n.ID, n.Name, n.URI, n.Dialect, n.Capacity, n.ReadOnly)
	if err != nil {
		return sqlError("insert node", err)
	}
	return nil
}

func insertResource(ctx context.Context, tx *sql.Tx, dim core.DimensionID, r core.Resource) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO hive_resource (dimension_id, id, name, column_type, is_partitioning_resource) VALUES (?, ?, ?, ?, ?)`,
		dim, r.ID, r.Name, string(r.ColumnType), r.IsPartitioningResource)
	if err != nil {
		return sqlError("insert resource", err)
	}
	for _, idx := range r.Indexes {
		if err := insertIndex(ctx, tx, dim, idx); err != nil {
			return err
		}
	}
	return nil
}

func insertIndex(ctx context.Context, tx *sql.Tx, dim core.DimensionID, idx core.SecondaryIndex) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO hive_secondary_index (dimension_id, id, resource_id, name, column_type) VALUES (?, ?, ?, ?, ?)`,
		dim, idx.ID, idx.ResourceID, idx.Name, string(idx.ColumnType))
	if err != nil {
		return sqlError("insert index", err)
	}
	return nil
}

func insertPlacement(ctx context.Context, tx *sql.Tx, dim core.DimensionID, key core.Key, nodes []core.NodeID) error {
	for pos, n := range nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hive_primary_index (dimension_id, pkey, node_id, position) VALUES (?, ?, ?, ?)`,
			dim, string(key), n, pos); err != nil {
			return sqlError("insert placement", err)
		}
	}
	return nil
}

func loadDimension(ctx context.Context, q queryer, id core.DimensionID) (*core.PartitionDimension, error) {
	d := &core.PartitionDimension{ID: id}
	var keyType string
	err := q.QueryRowContext(ctx, `SELECT name, key_type FROM hive_dimension WHERE id = ?`, id).Scan(&d.Name, &keyType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dimension %d", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, sqlError("load dimension", err)
	}
	d.KeyType = core.ColumnType(keyType)

	rows, err := q.QueryContext(ctx,
		`SELECT id, name, uri, dialect, capacity, read_only FROM hive_node WHERE dimension_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, sqlError("load nodes", err)
	}
	defer rows.Close()
	for rows.Next() {
		n := core.Node{DimensionID: id}
		if err := rows.Scan(&n.ID, &n.Name, &n.URI, &n.Dialect, &n.Capacity, &n.ReadOnly); err != nil {
			return nil, sqlError("scan node", err)
		}
		d.Nodes = append(d.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError("load nodes", err)
	}

	resRows, err := q.QueryContext(ctx,
		`SELECT id, name, column_type, is_partitioning_resource FROM hive_resource WHERE dimension_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, sqlError("load resources", err)
	}
	defer resRows.Close()
	for resRows.Next() {
		r := core.Resource{DimensionID: id}
		var ct string
		if err := resRows.Scan(&r.ID, &r.Name, &ct, &r.IsPartitioningResource); err != nil {
			return nil, sqlError("scan resource", err)
		}
		r.ColumnType = core.ColumnType(ct)
		d.Resources = append(d.Resources, r)
	}
	if err := resRows.Err(); err != nil {
		return nil, sqlError("load resources", err)
	}

	idxRows, err := q.QueryContext(ctx,
		`SELECT id, resource_id, name, column_type FROM hive_secondary_index WHERE dimension_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, sqlError("load indexes", err)
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var (
			idx core.SecondaryIndex
			ct  string
		)
		if err := idxRows.Scan(&idx.ID, &idx.ResourceID, &idx.Name, &ct); err != nil {
			return nil, sqlError("scan index", err)
		}
		idx.ColumnType = core.ColumnType(ct)
		for i := range d.Resources {
			if d.Resources[i].ID == idx.ResourceID {
				d.Resources[i].Indexes = append(d.Resources[i].Indexes, idx)
			}
		}
	}
	if err := idxRows.Err(); err != nil {
		return nil, sqlError("load indexes", err)
	}
	return d, nil
}

func nodesOf(ctx context.Context, q queryer, dim core.DimensionID, key core.Key) ([]core.NodeID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT node_id FROM hive_primary_index WHERE dimension_id = ? AND pkey = ? ORDER BY position`,
		dim, string(key))
	if err != nil {
		return nil, sqlError("read placement", err)
	}
	defer rows.Close()

	var nodes []core.NodeID
	for rows.Next() {
		var n core.NodeID
		if err := rows.Scan(&n); err != nil {
			return nil, sqlError("scan placement", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError("read placement", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: primary key %s", core.ErrNotFound, key)
	}
	return nodes, nil
}

func primaryKeyOf(ctx context.Context, q queryer, dim core.DimensionID, res core.ResourceID, key core.Key) (core.Key, error) {
	var pk string
	err := q.QueryRowContext(ctx,
		`SELECT pkey FROM hive_resource_index WHERE dimension_id = ? AND resource_id = ? AND rkey = ?`,
		dim, res, string(key)).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: resource id %s", core.ErrNotFound, key)
	}
	if err != nil {
		return "", sqlError("read resource id", err)
	}
	return core.Key(pk), nil
}

// NodesOfPrimaryKey returns the nodes a primary key resolves to.
func (s *MySQLStore) NodesOfPrimaryKey(ctx context.Context, dimension string, key core.Key) ([]core.NodeID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id, err := s.dimensionID(ctx, s.db, dimension)
	if err != nil {
		return nil, err
	}
	return nodesOf(ctx, s.db, id, key)
}

// PrimaryKeyOfResource returns the primary key that owns a resource id.
func (s *MySQLStore) PrimaryKeyOfResource(ctx context.Context, dimension string, res core.ResourceID, key core.Key) (core.Key, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	id, err := s.dimensionID(ctx, s.db, dimension)
	if err != nil {
		return "", err
	}
	return primaryKeyOf(ctx, s.db, id, res, key)
}

// ResourceKeysOfSecondaryKey returns the resource ids an index key points at.
func (s *MySQLStore) ResourceKeysOfSecondaryKey(ctx context.Context, dimension string, idx core.IndexID, key core.Key) ([]core.Key, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id, err := s.dimensionID(ctx, s.db, dimension)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT rkey FROM hive_secondary_index_entry WHERE dimension_id = ? AND index_id = ? AND ikey = ?`,
		id, idx, string(key))
	if err != nil {
		return nil, sqlError("read index entries", err)
	}
	defer rows.Close()

	var out []core.Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, sqlError("scan index entry", err)
		}
		out = append(out, core.Key(k))
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError("read index entries", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: index key %s", core.ErrNotFound, key)
	}
	sortKeys(out)
	return out, nil
}

// AdjustChildRecordCount atomically moves a key's counter by delta, flooring it at zero.
func (s *MySQLStore) AdjustChildRecordCount(ctx context.Context, dimension string, key core.Key, delta int64, now time.Time) (core.PartitionKeyStatistics, error) {
	var st core.PartitionKeyStatistics
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		id, err := s.dimensionID(ctx, tx, dimension)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE hive_partition_key_statistics
			    SET child_record_count = GREATEST(child_record_count + ?, 0), last_updated = ?
			  WHERE dimension_id = ? AND pkey = ?`,
			delta, now.UTC(), id, string(key))
		if err != nil {
			return sqlError("adjust statistics", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: statistics row", core.ErrNotFound)
		}
		st, err = keyStatistics(ctx, tx, dimension, id, key)
		return err
	})
	if err != nil {
		return core.PartitionKeyStatistics{}, fmt.Errorf("failed to adjust statistics of %s: %w", key, err)
	}
	return st, nil
}

// KeyStatistics returns the counter of one key.
func (s *MySQLStore) KeyStatistics(ctx context.Context, dimension string, key core.Key) (core.PartitionKeyStatistics, error) {
	if err := s.checkOpen(); err != nil {
		return core.PartitionKeyStatistics{}, err
	}
	id, err := s.dimensionID(ctx, s.db, dimension)
	if err != nil {
		return core.PartitionKeyStatistics{}, err
	}
	return keyStatistics(ctx, s.db, dimension, id, key)
}

func keyStatistics(ctx context.Context, q queryer, dimension string, id core.DimensionID, key core.Key) (core.PartitionKeyStatistics, error) {
	st := core.PartitionKeyStatistics{Dimension: dimension, Key: key}
	err := q.QueryRowContext(ctx,
		`SELECT node_id, child_record_count, last_updated FROM hive_partition_key_statistics WHERE dimension_id = ? AND pkey = ?`,
		id, string(key)).Scan(&st.NodeID, &st.ChildRecordCount, &st.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("%w: statistics of %s", core.ErrNotFound, key)
	}
	if err != nil {
		return st, sqlError("read statistics", err)
	}
	return st, nil
}

// KeyStatisticsOfNode returns the counters of every key assigned to a node.
func (s *MySQLStore) KeyStatisticsOfNode(ctx context.Context, dimension string, node core.NodeID) ([]core.PartitionKeyStatistics, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id, err := s.dimensionID(ctx, s.db, dimension)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.pkey, s.node_id, s.child_record_count, s.last_updated
		   FROM hive_primary_index p
		   JOIN hive_partition_key_statistics s ON s.dimension_id = p.dimension_id AND s.pkey = p.pkey
		  WHERE p.dimension_id = ? AND p.node_id = ?`, id, node)
	if err != nil {
		return nil, sqlError("read node statistics", err)
	}
	defer rows.Close()

	out := []core.PartitionKeyStatistics{}
	for rows.Next() {
		st := core.PartitionKeyStatistics{Dimension: dimension}
		var k string
		if err := rows.Scan(&k, &st.NodeID, &st.ChildRecordCount, &st.LastUpdated); err != nil {
			return nil, sqlError("scan node statistics", err)
		}
		st.Key = core.Key(k)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError("read node statistics", err)
	}
	sortStatistics(out)
	return out, nil
}

// DB exposes the underlying pool, for health probes.
func (s *MySQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
