package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx shared by pools and transactions. Query
// helpers are written against it so they run in either scope.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries bundles all row-level operations against a DBTX handle.
type Queries struct {
	db DBTX
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	*Queries
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, Queries: &Queries{db: pool}}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Tx is a transaction-scoped handle. It carries the same query surface
// as the store plus the primitives that only make sense inside a
// transaction: row locks take effect, advisory locks are xact-scoped,
// and savepoints allow partial rollback.
type Tx struct {
	tx pgx.Tx
	*Queries
}

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx) // safe no-op on commit

	if err := fn(&Tx{tx: pgtx, Queries: &Queries{db: pgtx}}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lockKey maps an advisory lock name onto the int64 space Postgres wants.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryLock attempts a named advisory lock without blocking. A false
// return means another process holds it; the caller should skip its
// pass, not error. The lock is released when the transaction ends.
func (t *Tx) TryLock(ctx context.Context, name string) (bool, error) {
	var got bool
	err := t.db.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lockKey(name)).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("advisory lock %s: %w", name, err)
	}
	return got, nil
}

// Lock takes a named advisory lock, blocking until it is available.
func (t *Tx) Lock(ctx context.Context, name string) error {
	if _, err := t.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(name)); err != nil {
		return fmt.Errorf("advisory lock %s: %w", name, err)
	}
	return nil
}

// Savepoint sets a named savepoint within the transaction.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.db.Exec(ctx, "SAVEPOINT "+name)
	return err
}

// RollbackTo rolls back to a previously set savepoint, leaving the
// enclosing transaction usable.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.db.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

// NextRepoQueueID allocates a repo_queue id from its sequence.
func (q *Queries) NextRepoQueueID(ctx context.Context) (int64, error) {
	var id int64
	if err := q.db.QueryRow(ctx, `SELECT nextval('repo_queue_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("nextval repo_queue_id_seq: %w", err)
	}
	return id, nil
}
