package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const snapshotsTable = "autodev_snapshots"

// PostgresBackend keeps the snapshot as one JSONB row. Update locks the row
// with SELECT ... FOR UPDATE, so writers on any host serialize.
type PostgresBackend struct {
	pool *pgxpool.Pool
	name string
}

// NewPostgresBackend connects to dsn and ensures the schema. name selects the
// row, letting several deployments share one database.
func NewPostgresBackend(ctx context.Context, dsn, name string) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if name == "" {
		name = "default"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b := &PostgresBackend{pool: pool, name: name}
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// EnsureSchema creates the snapshot table and this backend's row.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + snapshotsTable + ` (
    name       TEXT PRIMARY KEY,
    doc        JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`INSERT INTO ` + snapshotsTable + ` (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	}
	for i, stmt := range statements {
		var err error
		if i == 1 {
			_, err = b.pool.Exec(ctx, stmt, b.name)
		} else {
			_, err = b.pool.Exec(ctx, stmt)
		}
		if err != nil {
			return fmt.Errorf("ensure snapshot schema: %w", err)
		}
	}
	return nil
}

// Load reads the snapshot row.
func (b *PostgresBackend) Load(ctx context.Context) (Snapshot, error) {
	return b.load(ctx, b.pool, "")
}

// Update runs fn inside a transaction holding the row lock.
func (b *PostgresBackend) Update(ctx context.Context, fn func(Snapshot) (bool, error)) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := b.load(ctx, tx, " FOR UPDATE")
	if err != nil {
		return err
	}
	changed, err := fn(snap)
	if err != nil {
		return err
	}
	if !changed {
		return tx.Commit(ctx)
	}

	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+snapshotsTable+` SET doc = $2, updated_at = now() WHERE name = $1`,
		b.name, doc,
	); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Close closes the pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (b *PostgresBackend) load(ctx context.Context, q queryRower, suffix string) (Snapshot, error) {
	var doc []byte
	err := q.QueryRow(ctx, `SELECT doc FROM `+snapshotsTable+` WHERE name = $1`+suffix, b.name).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	snap := Snapshot{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	for id, p := range snap {
		if p == nil {
			delete(snap, id)
			continue
		}
		normalize(id, p)
	}
	return snap, nil
}
