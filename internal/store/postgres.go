package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
)

// Schema is the DDL for the accounts table, one statement per entry.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_accounts (
		address    TEXT PRIMARY KEY,
		kind       SMALLINT NOT NULL,
		data       BYTEA NOT NULL,
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_accounts_kind_idx ON ledger_accounts (kind)`,
}

const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Batches run in one transaction; version checks are part of each
// statement's WHERE clause.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over the ledger_accounts table.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the accounts table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Fetch(ctx context.Context, addr address.Address) (Record, error) {
	rec := Record{Address: addr}
	var kind int16
	var version int64

	err := s.pool.QueryRow(ctx,
		`SELECT kind, data, version FROM ledger_accounts WHERE address = $1`, addr.String()).
		Scan(&kind, &rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return Record{}, fmt.Errorf("fetch account %s: %w", addr, err)
	}
	rec.Kind = model.Kind(kind)
	rec.Version = uint64(version)
	return rec, nil
}

func (s *PostgresStore) Apply(ctx context.Context, b *Batch) ([]Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	out := make([]Record, 0, b.Len())
	for i, op := range b.Ops {
		rec, err := s.applyOp(ctx, tx, op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		out = append(out, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) applyOp(ctx context.Context, tx pgx.Tx, op Op) (Record, error) {
	key := op.Address.String()

	switch op.Type {
	case OpCreate:
		version, _ := nextVersion(op, 0)
		tag, err := tx.Exec(ctx,
			`INSERT INTO ledger_accounts (address, kind, data, version, updated_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (address) DO NOTHING`,
			key, int16(op.Kind), op.Data, int64(version))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, op.Address)
			}
			return Record{}, err
		}
		if tag.RowsAffected() == 0 {
			return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, op.Address)
		}
		return Record{Address: op.Address, Kind: op.Kind, Data: op.Data, Version: version}, nil

	case OpUpdate:
		next, ok := nextVersion(op, op.Expected)
		if !ok {
			return Record{}, fmt.Errorf("%w: %s version %d does not advance %d", ErrConflict, op.Address, op.Version, op.Expected)
		}
		var version int64
		err := tx.QueryRow(ctx,
			`UPDATE ledger_accounts
			 SET kind = $2, data = $3, version = $5, updated_at = now()
			 WHERE address = $1 AND version = $4
			 RETURNING version`,
			key, int16(op.Kind), op.Data, int64(op.Expected), int64(next)).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, s.missOrConflict(ctx, tx, op)
		}
		if err != nil {
			return Record{}, err
		}
		return Record{Address: op.Address, Kind: op.Kind, Data: op.Data, Version: uint64(version)}, nil

	case OpDelete:
		rec := Record{Address: op.Address}
		var kind int16
		var version int64
		err := tx.QueryRow(ctx,
			`DELETE FROM ledger_accounts
			 WHERE address = $1 AND version = $2
			 RETURNING kind, data, version`,
			key, int64(op.Expected)).Scan(&kind, &rec.Data, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, s.missOrConflict(ctx, tx, op)
		}
		if err != nil {
			return Record{}, err
		}
		rec.Kind = model.Kind(kind)
		rec.Version = uint64(version)
		return rec, nil
	}
	return Record{}, fmt.Errorf("unknown op type %d", op.Type)
}

// missOrConflict distinguishes a missing row from a stale version after a
// conditional write matched nothing.
func (s *PostgresStore) missOrConflict(ctx context.Context, tx pgx.Tx, op Op) error {
	var version int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM ledger_accounts WHERE address = $1`, op.Address.String()).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, op.Address)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, op.Address, version, op.Expected)
}

func (s *PostgresStore) List(ctx context.Context, kind model.Kind) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, data, version FROM ledger_accounts WHERE kind = $1 ORDER BY address`, int16(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var key string
		var version int64
		rec := Record{Kind: kind}
		if err := rows.Scan(&key, &rec.Data, &version); err != nil {
			return nil, err
		}
		addr, err := address.Parse(key)
		if err != nil {
			return nil, err
		}
		rec.Address = addr
		rec.Version = uint64(version)
		out = append(out, rec)
	}
	return out, rows.Err()
}
