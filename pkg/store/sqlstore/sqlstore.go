// Package sqlstore implements store.Store over a pooled relational
// connection (spec §4.3's "pooled relational backend") opened with
// sql.Open("sqlite", path); Initialize creates the schema in place. Each
// logical table lives in a single schema with tenant_id as a discriminating
// column rather than per-tenant schemas, matching the bounded-pool profile
// spec asks for (a fixed connection pool shared across tenants).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"agentcodex/pkg/cerr"
	"agentcodex/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	tenant_id TEXT NOT NULL,
	kind      TEXT NOT NULL,
	hash      TEXT NOT NULL,
	data      BLOB NOT NULL,
	PRIMARY KEY (tenant_id, kind, hash)
);
CREATE TABLE IF NOT EXISTS refs (
	tenant_id TEXT NOT NULL,
	name      TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (tenant_id, name)
);
CREATE TABLE IF NOT EXISTS logs (
	tenant_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	data      BLOB NOT NULL,
	PRIMARY KEY (tenant_id, seq)
);
`

// SQLStore is the pooled relational backend.
type SQLStore struct {
	db *sql.DB
}

// Open opens a sqlite-backed pool at path (or any database/sql DSN modernc's
// driver accepts) with at most poolMax open connections (spec §6 default
// 16).
func Open(path string, poolMax int) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: fmt.Errorf("sqlstore: open %s: %w", path, err)}
	}
	if poolMax <= 0 {
		poolMax = 16
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax)
	return &SQLStore{db: db}, nil
}

// Initialize creates the schema if it does not already exist. Idempotent.
func (s *SQLStore) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &cerr.BackendUnavailable{Cause: fmt.Errorf("sqlstore: schema: %w", err)}
	}
	return nil
}

func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLStore) Healthcheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLStore) PutObject(ctx context.Context, tenantID string, kind store.Kind, hash string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO objects (tenant_id, kind, hash, data) VALUES (?, ?, ?, ?)`,
		tenantID, string(kind), hash, data)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLStore) GetObject(ctx context.Context, tenantID string, kind store.Kind, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM objects WHERE tenant_id = ? AND kind = ? AND hash = ?`,
		tenantID, string(kind), hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &cerr.NotFound{Kind: "hash", ID: hash}
	}
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	return data, nil
}

func (s *SQLStore) HasObject(ctx context.Context, tenantID string, kind store.Kind, hash string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM objects WHERE tenant_id = ? AND kind = ? AND hash = ?`,
		tenantID, string(kind), hash).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &cerr.BackendUnavailable{Cause: err}
	}
	return true, nil
}

func (s *SQLStore) DeleteObject(ctx context.Context, tenantID string, kind store.Kind, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE tenant_id = ? AND kind = ? AND hash = ?`,
		tenantID, string(kind), hash)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLStore) IterObjects(ctx context.Context, tenantID string, kind store.Kind, fn func(hash string, data []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, data FROM objects WHERE tenant_id = ? AND kind = ?`, tenantID, string(kind))
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	defer rows.Close()
	for rows.Next() {
		var hash string
		var data []byte
		if err := rows.Scan(&hash, &data); err != nil {
			return &cerr.BackendUnavailable{Cause: err}
		}
		if err := fn(hash, data); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLStore) GetRef(ctx context.Context, tenantID string, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM refs WHERE tenant_id = ? AND name = ?`, tenantID, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &cerr.BackendUnavailable{Cause: err}
	}
	return value, true, nil
}

func (s *SQLStore) SetRef(ctx context.Context, tenantID string, name string, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refs (tenant_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id, name) DO UPDATE SET value = excluded.value`,
		tenantID, name, value)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLStore) DeleteRef(ctx context.Context, tenantID string, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refs WHERE tenant_id = ? AND name = ?`, tenantID, name)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	if n == 0 {
		return &cerr.NotFound{Kind: "ref", ID: name}
	}
	return nil
}

func (s *SQLStore) ListRefs(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM refs WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, &cerr.BackendUnavailable{Cause: err}
		}
		out[name] = value
	}
	return out, rows.Err()
}

// CASRef implements the compare-and-set as a conditional UPDATE (or INSERT
// when expected is nil) inside a short transaction, per spec §4.3.
func (s *SQLStore) CASRef(ctx context.Context, tenantID string, name string, expected *string, newValue string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM refs WHERE tenant_id = ? AND name = ?`, tenantID, name).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expected != nil {
			return &cerr.Conflict{Ref: name, Expected: *expected, Actual: "<absent>"}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO refs (tenant_id, name, value) VALUES (?, ?, ?)`, tenantID, name, newValue); err != nil {
			return &cerr.BackendUnavailable{Cause: err}
		}
	case err != nil:
		return &cerr.BackendUnavailable{Cause: err}
	default:
		if expected == nil {
			return &cerr.Conflict{Ref: name, Expected: "<absent>", Actual: current}
		}
		if *expected != current {
			return &cerr.Conflict{Ref: name, Expected: *expected, Actual: current}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE refs SET value = ? WHERE tenant_id = ? AND name = ?`, newValue, tenantID, name); err != nil {
			return &cerr.BackendUnavailable{Cause: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLStore) AppendLog(ctx context.Context, tenantID string, seq int64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (tenant_id, seq, data) VALUES (?, ?, ?)`, tenantID, seq, data)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLStore) ReadLog(ctx context.Context, tenantID string, startSeq int64, limit int) ([]store.LogRecord, error) {
	query := `SELECT seq, data FROM logs WHERE tenant_id = ? AND seq >= ? ORDER BY seq ASC`
	args := []interface{}{tenantID, startSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	defer rows.Close()
	var out []store.LogRecord
	for rows.Next() {
		var rec store.LogRecord
		if err := rows.Scan(&rec.Seq, &rec.Data); err != nil {
			return nil, &cerr.BackendUnavailable{Cause: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ store.Store = (*SQLStore)(nil)
