// Copyright 2024 coreroomd contributors
//
// Package sqlutil holds the small helpers every storage package in
// coreroomd shares: prepared-statement batching, transaction-aware
// statement selection, and a pluggable write-serialization strategy so
// that sqlite3 (a single-writer engine) and postgres (which handles
// concurrent writers itself) can share the same calling convention.
package sqlutil

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// StatementList is a batch of (destination, SQL) pairs prepared
// together against one *sql.DB, following the teacher's
// roomserver/federationapi table constructors.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares every statement in the list against db, assigning
// each result through its destination pointer. It stops and returns
// the first error encountered.
func (s StatementList) Prepare(db *sql.DB) error {
	for _, entry := range s {
		stmt, err := db.Prepare(entry.SQL)
		if err != nil {
			return err
		}
		*entry.Statement = stmt
	}
	return nil
}

// TxStmt returns stmt bound to txn if txn is non-nil, or stmt
// unmodified otherwise, letting call sites share one prepared
// statement across both ad-hoc and transactional callers.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		return txn.Stmt(stmt)
	}
	return stmt
}

// Writer serializes a unit of work against a database. Postgres
// tolerates concurrent writers and uses a passthrough implementation;
// sqlite3 does not, and uses ExclusiveWriter.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error
}

// NewDummyWriter returns a Writer that runs fn directly, opening its
// own transaction when txn is nil. Suitable for postgres.
func NewDummyWriter() Writer {
	return &dummyWriter{}
}

type dummyWriter struct{}

func (w *dummyWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil {
		return fn(txn)
	}
	return WithTransaction(db, fn)
}

// NewExclusiveWriter returns a Writer that serializes every unit of
// work behind a single mutex, for database engines such as sqlite3
// whose single-writer model rejects concurrent write transactions.
func NewExclusiveWriter() Writer {
	return &exclusiveWriter{}
}

type exclusiveWriter struct {
	mu sync.Mutex
}

func (w *exclusiveWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil {
		return fn(txn)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return WithTransaction(db, fn)
}

// WithTransaction runs fn inside a new transaction on db, committing
// on success and rolling back (surfacing fn's error) otherwise.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = txn.Rollback()
			panic(r)
		}
		if err != nil {
			_ = txn.Rollback()
			return
		}
		err = txn.Commit()
	}()
	err = fn(txn)
	return err
}

// Migration is a single named, idempotent schema change applied in
// addition to a table's baseline CREATE TABLE IF NOT EXISTS schema.
type Migration struct {
	Version string
	Up      func(ctx context.Context, txn *sql.Tx) error
}

// Migrator applies Migrations that have not yet been recorded in
// coreroomd_migrations, the way the teacher's per-table
// CreateXTable funcs layer deltas on top of a baseline schema.
type Migrator struct {
	db      *sql.DB
	pending []Migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

const migratorSchema = `
CREATE TABLE IF NOT EXISTS coreroomd_migrations (
    version TEXT NOT NULL PRIMARY KEY,
    applied_at BIGINT NOT NULL
);
`

func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.pending = append(m.pending, migrations...)
}

// Up applies every added migration not already recorded as applied,
// each inside its own transaction, recording it on success before
// moving to the next.
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migratorSchema); err != nil {
		return err
	}
	for _, mig := range m.pending {
		applied, err := m.isApplied(ctx, mig.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := WithTransaction(m.db, func(txn *sql.Tx) error {
			if err := mig.Up(ctx, txn); err != nil {
				return err
			}
			_, err := txn.ExecContext(ctx,
				"INSERT INTO coreroomd_migrations (version, applied_at) VALUES ($1, $2)",
				mig.Version, time.Now().UnixMilli())
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) isApplied(ctx context.Context, version string) (bool, error) {
	var v string
	err := m.db.QueryRowContext(ctx, "SELECT version FROM coreroomd_migrations WHERE version = $1", version).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
