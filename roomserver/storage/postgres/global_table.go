// Copyright 2024 coreroomd contributors
package postgres

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
)

// Schema for the small global key-value table that tracks the
// persisted schema version and named one-shot migration sentinels
// (spec.md §4.6 "Named one-shot fixes ... are keyed by a sentinel in a
// global table and run at most once").
const globalSchema = `
CREATE TABLE IF NOT EXISTS roomserver_global (
    key TEXT NOT NULL PRIMARY KEY,
    value TEXT NOT NULL
);
`

const upsertGlobalSQL = "" +
	"INSERT INTO roomserver_global (key, value) VALUES ($1, $2)" +
	" ON CONFLICT (key) DO UPDATE SET value = $2"
const selectGlobalSQL = "SELECT value FROM roomserver_global WHERE key = $1"

type globalStatements struct {
	upsertGlobalStmt *sql.Stmt
	selectGlobalStmt *sql.Stmt
}

func CreateGlobalTable(db *sql.DB) error {
	_, err := db.Exec(globalSchema)
	return err
}

func PrepareGlobalTable(db *sql.DB) (tables.Global, error) {
	s := &globalStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertGlobalStmt, upsertGlobalSQL},
		{&s.selectGlobalStmt, selectGlobalSQL},
	}.Prepare(db)
}

func (s *globalStatements) UpsertGlobal(ctx context.Context, txn *sql.Tx, key, value string) error {
	_, err := sqlutil.TxStmt(txn, s.upsertGlobalStmt).ExecContext(ctx, key, value)
	return err
}

func (s *globalStatements) SelectGlobal(ctx context.Context, txn *sql.Tx, key string) (string, bool, error) {
	var value string
	err := sqlutil.TxStmt(txn, s.selectGlobalStmt).QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return value, err == nil, err
}
