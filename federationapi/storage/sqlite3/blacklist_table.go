// Copyright 2024 coreroomd contributors
package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coreroom/coreroomd/internal/sqlutil"
)

const blacklistSchema = `
CREATE TABLE IF NOT EXISTS federationsender_blacklist (
    server_name TEXT NOT NULL UNIQUE
);
`

const insertBlacklistSQL = "" +
	"INSERT INTO federationsender_blacklist (server_name) VALUES ($1)" +
	" ON CONFLICT DO NOTHING"
const selectBlacklistedSQL = "" +
	"SELECT server_name FROM federationsender_blacklist WHERE server_name = $1"
const deleteBlacklistSQL = "" +
	"DELETE FROM federationsender_blacklist WHERE server_name = $1"
const deleteAllBlacklistSQL = "DELETE FROM federationsender_blacklist"

type blacklistStatements struct {
	insertBlacklistStmt    *sql.Stmt
	selectBlacklistedStmt  *sql.Stmt
	deleteBlacklistStmt    *sql.Stmt
	deleteAllBlacklistStmt *sql.Stmt
}

func CreateBlacklistTable(db *sql.DB) error {
	_, err := db.Exec(blacklistSchema)
	return err
}

func PrepareBlacklistTable(db *sql.DB) (*blacklistStatements, error) {
	s := &blacklistStatements{}
	return s, sqlutil.StatementList{
		{&s.insertBlacklistStmt, insertBlacklistSQL},
		{&s.selectBlacklistedStmt, selectBlacklistedSQL},
		{&s.deleteBlacklistStmt, deleteBlacklistSQL},
		{&s.deleteAllBlacklistStmt, deleteAllBlacklistSQL},
	}.Prepare(db)
}

func (s *blacklistStatements) InsertBlacklist(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error {
	_, err := sqlutil.TxStmt(txn, s.insertBlacklistStmt).ExecContext(ctx, serverName)
	return err
}

func (s *blacklistStatements) SelectBlacklisted(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (bool, error) {
	res, err := sqlutil.TxStmt(txn, s.selectBlacklistedStmt).QueryContext(ctx, serverName)
	if err != nil {
		return false, err
	}
	defer res.Close() // nolint:errcheck
	return res.Next(), nil
}

func (s *blacklistStatements) DeleteBlacklist(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error {
	_, err := sqlutil.TxStmt(txn, s.deleteBlacklistStmt).ExecContext(ctx, serverName)
	return err
}

func (s *blacklistStatements) DeleteAllBlacklist(ctx context.Context, txn *sql.Tx) error {
	_, err := sqlutil.TxStmt(txn, s.deleteAllBlacklistStmt).ExecContext(ctx)
	return err
}
