// Copyright 2024 coreroomd contributors
package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coreroom/coreroomd/federationapi/types"
	"github.com/coreroom/coreroomd/internal/sqlutil"
)

const retryStateSchema = `
CREATE TABLE IF NOT EXISTS federationsender_retry_state (
    server_name TEXT NOT NULL PRIMARY KEY,
    failure_count INTEGER NOT NULL DEFAULT 0,
    retry_until INTEGER NOT NULL DEFAULT 0
);
`

const upsertRetryStateSQL = "" +
	"INSERT INTO federationsender_retry_state (server_name, failure_count, retry_until) VALUES ($1, $2, $3)" +
	" ON CONFLICT (server_name) DO UPDATE SET failure_count = $2, retry_until = $3"
const selectRetryStateSQL = "" +
	"SELECT failure_count, retry_until FROM federationsender_retry_state WHERE server_name = $1"
const selectAllRetryStatesSQL = "" +
	"SELECT server_name, failure_count, retry_until FROM federationsender_retry_state"
const deleteRetryStateSQL = "" +
	"DELETE FROM federationsender_retry_state WHERE server_name = $1"

type retryStateStatements struct {
	upsertRetryStateStmt     *sql.Stmt
	selectRetryStateStmt     *sql.Stmt
	selectAllRetryStatesStmt *sql.Stmt
	deleteRetryStateStmt     *sql.Stmt
}

func CreateRetryStateTable(db *sql.DB) error {
	_, err := db.Exec(retryStateSchema)
	return err
}

func PrepareRetryStateTable(db *sql.DB) (*retryStateStatements, error) {
	s := &retryStateStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertRetryStateStmt, upsertRetryStateSQL},
		{&s.selectRetryStateStmt, selectRetryStateSQL},
		{&s.selectAllRetryStatesStmt, selectAllRetryStatesSQL},
		{&s.deleteRetryStateStmt, deleteRetryStateSQL},
	}.Prepare(db)
}

func (s *retryStateStatements) UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error {
	_, err := sqlutil.TxStmt(txn, s.upsertRetryStateStmt).ExecContext(ctx, serverName, failureCount, retryUntil)
	return err
}

func (s *retryStateStatements) SelectRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (uint32, spec.Timestamp, bool, error) {
	var failureCount uint32
	var retryUntil spec.Timestamp
	err := sqlutil.TxStmt(txn, s.selectRetryStateStmt).QueryRowContext(ctx, serverName).Scan(&failureCount, &retryUntil)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return failureCount, retryUntil, true, nil
}

func (s *retryStateStatements) SelectAllRetryStates(ctx context.Context, txn *sql.Tx) (map[spec.ServerName]types.RetryState, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAllRetryStatesStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	result := make(map[spec.ServerName]types.RetryState)
	for rows.Next() {
		var serverName spec.ServerName
		var failureCount uint32
		var retryUntil spec.Timestamp
		if err := rows.Scan(&serverName, &failureCount, &retryUntil); err != nil {
			return nil, err
		}
		result[serverName] = types.RetryState{FailureCount: failureCount, RetryUntil: retryUntil}
	}
	return result, rows.Err()
}

func (s *retryStateStatements) DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error {
	_, err := sqlutil.TxStmt(txn, s.deleteRetryStateStmt).ExecContext(ctx, serverName)
	return err
}
