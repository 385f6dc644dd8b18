// Copyright 2024 coreroomd contributors
package postgres

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

const stateKeyTuplesSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_event_type_nid_seq;
CREATE SEQUENCE IF NOT EXISTS roomserver_event_state_key_nid_seq;

CREATE TABLE IF NOT EXISTS roomserver_event_types (
    event_type TEXT NOT NULL PRIMARY KEY,
    event_type_nid BIGINT NOT NULL DEFAULT nextval('roomserver_event_type_nid_seq')
);

CREATE TABLE IF NOT EXISTS roomserver_event_state_keys (
    event_state_key TEXT NOT NULL PRIMARY KEY,
    event_state_key_nid BIGINT NOT NULL DEFAULT nextval('roomserver_event_state_key_nid_seq')
);
`

const insertEventTypeSQL = "" +
	"INSERT INTO roomserver_event_types (event_type) VALUES ($1) ON CONFLICT (event_type) DO NOTHING"
const selectEventTypeNIDSQL = "" +
	"SELECT event_type_nid FROM roomserver_event_types WHERE event_type = $1"
const insertEventStateKeySQL = "" +
	"INSERT INTO roomserver_event_state_keys (event_state_key) VALUES ($1) ON CONFLICT (event_state_key) DO NOTHING"
const selectEventStateKeyNIDSQL = "" +
	"SELECT event_state_key_nid FROM roomserver_event_state_keys WHERE event_state_key = $1"

type stateKeyTuplesStatements struct {
	insertEventTypeStmt        *sql.Stmt
	selectEventTypeNIDStmt     *sql.Stmt
	insertEventStateKeyStmt    *sql.Stmt
	selectEventStateKeyNIDStmt *sql.Stmt
}

func CreateStateKeyTuplesTable(db *sql.DB) error {
	_, err := db.Exec(stateKeyTuplesSchema)
	return err
}

func PrepareStateKeyTuplesTable(db *sql.DB) (tables.StateKeyTuples, error) {
	s := &stateKeyTuplesStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventTypeStmt, insertEventTypeSQL},
		{&s.selectEventTypeNIDStmt, selectEventTypeNIDSQL},
		{&s.insertEventStateKeyStmt, insertEventStateKeySQL},
		{&s.selectEventStateKeyNIDStmt, selectEventStateKeyNIDSQL},
	}.Prepare(db)
}

func (s *stateKeyTuplesStatements) AssignStateKeyNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateKeyTuple, error) {
	if _, err := sqlutil.TxStmt(txn, s.insertEventTypeStmt).ExecContext(ctx, eventType); err != nil {
		return types.StateKeyTuple{}, err
	}
	if _, err := sqlutil.TxStmt(txn, s.insertEventStateKeyStmt).ExecContext(ctx, stateKey); err != nil {
		return types.StateKeyTuple{}, err
	}
	tuple, _, err := s.LookupStateKeyNID(ctx, txn, eventType, stateKey)
	return tuple, err
}

func (s *stateKeyTuplesStatements) LookupStateKeyNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateKeyTuple, bool, error) {
	var typeNID types.EventTypeNID
	err := sqlutil.TxStmt(txn, s.selectEventTypeNIDStmt).QueryRowContext(ctx, eventType).Scan(&typeNID)
	if err == sql.ErrNoRows {
		return types.StateKeyTuple{}, false, nil
	}
	if err != nil {
		return types.StateKeyTuple{}, false, err
	}

	var keyNID types.EventStateKeyNID
	err = sqlutil.TxStmt(txn, s.selectEventStateKeyNIDStmt).QueryRowContext(ctx, stateKey).Scan(&keyNID)
	if err == sql.ErrNoRows {
		return types.StateKeyTuple{}, false, nil
	}
	if err != nil {
		return types.StateKeyTuple{}, false, err
	}

	return types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: keyNID}, true, nil
}
