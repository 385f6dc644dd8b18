// Copyright 2024 coreroomd contributors
package sqlite3

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

const stateKeyTuplesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_types (
    event_type TEXT NOT NULL PRIMARY KEY,
    event_type_nid INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS roomserver_event_state_keys (
    event_state_key TEXT NOT NULL PRIMARY KEY,
    event_state_key_nid INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS roomserver_event_type_nid_seq (val INTEGER NOT NULL);
INSERT INTO roomserver_event_type_nid_seq (val) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM roomserver_event_type_nid_seq);
CREATE TABLE IF NOT EXISTS roomserver_event_state_key_nid_seq (val INTEGER NOT NULL);
INSERT INTO roomserver_event_state_key_nid_seq (val) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM roomserver_event_state_key_nid_seq);
`

const selectEventTypeNIDSQL = "SELECT event_type_nid FROM roomserver_event_types WHERE event_type = $1"
const insertEventTypeSQL = "INSERT INTO roomserver_event_types (event_type, event_type_nid) VALUES ($1, $2)"
const selectEventTypeSeqSQL = "SELECT val FROM roomserver_event_type_nid_seq"
const updateEventTypeSeqSQL = "UPDATE roomserver_event_type_nid_seq SET val = $1"

const selectEventStateKeyNIDSQL = "SELECT event_state_key_nid FROM roomserver_event_state_keys WHERE event_state_key = $1"
const insertEventStateKeySQL = "INSERT INTO roomserver_event_state_keys (event_state_key, event_state_key_nid) VALUES ($1, $2)"
const selectEventStateKeySeqSQL = "SELECT val FROM roomserver_event_state_key_nid_seq"
const updateEventStateKeySeqSQL = "UPDATE roomserver_event_state_key_nid_seq SET val = $1"

type stateKeyTuplesStatements struct {
	selectEventTypeNIDStmt     *sql.Stmt
	insertEventTypeStmt        *sql.Stmt
	selectEventTypeSeqStmt     *sql.Stmt
	updateEventTypeSeqStmt     *sql.Stmt
	selectEventStateKeyNIDStmt *sql.Stmt
	insertEventStateKeyStmt    *sql.Stmt
	selectEventStateKeySeqStmt *sql.Stmt
	updateEventStateKeySeqStmt *sql.Stmt
}

func CreateStateKeyTuplesTable(db *sql.DB) error {
	_, err := db.Exec(stateKeyTuplesSchema)
	return err
}

func PrepareStateKeyTuplesTable(db *sql.DB) (tables.StateKeyTuples, error) {
	s := &stateKeyTuplesStatements{}
	return s, sqlutil.StatementList{
		{&s.selectEventTypeNIDStmt, selectEventTypeNIDSQL},
		{&s.insertEventTypeStmt, insertEventTypeSQL},
		{&s.selectEventTypeSeqStmt, selectEventTypeSeqSQL},
		{&s.updateEventTypeSeqStmt, updateEventTypeSeqSQL},
		{&s.selectEventStateKeyNIDStmt, selectEventStateKeyNIDSQL},
		{&s.insertEventStateKeyStmt, insertEventStateKeySQL},
		{&s.selectEventStateKeySeqStmt, selectEventStateKeySeqSQL},
		{&s.updateEventStateKeySeqStmt, updateEventStateKeySeqSQL},
	}.Prepare(db)
}

func (s *stateKeyTuplesStatements) AssignStateKeyNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateKeyTuple, error) {
	typeNID, err := s.assignEventTypeNID(ctx, txn, eventType)
	if err != nil {
		return types.StateKeyTuple{}, err
	}
	keyNID, err := s.assignEventStateKeyNID(ctx, txn, stateKey)
	if err != nil {
		return types.StateKeyTuple{}, err
	}
	return types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: keyNID}, nil
}

func (s *stateKeyTuplesStatements) assignEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error) {
	var nid types.EventTypeNID
	err := sqlutil.TxStmt(txn, s.selectEventTypeNIDStmt).QueryRowContext(ctx, eventType).Scan(&nid)
	if err == nil {
		return nid, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	var val int64
	if err := sqlutil.TxStmt(txn, s.selectEventTypeSeqStmt).QueryRowContext(ctx).Scan(&val); err != nil {
		return 0, err
	}
	val++
	if _, err := sqlutil.TxStmt(txn, s.updateEventTypeSeqStmt).ExecContext(ctx, val); err != nil {
		return 0, err
	}
	if _, err := sqlutil.TxStmt(txn, s.insertEventTypeStmt).ExecContext(ctx, eventType, val); err != nil {
		return 0, err
	}
	return types.EventTypeNID(val), nil
}

func (s *stateKeyTuplesStatements) assignEventStateKeyNID(ctx context.Context, txn *sql.Tx, stateKey string) (types.EventStateKeyNID, error) {
	var nid types.EventStateKeyNID
	err := sqlutil.TxStmt(txn, s.selectEventStateKeyNIDStmt).QueryRowContext(ctx, stateKey).Scan(&nid)
	if err == nil {
		return nid, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	var val int64
	if err := sqlutil.TxStmt(txn, s.selectEventStateKeySeqStmt).QueryRowContext(ctx).Scan(&val); err != nil {
		return 0, err
	}
	val++
	if _, err := sqlutil.TxStmt(txn, s.updateEventStateKeySeqStmt).ExecContext(ctx, val); err != nil {
		return 0, err
	}
	if _, err := sqlutil.TxStmt(txn, s.insertEventStateKeyStmt).ExecContext(ctx, stateKey, val); err != nil {
		return 0, err
	}
	return types.EventStateKeyNID(val), nil
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
