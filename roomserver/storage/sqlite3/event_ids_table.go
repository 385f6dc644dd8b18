// Copyright 2024 coreroomd contributors
package sqlite3

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

// SQLite lacks postgres's CREATE SEQUENCE, so a single-row counter
// table stands in for roomserver_event_nid_seq; callers always go
// through the exclusive Writer, so the read-increment-write below
// never races.
const eventIDsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_ids (
    event_id TEXT NOT NULL PRIMARY KEY,
    event_nid INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS roomserver_event_nid_seq (val INTEGER NOT NULL);
INSERT INTO roomserver_event_nid_seq (val) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM roomserver_event_nid_seq);
`

const selectEventNIDSeqSQL = "SELECT val FROM roomserver_event_nid_seq"
const updateEventNIDSeqSQL = "UPDATE roomserver_event_nid_seq SET val = $1"
const insertEventIDSQL = "INSERT INTO roomserver_event_ids (event_id, event_nid) VALUES ($1, $2)"
const selectEventNIDSQL = "SELECT event_nid FROM roomserver_event_ids WHERE event_id = $1"

type eventIDsStatements struct {
	selectEventNIDSeqStmt *sql.Stmt
	updateEventNIDSeqStmt *sql.Stmt
	insertEventIDStmt     *sql.Stmt
	selectEventNIDStmt    *sql.Stmt
}

func CreateEventIDsTable(db *sql.DB) error {
	_, err := db.Exec(eventIDsSchema)
	return err
}

func PrepareEventIDsTable(db *sql.DB) (tables.EventIDs, error) {
	s := &eventIDsStatements{}
	return s, sqlutil.StatementList{
		{&s.selectEventNIDSeqStmt, selectEventNIDSeqSQL},
		{&s.updateEventNIDSeqStmt, updateEventNIDSeqSQL},
		{&s.insertEventIDStmt, insertEventIDSQL},
		{&s.selectEventNIDStmt, selectEventNIDSQL},
	}.Prepare(db)
}

// AssignEventNID allocates a new event NID for eventID if it has not
// been seen before, or returns the existing one (write-once
// allocation, testable property 4).
func (s *eventIDsStatements) AssignEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, error) {
	if nid, ok, err := s.LookupEventNID(ctx, txn, eventID); err != nil {
		return 0, err
	} else if ok {
		return nid, nil
	}

	var val int64
	if err := sqlutil.TxStmt(txn, s.selectEventNIDSeqStmt).QueryRowContext(ctx).Scan(&val); err != nil {
		return 0, err
	}
	val++
	if _, err := sqlutil.TxStmt(txn, s.updateEventNIDSeqStmt).ExecContext(ctx, val); err != nil {
		return 0, err
	}
	if _, err := sqlutil.TxStmt(txn, s.insertEventIDStmt).ExecContext(ctx, eventID, val); err != nil {
		return 0, err
	}
	return types.EventNID(val), nil
}

func (s *eventIDsStatements) LookupEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error) {
	var nid types.EventNID
	err := sqlutil.TxStmt(txn, s.selectEventNIDStmt).QueryRowContext(ctx, eventID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return nid, true, nil
}
