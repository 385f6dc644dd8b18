// Copyright 2024 coreroomd contributors
package postgres

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

// Schema for the event-id short-id dictionary (spec.md §3 "Short-id
// dictionaries": "Allocation is monotonic, never recycled; values are
// created on first sight").
const eventIDsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_event_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_event_ids (
    event_id TEXT NOT NULL PRIMARY KEY,
    event_nid BIGINT NOT NULL DEFAULT nextval('roomserver_event_nid_seq')
);
`

const insertEventIDSQL = "" +
	"INSERT INTO roomserver_event_ids (event_id) VALUES ($1)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectEventNIDSQL = "" +
	"SELECT event_nid FROM roomserver_event_ids WHERE event_id = $1"

type eventIDsStatements struct {
	insertEventIDStmt  *sql.Stmt
	selectEventNIDStmt *sql.Stmt
}

func CreateEventIDsTable(db *sql.DB) error {
	_, err := db.Exec(eventIDsSchema)
	return err
}

func PrepareEventIDsTable(db *sql.DB) (tables.EventIDs, error) {
	s := &eventIDsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventIDStmt, insertEventIDSQL},
		{&s.selectEventNIDStmt, selectEventNIDSQL},
	}.Prepare(db)
}

// AssignEventNID allocates a new event NID for eventID if it has not
// been seen before, or returns the existing one (write-once allocation,
// testable property 4).
func (s *eventIDsStatements) AssignEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, error) {
	insert := sqlutil.TxStmt(txn, s.insertEventIDStmt)
	if _, err := insert.ExecContext(ctx, eventID); err != nil {
		return 0, err
	}
	nid, _, err := s.LookupEventNID(ctx, txn, eventID)
	return nid, err
}

func (s *eventIDsStatements) LookupEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error) {
	var nid types.EventNID
	stmt := sqlutil.TxStmt(txn, s.selectEventNIDStmt)
	err := stmt.QueryRowContext(ctx, eventID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return nid, true, nil
}
