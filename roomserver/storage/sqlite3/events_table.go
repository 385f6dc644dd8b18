// Copyright 2024 coreroomd contributors
package sqlite3

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
    event_nid INTEGER NOT NULL PRIMARY KEY,
    room_nid INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    state_key TEXT,
    event_json BLOB NOT NULL,
    depth INTEGER NOT NULL,
    is_rejected INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_roomserver_events_room ON roomserver_events(room_nid);
`

const insertEventSQL = "" +
	"INSERT OR IGNORE INTO roomserver_events (event_nid, room_nid, event_id, event_type, state_key, event_json, depth, is_rejected)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"
const selectEventSQL = "SELECT event_json, is_rejected FROM roomserver_events WHERE event_nid = $1"
const selectEventExistsSQL = "SELECT 1 FROM roomserver_events WHERE event_id = $1"
const selectMaxDepthEventIDSQL = "SELECT event_id FROM roomserver_events WHERE room_nid = $1 ORDER BY depth DESC LIMIT 1"

type eventsStatements struct {
	insertEventStmt           *sql.Stmt
	selectEventStmt           *sql.Stmt
	selectEventExistsStmt     *sql.Stmt
	selectMaxDepthEventIDStmt *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.selectEventExistsStmt, selectEventExistsSQL},
		{&s.selectMaxDepthEventIDStmt, selectMaxDepthEventIDSQL},
	}.Prepare(db)
}

func (s *eventsStatements) InsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNID types.EventNID, eventID string, eventType string, stateKey *string, eventJSON []byte, depth int64, isRejected bool) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(ctx, eventNID, roomNID, eventID, eventType, stateKey, eventJSON, depth, isRejected)
	return err
}

func (s *eventsStatements) SelectEvent(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) ([]byte, bool, error) {
	var eventJSON []byte
	var isRejected bool
	err := sqlutil.TxStmt(txn, s.selectEventStmt).QueryRowContext(ctx, eventNID).Scan(&eventJSON, &isRejected)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	return eventJSON, isRejected, err
}

func (s *eventsStatements) SelectEventExists(ctx context.Context, txn *sql.Tx, eventID string) (bool, error) {
	var x int
	err := sqlutil.TxStmt(txn, s.selectEventExistsStmt).QueryRowContext(ctx, eventID).Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *eventsStatements) SelectMaxDepthEventID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (string, bool, error) {
	var eventID string
	err := sqlutil.TxStmt(txn, s.selectMaxDepthEventIDStmt).QueryRowContext(ctx, roomNID).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return eventID, err == nil, err
}
