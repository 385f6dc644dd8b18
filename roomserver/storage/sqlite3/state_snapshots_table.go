// Copyright 2024 coreroomd contributors
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

// added/removed are stored as JSON text (SQLite has no native JSONB
// type), mirroring the postgres JSONB columns at the application
// level.
const stateSnapshotsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_snapshots (
    state_snapshot_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_nid INTEGER NOT NULL,
    parent_state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
    added_json TEXT NOT NULL,
    removed_json TEXT NOT NULL
);
`

const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshots (room_nid, parent_state_snapshot_nid, added_json, removed_json)" +
	" VALUES ($1, $2, $3, $4)"
const selectStateSQL = "" +
	"SELECT parent_state_snapshot_nid, added_json, removed_json FROM roomserver_state_snapshots WHERE state_snapshot_nid = $1"

type stateSnapshotsStatements struct {
	insertStateStmt *sql.Stmt
	selectStateStmt *sql.Stmt
}

func CreateStateSnapshotsTable(db *sql.DB) error {
	_, err := db.Exec(stateSnapshotsSchema)
	return err
}

func PrepareStateSnapshotsTable(db *sql.DB) (tables.StateSnapshots, error) {
	s := &stateSnapshotsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
		{&s.selectStateStmt, selectStateSQL},
	}.Prepare(db)
}

func (s *stateSnapshotsStatements) InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, parent types.StateSnapshotNID, added, removed []types.StateEntry) (types.StateSnapshotNID, error) {
	addedJSON, err := json.Marshal(added)
	if err != nil {
		return 0, err
	}
	removedJSON, err := json.Marshal(removed)
	if err != nil {
		return 0, err
	}
	result, err := sqlutil.TxStmt(txn, s.insertStateStmt).ExecContext(ctx, roomNID, parent, addedJSON, removedJSON)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return types.StateSnapshotNID(id), nil
}

func (s *stateSnapshotsStatements) SelectState(ctx context.Context, txn *sql.Tx, snapshot types.StateSnapshotNID) (types.StateSnapshotNID, []types.StateEntry, []types.StateEntry, error) {
	var parent types.StateSnapshotNID
	var addedJSON, removedJSON []byte
	err := sqlutil.TxStmt(txn, s.selectStateStmt).QueryRowContext(ctx, snapshot).Scan(&parent, &addedJSON, &removedJSON)
	if err != nil {
		return 0, nil, nil, err
	}
	var added, removed []types.StateEntry
	if err := json.Unmarshal(addedJSON, &added); err != nil {
		return 0, nil, nil, err
	}
	if err := json.Unmarshal(removedJSON, &removed); err != nil {
		return 0, nil, nil, err
	}
	return parent, added, removed, nil
}
