// Copyright 2024 coreroomd contributors
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

// Schema for compressed state snapshots: each row is a delta against
// a parent snapshot (spec.md §9 "State compression trades CPU for
// storage"). added/removed are JSON-encoded StateEntry arrays rather
// than a join table, matching the access pattern (always read/written
// whole) and avoiding an N-row fan-out per membership change.
const stateSnapshotsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_state_snapshot_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_state_snapshots (
    state_snapshot_nid BIGINT NOT NULL PRIMARY KEY DEFAULT nextval('roomserver_state_snapshot_nid_seq'),
    room_nid BIGINT NOT NULL,
    parent_state_snapshot_nid BIGINT NOT NULL DEFAULT 0,
    added_json JSONB NOT NULL,
    removed_json JSONB NOT NULL
);
`

const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshots (room_nid, parent_state_snapshot_nid, added_json, removed_json)" +
	" VALUES ($1, $2, $3, $4) RETURNING state_snapshot_nid"
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
	var nid types.StateSnapshotNID
	err = sqlutil.TxStmt(txn, s.insertStateStmt).QueryRowContext(ctx, roomNID, parent, addedJSON, removedJSON).Scan(&nid)
	return nid, err
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
