// Copyright 2024 coreroomd contributors
package postgres

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

const roomsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_room_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_id TEXT NOT NULL PRIMARY KEY,
    room_nid BIGINT NOT NULL DEFAULT nextval('roomserver_room_nid_seq'),
    room_version TEXT NOT NULL,
    state_snapshot_nid BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_roomserver_rooms_nid ON roomserver_rooms(room_nid);
`

const insertRoomSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2) ON CONFLICT (room_id) DO NOTHING"
const selectRoomNIDSQL = "" +
	"SELECT room_nid FROM roomserver_rooms WHERE room_id = $1"
const selectRoomVersionSQL = "" +
	"SELECT room_version FROM roomserver_rooms WHERE room_nid = $1"
const updateCurrentStateSnapshotSQL = "" +
	"UPDATE roomserver_rooms SET state_snapshot_nid = $2 WHERE room_nid = $1"
const selectCurrentStateSnapshotSQL = "" +
	"SELECT state_snapshot_nid FROM roomserver_rooms WHERE room_nid = $1"
const selectAllRoomNIDsSQL = "" +
	"SELECT room_nid FROM roomserver_rooms"

type roomsStatements struct {
	insertRoomStmt                 *sql.Stmt
	selectRoomNIDStmt               *sql.Stmt
	selectRoomVersionStmt            *sql.Stmt
	updateCurrentStateSnapshotStmt  *sql.Stmt
	selectCurrentStateSnapshotStmt  *sql.Stmt
	selectAllRoomNIDsStmt           *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomNIDStmt, selectRoomNIDSQL},
		{&s.selectRoomVersionStmt, selectRoomVersionSQL},
		{&s.updateCurrentStateSnapshotStmt, updateCurrentStateSnapshotSQL},
		{&s.selectCurrentStateSnapshotStmt, selectCurrentStateSnapshotSQL},
		{&s.selectAllRoomNIDsStmt, selectAllRoomNIDsSQL},
	}.Prepare(db)
}

func (s *roomsStatements) AssignRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (types.RoomNID, error) {
	if _, err := sqlutil.TxStmt(txn, s.insertRoomStmt).ExecContext(ctx, roomID, roomVersion); err != nil {
		return 0, err
	}
	nid, _, err := s.SelectRoomNID(ctx, txn, roomID)
	return nid, err
}

func (s *roomsStatements) SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, bool, error) {
	var nid types.RoomNID
	err := sqlutil.TxStmt(txn, s.selectRoomNIDStmt).QueryRowContext(ctx, roomID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return nid, true, nil
}

func (s *roomsStatements) SelectRoomVersion(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (string, error) {
	var version string
	err := sqlutil.TxStmt(txn, s.selectRoomVersionStmt).QueryRowContext(ctx, roomNID).Scan(&version)
	return version, err
}

func (s *roomsStatements) UpdateCurrentStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, snapshot types.StateSnapshotNID) error {
	_, err := sqlutil.TxStmt(txn, s.updateCurrentStateSnapshotStmt).ExecContext(ctx, roomNID, snapshot)
	return err
}

func (s *roomsStatements) SelectCurrentStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (types.StateSnapshotNID, error) {
	var snapshot types.StateSnapshotNID
	err := sqlutil.TxStmt(txn, s.selectCurrentStateSnapshotStmt).QueryRowContext(ctx, roomNID).Scan(&snapshot)
	return snapshot, err
}

func (s *roomsStatements) SelectAllRoomNIDs(ctx context.Context, txn *sql.Tx) ([]types.RoomNID, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAllRoomNIDsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nids []types.RoomNID
	for rows.Next() {
		var nid types.RoomNID
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		nids = append(nids, nid)
	}
	return nids, rows.Err()
}
