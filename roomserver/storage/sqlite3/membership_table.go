// Copyright 2024 coreroomd contributors
package sqlite3

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

const membershipSchema = `
CREATE TABLE IF NOT EXISTS roomserver_membership (
    room_nid INTEGER NOT NULL,
    user_id TEXT NOT NULL,
    membership TEXT NOT NULL,
    event_nid INTEGER NOT NULL,
    forgotten BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (room_nid, user_id)
);
CREATE INDEX IF NOT EXISTS idx_roomserver_membership_user ON roomserver_membership(user_id, membership);
`

const upsertMembershipSQL = "" +
	"INSERT INTO roomserver_membership (room_nid, user_id, membership, event_nid, forgotten) VALUES ($1, $2, $3, $4, FALSE)" +
	" ON CONFLICT (room_nid, user_id) DO UPDATE SET membership = $3, event_nid = $4, forgotten = FALSE"
const selectMembershipSQL = "SELECT membership FROM roomserver_membership WHERE room_nid = $1 AND user_id = $2"
const selectRoomsWithMembershipSQL = "SELECT room_nid FROM roomserver_membership WHERE user_id = $1 AND membership = $2"
const selectLocalMembersSQL = "SELECT user_id FROM roomserver_membership WHERE room_nid = $1 AND membership = $2"
const updateForgottenSQL = "UPDATE roomserver_membership SET forgotten = $3 WHERE room_nid = $1 AND user_id = $2"

type membershipStatements struct {
	upsertMembershipStmt          *sql.Stmt
	selectMembershipStmt          *sql.Stmt
	selectRoomsWithMembershipStmt *sql.Stmt
	selectLocalMembersStmt        *sql.Stmt
	updateForgottenStmt           *sql.Stmt
}

func CreateMembershipTable(db *sql.DB) error {
	_, err := db.Exec(membershipSchema)
	return err
}

func PrepareMembershipTable(db *sql.DB) (tables.Membership, error) {
	s := &membershipStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectMembershipStmt, selectMembershipSQL},
		{&s.selectRoomsWithMembershipStmt, selectRoomsWithMembershipSQL},
		{&s.selectLocalMembersStmt, selectLocalMembersSQL},
		{&s.updateForgottenStmt, updateForgottenSQL},
	}.Prepare(db)
}

func (s *membershipStatements) UpsertMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string, membership types.Membership, eventNID types.EventNID) error {
	_, err := sqlutil.TxStmt(txn, s.upsertMembershipStmt).ExecContext(ctx, roomNID, userID, string(membership), eventNID)
	return err
}

func (s *membershipStatements) UpdateForgotten(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string, forgotten bool) error {
	_, err := sqlutil.TxStmt(txn, s.updateForgottenStmt).ExecContext(ctx, roomNID, userID, forgotten)
	return err
}

func (s *membershipStatements) SelectMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string) (types.Membership, bool, error) {
	var m string
	err := sqlutil.TxStmt(txn, s.selectMembershipStmt).QueryRowContext(ctx, roomNID, userID).Scan(&m)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return types.Membership(m), true, nil
}

func (s *membershipStatements) SelectRoomsWithMembership(ctx context.Context, txn *sql.Tx, userID string, membership types.Membership) ([]types.RoomNID, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomsWithMembershipStmt).QueryContext(ctx, userID, string(membership))
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var out []types.RoomNID
	for rows.Next() {
		var nid types.RoomNID
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		out = append(out, nid)
	}
	return out, rows.Err()
}

func (s *membershipStatements) SelectLocalMembers(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, membership types.Membership) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectLocalMembersStmt).QueryContext(ctx, roomNID, string(membership))
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}
