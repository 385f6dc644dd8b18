// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreroom/coreroomd/roomserver/storage/shared"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

// inlineWriter runs its callback without any transaction, matching the
// shape of sqlutil.dummyWriter for tests that never touch *sql.DB.
type inlineWriter struct{}

func (inlineWriter) Do(_ *sql.DB, _ *sql.Tx, fn func(txn *sql.Tx) error) error {
	return fn(nil)
}

// memoryRooms is a minimal tables.Rooms fake for a single known room.
type memoryRooms struct {
	roomID  string
	roomNID types.RoomNID
	version string
}

func (m *memoryRooms) AssignRoomNID(context.Context, *sql.Tx, string, string) (types.RoomNID, error) {
	return m.roomNID, nil
}
func (m *memoryRooms) SelectRoomNID(_ context.Context, _ *sql.Tx, roomID string) (types.RoomNID, bool, error) {
	if roomID != m.roomID {
		return 0, false, nil
	}
	return m.roomNID, true, nil
}
func (m *memoryRooms) SelectRoomVersion(context.Context, *sql.Tx, types.RoomNID) (string, error) {
	return m.version, nil
}
func (m *memoryRooms) UpdateCurrentStateSnapshot(context.Context, *sql.Tx, types.RoomNID, types.StateSnapshotNID) error {
	return nil
}
func (m *memoryRooms) SelectCurrentStateSnapshot(context.Context, *sql.Tx, types.RoomNID) (types.StateSnapshotNID, error) {
	return 0, nil
}

// memoryMembership is a minimal tables.Membership fake tracking one
// (room, user) row plus its forgotten flag.
type memoryMembership struct {
	membership types.Membership
	known      bool
	forgotten  bool
}

func (m *memoryMembership) UpsertMembership(_ context.Context, _ *sql.Tx, _ types.RoomNID, _ string, membership types.Membership, _ types.EventNID) error {
	m.membership = membership
	m.known = true
	m.forgotten = false
	return nil
}
func (m *memoryMembership) SelectMembership(context.Context, *sql.Tx, types.RoomNID, string) (types.Membership, bool, error) {
	return m.membership, m.known, nil
}
func (m *memoryMembership) SelectRoomsWithMembership(context.Context, *sql.Tx, string, types.Membership) ([]types.RoomNID, error) {
	return nil, nil
}
func (m *memoryMembership) SelectLocalMembers(context.Context, *sql.Tx, types.RoomNID, types.Membership) ([]string, error) {
	return nil, nil
}
func (m *memoryMembership) UpdateForgotten(_ context.Context, _ *sql.Tx, _ types.RoomNID, _ string, forgotten bool) error {
	m.forgotten = forgotten
	return nil
}

var _ tables.Rooms = (*memoryRooms)(nil)
var _ tables.Membership = (*memoryMembership)(nil)

func newTestRoomServer(rooms *memoryRooms, membership *memoryMembership) *RoomServer {
	return &RoomServer{
		DB: &shared.Database{
			Writer:     inlineWriter{},
			Rooms:      rooms,
			Membership: membership,
		},
	}
}

func TestPerformForgetRequiresLeaveMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rooms := &memoryRooms{roomID: "!room:example.org", roomNID: 1, version: "10"}
	membership := &memoryMembership{membership: types.MembershipJoin, known: true}
	r := newTestRoomServer(rooms, membership)

	err := r.PerformForget(ctx, "@alice:example.org", "!room:example.org")
	require.Error(t, err)
	var badState BadStateError
	assert.ErrorAs(t, err, &badState)
	assert.False(t, membership.forgotten)
}

func TestPerformForgetMarksLeaveMembershipHidden(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rooms := &memoryRooms{roomID: "!room:example.org", roomNID: 1, version: "10"}
	membership := &memoryMembership{membership: types.MembershipLeave, known: true}
	r := newTestRoomServer(rooms, membership)

	require.NoError(t, r.PerformForget(ctx, "@alice:example.org", "!room:example.org"))
	assert.True(t, membership.forgotten)
}

func TestPerformForgetUnknownMembershipIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rooms := &memoryRooms{roomID: "!room:example.org", roomNID: 1, version: "10"}
	membership := &memoryMembership{known: false}
	r := newTestRoomServer(rooms, membership)

	require.NoError(t, r.PerformForget(ctx, "@alice:example.org", "!room:example.org"))
	assert.False(t, membership.forgotten)
}

func TestPerformForgetIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rooms := &memoryRooms{roomID: "!room:example.org", roomNID: 1, version: "10"}
	membership := &memoryMembership{membership: types.MembershipLeave, known: true, forgotten: true}
	r := newTestRoomServer(rooms, membership)

	require.NoError(t, r.PerformForget(ctx, "@alice:example.org", "!room:example.org"))
	assert.True(t, membership.forgotten)
}
