// Copyright 2024 coreroomd contributors
//
// Package shared composes the per-concern table interfaces from
// roomserver/storage/tables into the single Database the room server
// depends on, mirroring the teacher's mediaapi/storage/shared split
// between a thin per-backend package and a backend-agnostic Database.
package shared

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/state"
	"github.com/coreroom/coreroomd/roomserver/storage/tables"
	"github.com/coreroom/coreroomd/roomserver/types"
)

// Database is the backend-agnostic room-server storage facade. Each
// backend (postgres, sqlite3) constructs one of these from its own
// table implementations plus the Writer appropriate to its concurrency
// model.
type Database struct {
	DB             *sql.DB
	Writer         sqlutil.Writer
	EventIDs       tables.EventIDs
	StateKeyTuples tables.StateKeyTuples
	Rooms          tables.Rooms
	Events         tables.Events
	StateSnapshots tables.StateSnapshots
	Membership     tables.Membership
	Global         tables.Global
}

// AssignEventNID satisfies state.ShortIDStore, serializing allocation
// through Writer so concurrent first-sight callers don't race two
// inserts for the same event id (spec.md §3 "Short-id dictionaries ...
// Allocation is monotonic, never recycled").
func (d *Database) AssignEventNID(ctx context.Context, eventID string) (types.EventNID, error) {
	var nid types.EventNID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		nid, err = d.EventIDs.AssignEventNID(ctx, txn, eventID)
		return err
	})
	return nid, err
}

func (d *Database) AssignStateKeyNID(ctx context.Context, eventType, stateKey string) (types.StateKeyTuple, error) {
	var tuple types.StateKeyTuple
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		tuple, err = d.StateKeyTuples.AssignStateKeyNID(ctx, txn, eventType, stateKey)
		return err
	})
	return tuple, err
}

func (d *Database) LookupEventNID(ctx context.Context, eventID string) (types.EventNID, bool, error) {
	return d.EventIDs.LookupEventNID(ctx, nil, eventID)
}

func (d *Database) LookupStateKeyNID(ctx context.Context, eventType, stateKey string) (types.StateKeyTuple, bool, error) {
	return d.StateKeyTuples.LookupStateKeyNID(ctx, nil, eventType, stateKey)
}

var _ state.ShortIDStore = (*Database)(nil)

// SaveSnapshot satisfies state.SnapshotStore.
func (d *Database) SaveSnapshot(ctx context.Context, parent types.StateSnapshotNID, added, removed []types.StateEntry) (types.StateSnapshotNID, error) {
	var nid types.StateSnapshotNID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		// room_nid is not needed to reconstruct a snapshot's delta chain
		// (the chain is self-contained via parent pointers), so 0 is
		// recorded; the owning room is tracked separately by
		// roomserver_rooms.state_snapshot_nid.
		nid, err = d.StateSnapshots.InsertState(ctx, txn, 0, parent, added, removed)
		return err
	})
	return nid, err
}

func (d *Database) LoadDelta(ctx context.Context, snapshot types.StateSnapshotNID) (types.StateSnapshotNID, []types.StateEntry, []types.StateEntry, error) {
	return d.StateSnapshots.SelectState(ctx, nil, snapshot)
}

var _ state.SnapshotStore = (*Database)(nil)

// EventExists reports whether eventID has been persisted, used by
// state.Resolver as its existence-check closure (spec.md §4.2).
func (d *Database) EventExists(ctx context.Context, eventID string) (bool, error) {
	return d.Events.SelectEventExists(ctx, nil, eventID)
}

// RoomNID returns the internal room NID for roomID; ok is false if the
// room is not known. It never allocates (AssignRoomNID does).
func (d *Database) RoomNID(ctx context.Context, roomID string) (types.RoomNID, bool, error) {
	return d.Rooms.SelectRoomNID(ctx, nil, roomID)
}

func (d *Database) AssignRoomNID(ctx context.Context, roomID, roomVersion string) (types.RoomNID, error) {
	var nid types.RoomNID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		nid, err = d.Rooms.AssignRoomNID(ctx, txn, roomID, roomVersion)
		return err
	})
	return nid, err
}

// CurrentStateSnapshot returns a room's current state snapshot NID.
func (d *Database) CurrentStateSnapshot(ctx context.Context, roomNID types.RoomNID) (types.StateSnapshotNID, error) {
	return d.Rooms.SelectCurrentStateSnapshot(ctx, nil, roomNID)
}

// SetCurrentStateSnapshot advances a room's current state snapshot
// pointer, the final step of force_state/append_to_state.
func (d *Database) SetCurrentStateSnapshot(ctx context.Context, roomNID types.RoomNID, snapshot types.StateSnapshotNID) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Rooms.UpdateCurrentStateSnapshot(ctx, txn, roomNID, snapshot)
	})
}

// PersistEvent appends a validated PDU to the event log.
func (d *Database) PersistEvent(ctx context.Context, roomNID types.RoomNID, eventNID types.EventNID, eventID, eventType string, stateKey *string, eventJSON []byte, depth int64, isRejected bool) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Events.InsertEvent(ctx, txn, roomNID, eventNID, eventID, eventType, stateKey, eventJSON, depth, isRejected)
	})
}

// SetMembership records a membership transition both denormalized and
// (by the caller, via PersistEvent) as state.
func (d *Database) SetMembership(ctx context.Context, roomNID types.RoomNID, userID string, membership types.Membership, eventNID types.EventNID) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Membership.UpsertMembership(ctx, txn, roomNID, userID, membership, eventNID)
	})
}

func (d *Database) GetMembership(ctx context.Context, roomNID types.RoomNID, userID string) (types.Membership, bool, error) {
	return d.Membership.SelectMembership(ctx, nil, roomNID, userID)
}

func (d *Database) RoomsWithMembership(ctx context.Context, userID string, membership types.Membership) ([]types.RoomNID, error) {
	return d.Membership.SelectRoomsWithMembership(ctx, nil, userID, membership)
}

func (d *Database) LocalMembers(ctx context.Context, roomNID types.RoomNID, membership types.Membership) ([]string, error) {
	return d.Membership.SelectLocalMembers(ctx, nil, roomNID, membership)
}

// AllRoomNIDs lists every room this server knows about, for one-shot
// maintenance migrations that must visit every room.
func (d *Database) AllRoomNIDs(ctx context.Context) ([]types.RoomNID, error) {
	return d.Rooms.SelectAllRoomNIDs(ctx, nil)
}

// ForgetRoom marks a (room, user) pair as forgotten, hiding it from the
// user's room list without touching their membership row (spec.md
// §4.3d).
func (d *Database) ForgetRoom(ctx context.Context, roomNID types.RoomNID, userID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Membership.UpdateForgotten(ctx, txn, roomNID, userID, true)
	})
}

// EventJSON returns the persisted canonical JSON and rejected flag for
// an already-allocated event NID.
func (d *Database) EventJSON(ctx context.Context, nid types.EventNID) ([]byte, bool, error) {
	return d.Events.SelectEvent(ctx, nil, nid)
}

// EventByID resolves an event id to its persisted JSON, looking up the
// short-event-id first. found is false if the event id is unknown.
func (d *Database) EventByID(ctx context.Context, eventID string) (eventJSON []byte, found bool, err error) {
	nid, ok, err := d.LookupEventNID(ctx, eventID)
	if err != nil || !ok {
		return nil, false, err
	}
	eventJSON, _, err = d.Events.SelectEvent(ctx, nil, nid)
	if err != nil {
		return nil, false, err
	}
	return eventJSON, true, nil
}

// LatestEventID returns the event id of roomNID's greatest-depth
// persisted event, found false if the room has no events yet.
func (d *Database) LatestEventID(ctx context.Context, roomNID types.RoomNID) (string, bool, error) {
	return d.Events.SelectMaxDepthEventID(ctx, nil, roomNID)
}

// globalGet/globalSet are small helpers shared by migrations.go.
func (d *Database) globalGet(ctx context.Context, key string) (string, bool, error) {
	return d.Global.SelectGlobal(ctx, nil, key)
}

func (d *Database) globalSet(ctx context.Context, key, value string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Global.UpsertGlobal(ctx, txn, key, value)
	})
}

