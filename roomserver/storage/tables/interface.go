// Copyright 2024 coreroomd contributors
//
// Package tables declares the per-concern storage interfaces that the
// postgres and sqlite3 backends each implement, and that
// roomserver/storage/shared.Database composes into the single
// Database the rest of the room server depends on. Mirrors the
// teacher's roomserver/storage/tables split (tables.PartialState and
// friends).
package tables

import (
	"context"
	"database/sql"

	"github.com/coreroom/coreroomd/roomserver/types"
)

// EventIDs assigns and looks up the short-event-id bijection
// (spec.md §3 "Short-id dictionaries").
type EventIDs interface {
	AssignEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, error)
	LookupEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error)
}

// StateKeyTuples assigns and looks up the short-state-key bijection
// over (event_type, state_key) pairs.
type StateKeyTuples interface {
	AssignStateKeyNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateKeyTuple, error)
	LookupStateKeyNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateKeyTuple, bool, error)
}

// Rooms tracks the room-nid allocation and each room's current state
// snapshot and room version.
type Rooms interface {
	AssignRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (types.RoomNID, error)
	SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, bool, error)
	SelectRoomVersion(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (string, error)
	UpdateCurrentStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, snapshot types.StateSnapshotNID) error
	SelectCurrentStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (types.StateSnapshotNID, error)

	// SelectAllRoomNIDs lists every room this server knows about,
	// regardless of local membership, for one-shot maintenance
	// migrations that must visit every room.
	SelectAllRoomNIDs(ctx context.Context, txn *sql.Tx) ([]types.RoomNID, error)
}

// Events stores the append-only event log: every persisted PDU,
// timeline or outlier, keyed by its short NID.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNID types.EventNID, eventID string, eventType string, stateKey *string, eventJSON []byte, depth int64, isRejected bool) error
	SelectEvent(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (eventJSON []byte, isRejected bool, err error)
	SelectEventExists(ctx context.Context, txn *sql.Tx, eventID string) (bool, error)

	// SelectMaxDepthEventID returns the event id of the greatest-depth
	// event persisted for roomNID, the forward extremity a newly built
	// event must point its prev_events at.
	SelectMaxDepthEventID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (eventID string, found bool, err error)
}

// StateSnapshots persists the compressed delta form described in
// spec.md §9 ("State compression"): each snapshot is a parent plus
// added/removed StateEntry sets.
type StateSnapshots interface {
	InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, parent types.StateSnapshotNID, added, removed []types.StateEntry) (types.StateSnapshotNID, error)
	SelectState(ctx context.Context, txn *sql.Tx, snapshot types.StateSnapshotNID) (parent types.StateSnapshotNID, added, removed []types.StateEntry, err error)
}

// Membership tracks the denormalized per-(room,user) membership table
// used for fast listing alongside the authoritative m.room.member
// state events (spec.md §3 "Membership").
type Membership interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string, membership types.Membership, eventNID types.EventNID) error
	SelectMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string) (types.Membership, bool, error)
	SelectRoomsWithMembership(ctx context.Context, txn *sql.Tx, userID string, membership types.Membership) ([]types.RoomNID, error)
	SelectLocalMembers(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, membership types.Membership) ([]string, error)
	UpdateForgotten(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string, forgotten bool) error
}

// Global is a small key-value table holding the persisted schema
// version and named one-shot migration sentinels (spec.md §4.6).
type Global interface {
	UpsertGlobal(ctx context.Context, txn *sql.Tx, key, value string) error
	SelectGlobal(ctx context.Context, txn *sql.Tx, key string) (value string, found bool, err error)
}
