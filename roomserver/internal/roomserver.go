// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
	"github.com/coreroom/coreroomd/roomserver/state"
	"github.com/coreroom/coreroomd/roomserver/storage/shared"
	"github.com/coreroom/coreroomd/roomserver/types"
	"github.com/coreroom/coreroomd/setup/config"
	"github.com/coreroom/coreroomd/setup/mutexes"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
)

// UserDeactivator is the narrow surface the membership engine needs
// into the (out of scope) user/account subsystem, for the
// auto_deactivate_banned_room_attempts side effect of spec.md §4.3
// step 1.
type UserDeactivator interface {
	DeactivateAndForceLeaveAll(ctx context.Context, userID string) error
}

// RoomServer implements roomserverapi.RoomServerInternalAPI: the
// membership engine of spec.md §4.3 plus the event-authorization and
// state-resolution machinery it calls through to, composed the way the
// teacher wires its roomserver/internal.RoomserverInternalAPI from
// storage, caches, and the mutex table.
type RoomServer struct {
	Cfg        *config.Config
	DB         *shared.Database
	ShortIDs   *state.ShortIDs
	Compressor *state.Compressor
	Resolver   *state.Resolver
	Mutexes    *mutexes.Table

	FedClient fedapi.FederationClient
	Keys      fedapi.KeyFetcher

	SigningKey ed25519.PrivateKey
	KeyID      gomatrixserverlib.KeyID

	Users UserDeactivator // nil if not wired; deactivation becomes a no-op
}

var _ roomserverapi.RoomServerInternalAPI = (*RoomServer)(nil)

// localServerName is a convenience accessor, named the way
// fclient-facing code names its origin argument.
func (r *RoomServer) localServerName() spec.ServerName {
	return r.Cfg.Global.ServerName
}

// roomAndVersion resolves a room id to its internal NID and version,
// failing with NotFoundError if the room is unknown locally.
func (r *RoomServer) roomAndVersion(ctx context.Context, roomID string) (types.RoomNID, gomatrixserverlib.RoomVersion, error) {
	roomNID, ok, err := r.DB.RoomNID(ctx, roomID)
	if err != nil {
		return 0, "", DatabaseError{Op: "select room nid", Err: err}
	}
	if !ok {
		return 0, "", NotFoundError{Reason: fmt.Sprintf("no such room %s", roomID)}
	}
	verStr, err := r.DB.Rooms.SelectRoomVersion(ctx, nil, roomNID)
	if err != nil {
		return 0, "", DatabaseError{Op: "select room version", Err: err}
	}
	return roomNID, gomatrixserverlib.RoomVersion(verStr), nil
}

// currentState materializes a room's current state snapshot to a
// lowered StateEntry slice via the Compressor.
func (r *RoomServer) currentState(ctx context.Context, roomNID types.RoomNID) ([]types.StateEntry, error) {
	snapshot, err := r.DB.CurrentStateSnapshot(ctx, roomNID)
	if err != nil {
		return nil, DatabaseError{Op: "select current state snapshot", Err: err}
	}
	if snapshot == 0 {
		return nil, nil
	}
	return r.Compressor.Materialize(ctx, snapshot)
}

// currentStateEvent looks up the single (eventType, stateKey) state
// event authoritative in roomNID's current snapshot, parsed into a PDU
// under roomVersion. found is false if no such state event exists.
func (r *RoomServer) currentStateEvent(ctx context.Context, roomNID types.RoomNID, roomVersion gomatrixserverlib.RoomVersion, eventType, stateKey string) (gomatrixserverlib.PDU, bool, error) {
	entries, err := r.currentState(ctx, roomNID)
	if err != nil {
		return nil, false, err
	}
	tuple, err := r.ShortIDs.StateKeyNID(ctx, eventType, stateKey)
	if err != nil {
		return nil, false, DatabaseError{Op: "assign state key nid", Err: err}
	}
	for _, e := range entries {
		if e.StateKeyTuple == tuple {
			raw, _, err := r.DB.EventJSON(ctx, e.EventNID)
			if err != nil {
				return nil, false, DatabaseError{Op: "select event json", Err: err}
			}
			if raw == nil {
				return nil, false, nil
			}
			ev, err := gomatrixserverlib.NewEventFromTrustedJSON(raw, false, roomVersion)
			if err != nil {
				return nil, false, DatabaseError{Op: "parse state event", Err: err}
			}
			return ev, true, nil
		}
	}
	return nil, false, nil
}

// appendEvent persists a validated PDU as the sole addition to a
// room's current state (the shape every leaf of the membership engine
// needs: build one member event, run auth_check, append it). It
// allocates NIDs, runs the state diff through the Compressor, advances
// the room's current snapshot pointer, and updates the denormalized
// membership table when the event is an m.room.member.
//
// Callers must hold the per-room mutex across the read-decide-append
// sequence (spec.md §5 "per-room serialization"); appendEvent itself
// does not acquire it.
func (r *RoomServer) appendEvent(ctx context.Context, roomNID types.RoomNID, ev gomatrixserverlib.PDU) error {
	eventNID, err := r.ShortIDs.EventNID(ctx, ev.EventID())
	if err != nil {
		return DatabaseError{Op: "assign event nid", Err: err}
	}

	before, err := r.currentState(ctx, roomNID)
	if err != nil {
		return err
	}

	after := before
	if sk := ev.StateKey(); sk != nil {
		tuple, err := r.ShortIDs.StateKeyNID(ctx, ev.Type(), *sk)
		if err != nil {
			return DatabaseError{Op: "assign state key nid", Err: err}
		}
		merged := make([]types.StateEntry, 0, len(before)+1)
		for _, e := range before {
			if e.StateKeyTuple != tuple {
				merged = append(merged, e)
			}
		}
		merged = append(merged, types.StateEntry{StateKeyTuple: tuple, EventNID: eventNID})
		after = types.UniqueStateEntries(merged)
	}

	parentSnapshot, err := r.DB.CurrentStateSnapshot(ctx, roomNID)
	if err != nil {
		return DatabaseError{Op: "select current state snapshot", Err: err}
	}
	parentDepth, err := r.Compressor.Depth(ctx, parentSnapshot)
	if err != nil {
		return err
	}
	nextSnapshot, _, _, err := r.Compressor.Compress(ctx, parentSnapshot, parentDepth, before, after)
	if err != nil {
		return err
	}

	raw, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("internal: marshalling event %s: %w", ev.EventID(), err)
	}

	var stateKeyPtr *string
	if sk := ev.StateKey(); sk != nil {
		v := *sk
		stateKeyPtr = &v
	}
	if err := r.DB.PersistEvent(ctx, roomNID, eventNID, ev.EventID(), ev.Type(), stateKeyPtr, raw, ev.Depth(), false); err != nil {
		return DatabaseError{Op: "persist event", Err: err}
	}
	if err := r.DB.SetCurrentStateSnapshot(ctx, roomNID, nextSnapshot); err != nil {
		return DatabaseError{Op: "advance current state snapshot", Err: err}
	}

	if ev.Type() == "m.room.member" && ev.StateKey() != nil {
		content, err := parseMemberContent(ev.Content())
		if err != nil {
			return fmt.Errorf("internal: parsing member content for %s: %w", ev.EventID(), err)
		}
		if err := r.DB.SetMembership(ctx, roomNID, *ev.StateKey(), types.Membership(content.Membership), eventNID); err != nil {
			return DatabaseError{Op: "set membership", Err: err}
		}
	}

	logrus.WithFields(logrus.Fields{
		"room_id":  ev.RoomID(),
		"event_id": ev.EventID(),
		"type":     ev.Type(),
	}).Debug("appended event")

	return nil
}

// buildAndSign constructs a PDU from a ProtoEvent via the room's
// signing keypair, deriving event_id by hash for v3+ room versions
// (spec.md §4.1, testable property 5).
func (r *RoomServer) buildAndSign(roomVersion gomatrixserverlib.RoomVersion, proto *gomatrixserverlib.ProtoEvent) (gomatrixserverlib.PDU, error) {
	if _, err := gomatrixserverlib.GetRoomVersion(roomVersion); err != nil {
		return nil, fmt.Errorf("internal: unknown room version %s: %w", roomVersion, err)
	}
	ev, err := proto.Build(time.Now(), r.localServerName(), r.KeyID, r.SigningKey, roomVersion)
	if err != nil {
		return nil, fmt.Errorf("internal: signing event: %w", err)
	}
	return ev, nil
}
