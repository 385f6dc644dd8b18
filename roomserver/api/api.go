// Copyright 2024 coreroomd contributors
//
// Package api declares the room server's internal API surface — the
// request/response shapes clientapi and federationapi call through to
// reach the membership engine and event pipeline, mirroring the
// teacher's roomserver/api split between interface and
// implementation.
package api

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// JoinInput is the argument bundle for join_room_by_id (spec.md
// §4.3).
type JoinInput struct {
	UserID           string
	RoomIDOrAlias    string
	Reason           string
	ServerHints      []spec.ServerName
	ThirdPartySigned *ThirdPartySigned
	IsAdmin          bool
}

// ThirdPartySigned carries the signed third-party invite a joining
// user presents, if any.
type ThirdPartySigned struct {
	Sender     string
	MXID       string
	Token      string
	Signatures map[string]map[string]string
}

// JoinResult reports the outcome of a join attempt.
type JoinResult struct {
	RoomID    string
	EventID   string
	JoinedVia spec.ServerName
}

// LeaveInput is the argument bundle for leave/kick/ban/unban.
type LeaveInput struct {
	UserID    string
	RoomID    string
	Reason    string
	Actor     string // for kick/ban: the user performing the action; equals UserID for self-leave
}

// InviteInput is the argument bundle for an invite.
type InviteInput struct {
	Inviter string
	Invitee string
	RoomID  string
	Reason  string
}

// RoomServerInternalAPI is the surface other components call through
// to reach the membership engine, the way the teacher's
// api.RoomserverInternalAPI aggregates the roomserver's capabilities
// behind one interface.
type RoomServerInternalAPI interface {
	PerformJoin(ctx context.Context, in JoinInput) (*JoinResult, error)
	PerformLeave(ctx context.Context, in LeaveInput) error
	PerformKick(ctx context.Context, in LeaveInput) error
	PerformBan(ctx context.Context, in LeaveInput) error
	PerformUnban(ctx context.Context, in LeaveInput) error
	PerformInvite(ctx context.Context, in InviteInput) error
	PerformForget(ctx context.Context, userID, roomID string) error

	// InputRoomEvent appends an already-signed PDU received over
	// federation to a room this server participates in (spec.md §4.1,
	// §6 /send). The event's prev_events must already be known
	// locally; gap-filling and state resolution across forks are out
	// of scope.
	InputRoomEvent(ctx context.Context, event gomatrixserverlib.PDU) error

	// QueryRoomVersion resolves a locally-known room's version, the way
	// an inbound /send handler must before it can parse a PDU's raw
	// JSON (room version determines event-id derivation and redaction
	// rules).
	QueryRoomVersion(ctx context.Context, roomID string) (gomatrixserverlib.RoomVersion, error)

	// HandleInvite appends an inbound federation invite (spec.md §4.3c,
	// §6 /invite) for a room this server already has a presence in.
	// Unlike InputRoomEvent, it does not run auth_check: an invite is
	// authorized by the sending server's signature, not by replaying
	// this room's power levels against an auth chain we may not hold.
	HandleInvite(ctx context.Context, event gomatrixserverlib.PDU) error

	// MakeJoinTemplate builds the unsigned join stub a remote server's
	// make_join request receives (spec.md §4.3b, §6).
	MakeJoinTemplate(ctx context.Context, roomID, userID string, supportedVersions []gomatrixserverlib.RoomVersion) (*gomatrixserverlib.ProtoEvent, gomatrixserverlib.RoomVersion, error)

	// SendJoinEvent accepts a remote server's signed join event (spec.md
	// §4.3b, §6 /send_join), returning the room's current state and
	// auth chain for it to import.
	SendJoinEvent(ctx context.Context, event gomatrixserverlib.PDU) (state []gomatrixserverlib.PDU, authChain []gomatrixserverlib.PDU, err error)

	// MakeLeaveTemplate mirrors MakeJoinTemplate for the leave handshake.
	MakeLeaveTemplate(ctx context.Context, roomID, userID string) (*gomatrixserverlib.ProtoEvent, gomatrixserverlib.RoomVersion, error)

	// SendLeaveEvent accepts a remote server's signed leave event
	// (spec.md §4.3c, §6 /send_leave).
	SendLeaveEvent(ctx context.Context, event gomatrixserverlib.PDU) error
}
