// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
	"github.com/coreroom/coreroomd/roomserver/types"
)

// PerformLeave implements the self-leave path of spec.md §4.3c.
func (r *RoomServer) PerformLeave(ctx context.Context, in roomserverapi.LeaveInput) error {
	return r.performMembershipChange(ctx, in, types.MembershipLeave, nil)
}

// PerformKick implements the kick path of spec.md §4.3c: an actor
// other than the target overwrites the target's membership to leave.
func (r *RoomServer) PerformKick(ctx context.Context, in roomserverapi.LeaveInput) error {
	return r.performMembershipChange(ctx, in, types.MembershipLeave, nil)
}

// PerformBan implements the ban path of spec.md §4.3c, clearing
// displayname/avatar_url on the target's member event.
func (r *RoomServer) PerformBan(ctx context.Context, in roomserverapi.LeaveInput) error {
	return r.performMembershipChange(ctx, in, types.MembershipBan, nil)
}

// PerformUnban implements the unban path of spec.md §4.3c: only valid
// if the target is currently banned.
func (r *RoomServer) PerformUnban(ctx context.Context, in roomserverapi.LeaveInput) error {
	require := types.MembershipBan
	return r.performMembershipChange(ctx, in, types.MembershipLeave, &require)
}

// performMembershipChange is the common shape behind leave/kick/ban/
// unban (spec.md §4.3c): lock room, read current member event,
// overwrite membership and optional fields, append. requireCurrent, if
// non-nil, rejects the change unless the target's existing membership
// matches exactly (used by unban, which only makes sense from ban).
func (r *RoomServer) performMembershipChange(ctx context.Context, in roomserverapi.LeaveInput, newMembership types.Membership, requireCurrent *types.Membership) error {
	unlock := r.Mutexes.Lock(in.RoomID)
	defer unlock.Unlock()

	roomNID, roomVersion, err := r.roomAndVersion(ctx, in.RoomID)
	if err != nil {
		return err
	}

	current, known, err := r.DB.GetMembership(ctx, roomNID, in.UserID)
	if err != nil {
		return DatabaseError{Op: "select membership", Err: err}
	}

	if requireCurrent != nil && (!known || current != *requireCurrent) {
		return BadStateError{Reason: fmt.Sprintf("%s is not currently %s in %s", in.UserID, *requireCurrent, in.RoomID)}
	}

	if !known || current == types.Membership("") {
		// Never locally joined/invited: a self-leave must instead be
		// routed through make_leave/send_leave against a remote server
		// (spec.md §4.3c "for leaves when this server is not in the
		// room"). A kick/ban of someone with no local membership row is a
		// no-op.
		if newMembership != types.MembershipLeave || in.Actor != in.UserID {
			return nil
		}
		return r.performRemoteLeave(ctx, in)
	}

	existingEv, found, err := r.currentStateEvent(ctx, roomNID, roomVersion, "m.room.member", in.UserID)
	if err != nil {
		return err
	}
	var existing memberContent
	if found {
		existing, err = parseMemberContent(existingEv.Content())
		if err != nil {
			return fmt.Errorf("internal: parsing existing member content: %w", err)
		}
	}

	content := memberContent{
		Membership: string(newMembership),
		Reason:     in.Reason,
	}
	if newMembership != types.MembershipBan {
		content.DisplayName = existing.DisplayName
		content.AvatarURL = existing.AvatarURL
	}

	userID := in.UserID
	proto := &gomatrixserverlib.ProtoEvent{
		SenderID: in.Actor,
		RoomID:   in.RoomID,
		Type:     "m.room.member",
		StateKey: &userID,
	}
	if err := proto.SetContent(content); err != nil {
		return fmt.Errorf("internal: setting member content: %w", err)
	}

	authEvents, err := r.authEventsForBuilder(ctx, roomNID, roomVersion, proto)
	if err != nil {
		return err
	}
	ev, err := r.buildAndSign(roomVersion, proto)
	if err != nil {
		return err
	}
	if err := AuthCheck(ctx, roomVersion, ev, authEvents); err != nil {
		return ForbiddenError{Reason: err.Error()}
	}
	return r.appendEvent(ctx, roomNID, ev)
}

// performRemoteLeave drives make_leave/send_leave against the server
// named by the room id, analogous to the join handshake (spec.md
// §4.3c).
func (r *RoomServer) performRemoteLeave(ctx context.Context, in roomserverapi.LeaveInput) error {
	_, server, err := gomatrixserverlib.SplitID('!', in.RoomID)
	if err != nil {
		return fmt.Errorf("internal: parsing room id: %w", err)
	}
	if r.Cfg.ServerIsOurs(server) {
		// A room id whose domain is us but with no local membership row
		// means there is nothing to leave; treat as already-left.
		return nil
	}

	makeResp, err := r.FedClient.MakeLeave(ctx, r.localServerName(), server, in.RoomID, in.UserID)
	if err != nil {
		return BadServerResponseError{Reason: fmt.Sprintf("make_leave to %s: %v", server, err)}
	}

	userID := in.UserID
	proto := makeResp.LeaveEvent
	proto.RoomID = in.RoomID
	proto.Type = "m.room.member"
	proto.StateKey = &userID
	if err := proto.SetContent(memberContent{Membership: "leave", Reason: in.Reason}); err != nil {
		return fmt.Errorf("internal: setting member content: %w", err)
	}

	ev, err := r.buildAndSign(makeResp.RoomVersion, proto)
	if err != nil {
		return err
	}
	if err := r.FedClient.SendLeave(ctx, r.localServerName(), server, ev); err != nil {
		return BadServerResponseError{Reason: fmt.Sprintf("send_leave to %s: %v", server, err)}
	}
	return nil
}

// PerformInvite implements spec.md §4.3c: a local invite for a local
// target is built and appended directly; a local invite for a remote
// target instead performs create_invite federation, grafting the
// invitee server's resigned signature onto the returned event before
// running auth_check and appending.
func (r *RoomServer) PerformInvite(ctx context.Context, in roomserverapi.InviteInput) error {
	unlock := r.Mutexes.Lock(in.RoomID)
	defer unlock.Unlock()

	roomNID, roomVersion, err := r.roomAndVersion(ctx, in.RoomID)
	if err != nil {
		return err
	}

	if r.Cfg.Global.BlockNonAdminInvites && !r.Cfg.IsAdmin(in.Inviter) {
		return ForbiddenError{Reason: "non-admin invites are disabled on this homeserver"}
	}

	_, inviteeServer, err := gomatrixserverlib.SplitID('@', in.Invitee)
	if err != nil {
		return fmt.Errorf("internal: parsing invitee id: %w", err)
	}

	invitee := in.Invitee
	proto := &gomatrixserverlib.ProtoEvent{
		SenderID: in.Inviter,
		RoomID:   in.RoomID,
		Type:     "m.room.member",
		StateKey: &invitee,
	}
	if err := proto.SetContent(memberContent{Membership: "invite", Reason: in.Reason}); err != nil {
		return fmt.Errorf("internal: setting member content: %w", err)
	}

	authEvents, err := r.authEventsForBuilder(ctx, roomNID, roomVersion, proto)
	if err != nil {
		return err
	}
	ev, err := r.buildAndSign(roomVersion, proto)
	if err != nil {
		return err
	}

	if !r.Cfg.ServerIsOurs(inviteeServer) {
		resigned, err := r.FedClient.SendInvite(ctx, r.localServerName(), inviteeServer, ev)
		if err != nil {
			return BadServerResponseError{Reason: fmt.Sprintf("invite to %s: %v", inviteeServer, err)}
		}
		ev = resigned
	}

	if err := AuthCheck(ctx, roomVersion, ev, authEvents); err != nil {
		return ForbiddenError{Reason: err.Error()}
	}
	return r.appendEvent(ctx, roomNID, ev)
}

// PerformForget implements spec.md §4.3d: refuses while the user is
// joined; for any other known membership it marks the room hidden from
// their room list. An unknown membership, or forgetting an
// already-forgotten room, is a no-op.
func (r *RoomServer) PerformForget(ctx context.Context, userID, roomID string) error {
	roomNID, _, err := r.roomAndVersion(ctx, roomID)
	if err != nil {
		return err
	}
	m, known, err := r.DB.GetMembership(ctx, roomNID, userID)
	if err != nil {
		return DatabaseError{Op: "select membership", Err: err}
	}
	if known && m == types.MembershipJoin {
		return BadStateError{Reason: "cannot forget a room you are still joined to"}
	}
	if !known {
		return nil
	}
	if err := r.DB.ForgetRoom(ctx, roomNID, userID); err != nil {
		return DatabaseError{Op: "forget room", Err: err}
	}
	return nil
}
