// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
	"github.com/coreroom/coreroomd/roomserver/types"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
)

// Remote-join candidate-exhaustion thresholds (spec.md §4.3b, testable
// properties 10/11).
const (
	maxConsecutiveIncompatibleVersions = 15
	maxJoinAttempts                    = 50
)

// PerformJoin implements join_room_by_id (spec.md §4.3). It acquires
// the per-room serialization lock for the duration of the
// pre-flight -> decide -> append sequence.
func (r *RoomServer) PerformJoin(ctx context.Context, in roomserverapi.JoinInput) (*roomserverapi.JoinResult, error) {
	roomID, candidateServers := parseRoomIDOrAlias(in.RoomIDOrAlias, in.ServerHints)

	unlock := r.Mutexes.Lock(roomID)
	defer unlock.Unlock()

	// Step 1: pre-flight ban-list check (skipped for admins).
	if !in.IsAdmin && !r.Cfg.IsAdmin(in.UserID) {
		if r.Cfg.RoomIsBanned(roomID, candidateServers) {
			if r.Cfg.Global.AutoDeactivateBannedRoomAttempts && r.Users != nil {
				if err := r.Users.DeactivateAndForceLeaveAll(ctx, in.UserID); err != nil {
					logrus.WithError(err).WithField("user_id", in.UserID).Error("failed to deactivate user after banned-room join attempt")
				}
			}
			return nil, ForbiddenError{Reason: "This room is banned on this homeserver."}
		}
	}

	roomNID, roomVersion, err := r.roomAndVersion(ctx, roomID)
	localRoomKnown := err == nil
	if err != nil {
		var notFound NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	// Step 2: already joined is an idempotent success (testable property 7).
	if localRoomKnown {
		if m, ok, merr := r.DB.GetMembership(ctx, roomNID, in.UserID); merr != nil {
			return nil, DatabaseError{Op: "select membership", Err: merr}
		} else if ok && m == types.MembershipJoin {
			return &roomserverapi.JoinResult{RoomID: roomID, JoinedVia: r.localServerName()}, nil
		}
	}

	// Step 3: local or remote path. We are local-capable if the room is
	// already known to us and has at least one local member, or if
	// there are no other candidate servers to try.
	localCapable := false
	if localRoomKnown {
		members, merr := r.DB.LocalMembers(ctx, roomNID, types.MembershipJoin)
		if merr != nil {
			return nil, DatabaseError{Op: "select local members", Err: merr}
		}
		localCapable = len(members) > 0
	}
	onlyUsCandidate := len(candidateServers) == 0 || (len(candidateServers) == 1 && r.Cfg.ServerIsOurs(candidateServers[0]))

	if localCapable || onlyUsCandidate {
		res, localErr := r.performLocalJoin(ctx, roomID, roomNID, roomVersion, in)
		if localErr == nil {
			return res, nil
		}
		var forbidden ForbiddenError
		hasGateList := errors.As(localErr, &forbidden) && forbidden.GateList
		if !hasGateList || len(candidateServers) == 0 {
			return nil, localErr
		}
		// Fall through to the remote path using the local failure as the
		// fallback error (spec.md §4.3a).
		return r.performRemoteJoin(ctx, roomID, candidateServers, in, localErr)
	}

	return r.performRemoteJoin(ctx, roomID, candidateServers, in, nil)
}

// performLocalJoin implements 4.3a: build and append a join event
// directly against the room's current local state.
func (r *RoomServer) performLocalJoin(ctx context.Context, roomID string, roomNID types.RoomNID, roomVersion gomatrixserverlib.RoomVersion, in roomserverapi.JoinInput) (*roomserverapi.JoinResult, error) {
	if roomNID == 0 {
		return nil, NotFoundError{Reason: fmt.Sprintf("no such room %s", roomID)}
	}
	joinRuleEv, found, err := r.currentStateEvent(ctx, roomNID, roomVersion, "m.room.join_rules", "")
	if err != nil {
		return nil, err
	}
	var gates []string
	if found {
		jr, perr := parseJoinRuleContent(joinRuleEv.Content())
		if perr != nil {
			return nil, fmt.Errorf("internal: parsing join rules: %w", perr)
		}
		if jr.JoinRule == "restricted" || jr.JoinRule == "knock_restricted" {
			gates = jr.gateRooms()
		}
	}

	var authorisedVia string
	if len(gates) > 0 {
		authorisedVia, err = r.findRestrictedJoinAuthoriser(ctx, roomNID, roomVersion, gates, in.UserID)
		if err != nil {
			return nil, ForbiddenError{Reason: err.Error(), GateList: true}
		}
	}

	content := memberContent{
		Membership:             "join",
		Reason:                 in.Reason,
		JoinAuthorisedViaUsers: authorisedVia,
	}
	proto := &gomatrixserverlib.ProtoEvent{
		SenderID: in.UserID,
		RoomID:   roomID,
		Type:     "m.room.member",
		StateKey: &in.UserID,
	}
	if err := proto.SetContent(content); err != nil {
		return nil, fmt.Errorf("internal: setting member content: %w", err)
	}

	authEvents, err := r.authEventsForBuilder(ctx, roomNID, roomVersion, proto)
	if err != nil {
		return nil, err
	}

	ev, err := r.buildAndSign(roomVersion, proto)
	if err != nil {
		return nil, err
	}
	if err := AuthCheck(ctx, roomVersion, ev, authEvents); err != nil {
		return nil, ForbiddenError{Reason: err.Error()}
	}
	if err := r.appendEvent(ctx, roomNID, ev); err != nil {
		return nil, err
	}

	return &roomserverapi.JoinResult{RoomID: ev.RoomID(), EventID: ev.EventID(), JoinedVia: r.localServerName()}, nil
}

// findRestrictedJoinAuthoriser implements the gate-room search of
// spec.md §4.3a: if the joining user is a member of any gate room,
// iterate the target room's local members and return the first with
// enough power to invite the sender.
func (r *RoomServer) findRestrictedJoinAuthoriser(ctx context.Context, targetRoomNID types.RoomNID, roomVersion gomatrixserverlib.RoomVersion, gates []string, userID string) (string, error) {
	memberOfAnyGate := false
	for _, gateRoomID := range gates {
		gateNID, ok, err := r.DB.RoomNID(ctx, gateRoomID)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if m, ok, err := r.DB.GetMembership(ctx, gateNID, userID); err == nil && ok && m == types.MembershipJoin {
			memberOfAnyGate = true
			break
		}
	}
	if !memberOfAnyGate {
		return "", errors.New("sender is not a member of any gate room for this restricted join")
	}

	powerLevels := powerLevelContent{Invite: defaultInviteLevel}
	if plEv, found, err := r.currentStateEvent(ctx, targetRoomNID, roomVersion, "m.room.power_levels", ""); err == nil && found {
		if parsed, perr := parsePowerLevelContent(plEv.Content()); perr == nil {
			powerLevels = parsed
		}
	}

	members, err := r.DB.LocalMembers(ctx, targetRoomNID, types.MembershipJoin)
	if err != nil {
		return "", err
	}
	for _, member := range members {
		if powerLevels.canInvite(member) {
			return member, nil
		}
	}
	return "", errors.New("no local member has permission to authorise this restricted join")
}

// authEventsForBuilder resolves the auth_events a new state event
// needs (create, power_levels, join_rules, and the sender's own
// member event, per spec.md §4.1), wrapped as a gomatrixserverlib
// AuthEventProvider.
func (r *RoomServer) authEventsForBuilder(ctx context.Context, roomNID types.RoomNID, roomVersion gomatrixserverlib.RoomVersion, proto *gomatrixserverlib.ProtoEvent) (gomatrixserverlib.AuthEventProvider, error) {
	entries, err := r.currentState(ctx, roomNID)
	if err != nil {
		return nil, err
	}
	byType := map[string][]gomatrixserverlib.PDU{}
	for _, e := range entries {
		raw, _, err := r.DB.EventJSON(ctx, e.EventNID)
		if err != nil || raw == nil {
			continue
		}
		ev, err := gomatrixserverlib.NewEventFromTrustedJSON(raw, false, roomVersion)
		if err != nil {
			continue
		}
		byType[ev.Type()] = append(byType[ev.Type()], ev)
	}
	return &staticAuthEvents{byType: byType}, nil
}

// staticAuthEvents implements gomatrixserverlib.AuthEventProvider over
// an already-materialized current-state snapshot.
type staticAuthEvents struct {
	byType map[string][]gomatrixserverlib.PDU
}

func (s *staticAuthEvents) Create() (gomatrixserverlib.PDU, error) { return s.one("m.room.create") }
func (s *staticAuthEvents) PowerLevels() (gomatrixserverlib.PDU, error) {
	return s.one("m.room.power_levels")
}
func (s *staticAuthEvents) JoinRules() (gomatrixserverlib.PDU, error) {
	return s.one("m.room.join_rules")
}
func (s *staticAuthEvents) Member(stateKey spec.SenderID) (gomatrixserverlib.PDU, error) {
	for _, ev := range s.byType["m.room.member"] {
		if ev.StateKey() != nil && *ev.StateKey() == string(stateKey) {
			return ev, nil
		}
	}
	return nil, nil
}
func (s *staticAuthEvents) ThirdPartyInvite(stateKey string) (gomatrixserverlib.PDU, error) {
	for _, ev := range s.byType["m.room.third_party_invite"] {
		if ev.StateKey() != nil && *ev.StateKey() == stateKey {
			return ev, nil
		}
	}
	return nil, nil
}

func (s *staticAuthEvents) one(t string) (gomatrixserverlib.PDU, error) {
	evs := s.byType[t]
	if len(evs) == 0 {
		return nil, nil
	}
	return evs[0], nil
}

// performRemoteJoin drives the make_join/send_join handshake of
// spec.md §4.3b against candidateServers in order, skipping ourselves.
// fallback, if non-nil, is returned when every candidate is exhausted
// without a more specific error.
func (r *RoomServer) performRemoteJoin(ctx context.Context, roomID string, candidateServers []spec.ServerName, in roomserverapi.JoinInput, fallback error) (*roomserverapi.JoinResult, error) {
	supported := gomatrixserverlib.RoomVersions()
	var supportedVersions []gomatrixserverlib.RoomVersion
	for v, desc := range supported {
		if desc.Stable() || r.Cfg.Global.AllowUnstableRoomVersions {
			supportedVersions = append(supportedVersions, v)
		}
	}

	attempts := 0
	consecutiveIncompatible := 0
	var lastErr error = fallback

	for _, dest := range candidateServers {
		if r.Cfg.ServerIsOurs(dest) {
			continue
		}
		if attempts >= maxJoinAttempts {
			return nil, BadServerResponseError{Reason: "no server available"}
		}
		attempts++

		makeResp, err := r.FedClient.MakeJoin(ctx, r.localServerName(), dest, roomID, in.UserID, supportedVersions)
		if err != nil {
			var incompatible fedapi.IncompatibleRoomVersionError
			if errors.As(err, &incompatible) {
				consecutiveIncompatible++
				if consecutiveIncompatible >= maxConsecutiveIncompatibleVersions {
					return nil, BadServerResponseError{Reason: "room version unsupported"}
				}
			}
			lastErr = err
			continue
		}
		consecutiveIncompatible = 0

		if !isSupportedRoomVersion(supportedVersions, makeResp.RoomVersion) {
			return nil, BadServerResponseError{Reason: fmt.Sprintf("room version %s is not supported locally", makeResp.RoomVersion)}
		}

		res, err := r.finishRemoteJoin(ctx, dest, roomID, makeResp, in)
		if err != nil {
			lastErr = err
			continue
		}
		return res, nil
	}

	if lastErr == nil {
		lastErr = BadServerResponseError{Reason: "no server available"}
	}
	return nil, lastErr
}

// finishRemoteJoin populates the make_join stub, signs it, submits it
// via send_join, grafts any restricted-join resigning, and imports the
// returned room state.
func (r *RoomServer) finishRemoteJoin(ctx context.Context, dest spec.ServerName, roomID string, makeResp fedapi.MakeJoinResponse, in roomserverapi.JoinInput) (*roomserverapi.JoinResult, error) {
	proto := makeResp.JoinEvent
	proto.RoomID = roomID
	proto.Type = "m.room.member"
	proto.StateKey = &in.UserID

	existing, err := parseMemberContent([]byte(proto.Content))
	if err != nil {
		return nil, fmt.Errorf("internal: parsing remote join stub content: %w", err)
	}
	content := memberContent{
		Membership:             "join",
		DisplayName:            existing.DisplayName,
		AvatarURL:              existing.AvatarURL,
		Reason:                 in.Reason,
		JoinAuthorisedViaUsers: existing.JoinAuthorisedViaUsers,
	}
	if err := proto.SetContent(content); err != nil {
		return nil, fmt.Errorf("internal: setting member content: %w", err)
	}

	ev, err := r.buildAndSign(makeResp.RoomVersion, proto)
	if err != nil {
		return nil, err
	}

	sendResp, err := r.FedClient.SendJoin(ctx, r.localServerName(), dest, ev)
	if err != nil {
		return nil, BadServerResponseError{Reason: fmt.Sprintf("send_join to %s: %v", dest, err)}
	}

	if sendResp.Resigned != nil {
		if sendResp.Resigned.EventID != ev.EventID() {
			return nil, BadServerResponseError{Reason: "send_join resigned event id does not match our event"}
		}
		grafted, gerr := graftSignature(ev, makeResp.RoomVersion, sendResp.Resigned)
		if gerr != nil {
			logrus.WithError(gerr).Warn("ignoring send_join resigning for this room version")
		} else {
			ev = grafted
		}
	}

	if err := r.Keys.VerifyEventSignatures(ctx, append(append([]gomatrixserverlib.PDU{}, sendResp.StateEvents...), sendResp.AuthChain...)); err != nil {
		return nil, BadServerResponseError{Reason: fmt.Sprintf("verifying imported state: %v", err)}
	}

	if err := r.importRoomState(ctx, makeResp.RoomVersion, roomID, sendResp); err != nil {
		return nil, err
	}

	roomNID, _, err := r.roomAndVersion(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := r.appendEvent(ctx, roomNID, ev); err != nil {
		return nil, err
	}

	return &roomserverapi.JoinResult{RoomID: roomID, EventID: ev.EventID(), JoinedVia: dest}, nil
}

// importRoomState persists a freshly make_join/send_join-discovered
// room's state as its initial current-state snapshot, allocating a
// room NID on first sight.
func (r *RoomServer) importRoomState(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, roomID string, sendResp fedapi.SendJoinResponse) error {
	roomNID, ok, err := r.DB.RoomNID(ctx, roomID)
	if err != nil {
		return DatabaseError{Op: "select room nid", Err: err}
	}
	if !ok {
		roomNID, err = r.DB.AssignRoomNID(ctx, roomID, string(roomVersion))
		if err != nil {
			return DatabaseError{Op: "assign room nid", Err: err}
		}
	}

	var entries []types.StateEntry
	for _, ev := range sendResp.StateEvents {
		eventNID, err := r.ShortIDs.EventNID(ctx, ev.EventID())
		if err != nil {
			return DatabaseError{Op: "assign event nid", Err: err}
		}
		sk := ""
		if ev.StateKey() != nil {
			sk = *ev.StateKey()
		}
		tuple, err := r.ShortIDs.StateKeyNID(ctx, ev.Type(), sk)
		if err != nil {
			return DatabaseError{Op: "assign state key nid", Err: err}
		}
		raw, jerr := ev.JSON()
		if jerr != nil {
			return fmt.Errorf("internal: marshalling imported event %s: %w", ev.EventID(), jerr)
		}
		var skPtr *string
		if ev.StateKey() != nil {
			v := *ev.StateKey()
			skPtr = &v
		}
		if err := r.DB.PersistEvent(ctx, roomNID, eventNID, ev.EventID(), ev.Type(), skPtr, raw, ev.Depth(), false); err != nil {
			return DatabaseError{Op: "persist imported event", Err: err}
		}
		entries = append(entries, types.StateEntry{StateKeyTuple: tuple, EventNID: eventNID})
	}
	for _, ev := range sendResp.AuthChain {
		eventNID, err := r.ShortIDs.EventNID(ctx, ev.EventID())
		if err != nil {
			return DatabaseError{Op: "assign event nid", Err: err}
		}
		raw, jerr := ev.JSON()
		if jerr != nil {
			continue
		}
		var skPtr *string
		if ev.StateKey() != nil {
			v := *ev.StateKey()
			skPtr = &v
		}
		_ = r.DB.PersistEvent(ctx, roomNID, eventNID, ev.EventID(), ev.Type(), skPtr, raw, ev.Depth(), false)
	}

	snapshot, _, _, err := r.Compressor.Compress(ctx, 0, 0, nil, types.UniqueStateEntries(entries))
	if err != nil {
		return err
	}
	if err := r.DB.SetCurrentStateSnapshot(ctx, roomNID, snapshot); err != nil {
		return DatabaseError{Op: "set current state snapshot", Err: err}
	}
	return nil
}

// graftSignature merges a remote server's signature over ev into ev's
// own signatures map and re-parses the result, the way a restricted
// join's resigning (spec.md §4.3b, v8+) is carried: signatures never
// participate in the reference hash, so this cannot change event_id.
func graftSignature(ev gomatrixserverlib.PDU, roomVersion gomatrixserverlib.RoomVersion, resigned *fedapi.ResignedMembership) (gomatrixserverlib.PDU, error) {
	raw, err := ev.JSON()
	if err != nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	sigs, _ := obj["signatures"].(map[string]interface{})
	if sigs == nil {
		sigs = map[string]interface{}{}
	}
	serverSigs, _ := sigs[string(resigned.ServerName)].(map[string]interface{})
	if serverSigs == nil {
		serverSigs = map[string]interface{}{}
	}
	serverSigs[string(resigned.KeyID)] = resigned.Signature
	sigs[string(resigned.ServerName)] = serverSigs
	obj["signatures"] = sigs

	merged, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return gomatrixserverlib.NewEventFromTrustedJSON(merged, false, roomVersion)
}

func isSupportedRoomVersion(supported []gomatrixserverlib.RoomVersion, v gomatrixserverlib.RoomVersion) bool {
	for _, s := range supported {
		if s == v {
			return true
		}
	}
	return false
}

// parseRoomIDOrAlias splits the candidate server list out of a room
// alias's domain (if roomIDOrAlias is an alias) and merges it with any
// explicit server hints, preserving input order with hints first.
func parseRoomIDOrAlias(roomIDOrAlias string, hints []spec.ServerName) (roomID string, candidates []spec.ServerName) {
	candidates = append(candidates, hints...)
	if len(roomIDOrAlias) > 0 && roomIDOrAlias[0] == '#' {
		// Alias resolution against the directory is out of scope here;
		// callers are expected to have already resolved aliases to room
		// ids before calling PerformJoin, so this is a defensive no-op
		// pass-through.
		return roomIDOrAlias, candidates
	}
	if _, server, err := gomatrixserverlib.SplitID('!', roomIDOrAlias); err == nil {
		candidates = append(candidates, server)
	}
	return roomIDOrAlias, candidates
}
