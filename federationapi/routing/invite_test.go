// Copyright 2024 coreroomd contributors
package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

type fakeKeyFetcher struct {
	err error
}

func (f *fakeKeyFetcher) VerifyEventSignatures(_ context.Context, _ []gomatrixserverlib.PDU) error {
	return f.err
}

type fakeInviteRoomServerAPI struct {
	roomserverapi.RoomServerInternalAPI

	handleInviteErr   error
	handleInviteCalls int
}

func (f *fakeInviteRoomServerAPI) HandleInvite(_ context.Context, _ gomatrixserverlib.PDU) error {
	f.handleInviteCalls++
	return f.handleInviteErr
}

func inviteRequestBody(t *testing.T, eventJSON string) []byte {
	t.Helper()
	body, err := json.Marshal(inviteV2Request{
		Event:       json.RawMessage(eventJSON),
		RoomVersion: gomatrixserverlib.RoomVersionV10,
	})
	require.NoError(t, err)
	return body
}

// TestInviteRejectsBadSignature covers accepting an invite on the
// strength of the sender's signature alone (spec.md §4.3c): a
// signature that fails to verify is rejected before HandleInvite is
// ever called, regardless of the room's local state.
func TestInviteRejectsBadSignature(t *testing.T) {
	t.Parallel()
	event, err := gomatrixserverlib.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10).NewEventFromTrustedJSON([]byte(testInviteEventJSON), false)
	require.NoError(t, err)

	keys := &fakeKeyFetcher{err: assertErr("signature mismatch")}
	rsAPI := &fakeInviteRoomServerAPI{}

	resp := Invite(context.Background(), spec.ServerName("origin.example"), "!a:x", event.EventID(), inviteRequestBody(t, testInviteEventJSON), keys, rsAPI)

	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Zero(t, rsAPI.handleInviteCalls)
}

// TestInviteAcceptsVerifiedEvent covers the happy path: a verified
// invite is handed to HandleInvite and echoed back in the response.
func TestInviteAcceptsVerifiedEvent(t *testing.T) {
	t.Parallel()
	event, err := gomatrixserverlib.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10).NewEventFromTrustedJSON([]byte(testInviteEventJSON), false)
	require.NoError(t, err)

	keys := &fakeKeyFetcher{}
	rsAPI := &fakeInviteRoomServerAPI{}

	resp := Invite(context.Background(), spec.ServerName("origin.example"), "!a:x", event.EventID(), inviteRequestBody(t, testInviteEventJSON), keys, rsAPI)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, rsAPI.handleInviteCalls)
}

// TestInviteRejectsMismatchedEventID covers the path-vs-body consistency
// check that runs before signature verification.
func TestInviteRejectsMismatchedEventID(t *testing.T) {
	t.Parallel()
	keys := &fakeKeyFetcher{}
	rsAPI := &fakeInviteRoomServerAPI{}

	resp := Invite(context.Background(), spec.ServerName("origin.example"), "!a:x", "$wrong", inviteRequestBody(t, testInviteEventJSON), keys, rsAPI)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Zero(t, rsAPI.handleInviteCalls)
}

const testInviteEventJSON = `{
	"type":"m.room.member",
	"state_key":"@invitee:dest.example",
	"sender":"@inviter:origin.example",
	"room_id":"!a:x",
	"content":{"membership":"invite"},
	"auth_events":[],
	"prev_events":[],
	"depth":2,
	"origin_server_ts":1000000
}`

// TestHandleMembershipErrorMapsRoomServerErrors covers every branch of
// the room server's error taxonomy (spec.md §7) onto its HTTP status.
func TestHandleMembershipErrorMapsRoomServerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"forbidden", roomserverapi.ForbiddenError{Reason: "no"}, http.StatusForbidden},
		{"not found", roomserverapi.NotFoundError{Reason: "no such room"}, http.StatusNotFound},
		{"bad state", roomserverapi.BadStateError{Reason: "bad"}, http.StatusBadRequest},
		{"bad server response", roomserverapi.BadServerResponseError{Reason: "bad gateway"}, http.StatusBadGateway},
		{"database error", roomserverapi.DatabaseError{Op: "query", Err: assertErr("boom")}, http.StatusInternalServerError},
		{"unknown error", assertErr("mystery"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := handleMembershipError(tt.err)
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}
