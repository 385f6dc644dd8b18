// Copyright 2024 coreroomd contributors
package routing

import (
	"context"
	"net/http"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

type fakeJoinRoomServerAPI struct {
	roomserverapi.RoomServerInternalAPI

	proto          *gomatrixserverlib.ProtoEvent
	roomVersion    gomatrixserverlib.RoomVersion
	makeJoinErr    error
	sentVersions   []gomatrixserverlib.RoomVersion
	state          []gomatrixserverlib.PDU
	authChain      []gomatrixserverlib.PDU
	sendJoinErr    error
	sendJoinEvents []gomatrixserverlib.PDU
}

func (f *fakeJoinRoomServerAPI) MakeJoinTemplate(_ context.Context, _, _ string, supported []gomatrixserverlib.RoomVersion) (*gomatrixserverlib.ProtoEvent, gomatrixserverlib.RoomVersion, error) {
	f.sentVersions = supported
	return f.proto, f.roomVersion, f.makeJoinErr
}

func (f *fakeJoinRoomServerAPI) QueryRoomVersion(_ context.Context, _ string) (gomatrixserverlib.RoomVersion, error) {
	return f.roomVersion, nil
}

func (f *fakeJoinRoomServerAPI) SendJoinEvent(_ context.Context, event gomatrixserverlib.PDU) ([]gomatrixserverlib.PDU, []gomatrixserverlib.PDU, error) {
	f.sendJoinEvents = append(f.sendJoinEvents, event)
	return f.state, f.authChain, f.sendJoinErr
}

// TestMakeJoinDefaultsToRoomVersion1 covers the v1 make_join case: no
// ?ver= query parameters means the requester is treated as only
// understanding room version 1.
func TestMakeJoinDefaultsToRoomVersion1(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeJoinRoomServerAPI{proto: &gomatrixserverlib.ProtoEvent{}, roomVersion: gomatrixserverlib.RoomVersionV1}

	resp := MakeJoin(context.Background(), "!a:x", "@u:y", nil, rsAPI)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, []gomatrixserverlib.RoomVersion{gomatrixserverlib.RoomVersionV1}, rsAPI.sentVersions)
}

// TestMakeJoinPassesThroughSupportedVersions covers the v2 case where
// the remote names the versions it understands.
func TestMakeJoinPassesThroughSupportedVersions(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeJoinRoomServerAPI{proto: &gomatrixserverlib.ProtoEvent{}, roomVersion: gomatrixserverlib.RoomVersionV10}

	resp := MakeJoin(context.Background(), "!a:x", "@u:y", []string{"9", "10"}, rsAPI)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []gomatrixserverlib.RoomVersion{"9", "10"}, rsAPI.sentVersions)
}

// TestMakeJoinMapsRoomServerError covers a room the requester isn't
// allowed to join, surfaced through handleMembershipError.
func TestMakeJoinMapsRoomServerError(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeJoinRoomServerAPI{makeJoinErr: roomserverapi.ForbiddenError{Reason: "not allowed"}}

	resp := MakeJoin(context.Background(), "!a:x", "@u:y", nil, rsAPI)

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

// TestSendJoinRejectsMismatchedIDs covers the defensive check that the
// signed join event's own room/event ids match the request path.
func TestSendJoinRejectsMismatchedIDs(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeJoinRoomServerAPI{roomVersion: gomatrixserverlib.RoomVersionV10}

	resp := SendJoin(context.Background(), spec.ServerName("origin.example"), "!a:x", "$wrong", []byte(testJoinEventJSON), rsAPI)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, rsAPI.sendJoinEvents)
}

// TestSendJoinAcceptsMatchingEvent covers the happy path: a
// well-formed, id-matching join event is handed to SendJoinEvent and
// its resulting state/auth chain are serialized into the response.
func TestSendJoinAcceptsMatchingEvent(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeJoinRoomServerAPI{roomVersion: gomatrixserverlib.RoomVersionV10}

	event, err := gomatrixserverlib.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10).NewEventFromTrustedJSON([]byte(testJoinEventJSON), false)
	require.NoError(t, err)

	resp := SendJoin(context.Background(), spec.ServerName("origin.example"), "!a:x", event.EventID(), []byte(testJoinEventJSON), rsAPI)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, rsAPI.sendJoinEvents, 1)
	assert.Equal(t, event.EventID(), rsAPI.sendJoinEvents[0].EventID())
}

const testJoinEventJSON = `{
	"type":"m.room.member",
	"state_key":"@u:origin.example",
	"sender":"@u:origin.example",
	"room_id":"!a:x",
	"content":{"membership":"join"},
	"auth_events":[],
	"prev_events":[],
	"depth":2,
	"origin_server_ts":1000000
}`
