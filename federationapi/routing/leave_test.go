// Copyright 2024 coreroomd contributors
package routing

import (
	"context"
	"net/http"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

type fakeLeaveRoomServerAPI struct {
	roomserverapi.RoomServerInternalAPI

	proto           *gomatrixserverlib.ProtoEvent
	roomVersion     gomatrixserverlib.RoomVersion
	makeLeaveErr    error
	sendLeaveErr    error
	sendLeaveEvents []gomatrixserverlib.PDU
}

func (f *fakeLeaveRoomServerAPI) MakeLeaveTemplate(_ context.Context, _, _ string) (*gomatrixserverlib.ProtoEvent, gomatrixserverlib.RoomVersion, error) {
	return f.proto, f.roomVersion, f.makeLeaveErr
}

func (f *fakeLeaveRoomServerAPI) QueryRoomVersion(_ context.Context, _ string) (gomatrixserverlib.RoomVersion, error) {
	return f.roomVersion, nil
}

func (f *fakeLeaveRoomServerAPI) SendLeaveEvent(_ context.Context, event gomatrixserverlib.PDU) error {
	f.sendLeaveEvents = append(f.sendLeaveEvents, event)
	return f.sendLeaveErr
}

func TestMakeLeaveReturnsTemplate(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeLeaveRoomServerAPI{proto: &gomatrixserverlib.ProtoEvent{}, roomVersion: gomatrixserverlib.RoomVersionV10}

	resp := MakeLeave(context.Background(), "!a:x", "@u:y", rsAPI)

	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMakeLeaveMapsNotFound(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeLeaveRoomServerAPI{makeLeaveErr: roomserverapi.NotFoundError{Reason: "no such room"}}

	resp := MakeLeave(context.Background(), "!a:x", "@u:y", rsAPI)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

// TestSendLeaveRejectsMismatchedRoomID covers an event whose own
// room_id doesn't match the request path.
func TestSendLeaveRejectsMismatchedRoomID(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeLeaveRoomServerAPI{roomVersion: gomatrixserverlib.RoomVersionV10}

	event, err := gomatrixserverlib.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10).NewEventFromTrustedJSON([]byte(testLeaveEventJSON), false)
	require.NoError(t, err)

	resp := SendLeave(context.Background(), "!different:x", event.EventID(), []byte(testLeaveEventJSON), rsAPI)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, rsAPI.sendLeaveEvents)
}

// TestSendLeaveReturnsEmptyObjectOnSuccess covers the ack shape: success
// is reported as an empty JSON object.
func TestSendLeaveReturnsEmptyObjectOnSuccess(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeLeaveRoomServerAPI{roomVersion: gomatrixserverlib.RoomVersionV10}

	event, err := gomatrixserverlib.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10).NewEventFromTrustedJSON([]byte(testLeaveEventJSON), false)
	require.NoError(t, err)

	resp := SendLeave(context.Background(), "!a:x", event.EventID(), []byte(testLeaveEventJSON), rsAPI)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, struct{}{}, resp.JSON)
	assert.Len(t, rsAPI.sendLeaveEvents, 1)
}

const testLeaveEventJSON = `{
	"type":"m.room.member",
	"state_key":"@u:origin.example",
	"sender":"@u:origin.example",
	"room_id":"!a:x",
	"content":{"membership":"leave"},
	"auth_events":[],
	"prev_events":[],
	"depth":3,
	"origin_server_ts":1000000
}`
