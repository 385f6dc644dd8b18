// Copyright 2024 coreroomd contributors
package routing

import (
	"context"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

// respMakeLeave is the wire shape of GET
// /_matrix/federation/v{1,2}/make_leave/{roomID}/{userID}.
type respMakeLeave struct {
	Event       *gomatrixserverlib.ProtoEvent `json:"event"`
	RoomVersion gomatrixserverlib.RoomVersion `json:"room_version"`
}

// MakeLeave implements GET /_matrix/federation/v{1,2}/make_leave/{roomID}/{userID}
// (spec.md §4.3c, §6).
func MakeLeave(
	ctx context.Context,
	roomID, userID string,
	rsAPI roomserverapi.RoomServerInternalAPI,
) util.JSONResponse {
	proto, roomVersion, err := rsAPI.MakeLeaveTemplate(ctx, roomID, userID)
	if err != nil {
		return handleMembershipError(err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: respMakeLeave{Event: proto, RoomVersion: roomVersion},
	}
}

// SendLeave implements PUT /_matrix/federation/v{1,2}/send_leave/{roomID}/{eventID}
// (spec.md §4.3c, §6). The response body is an empty JSON object on
// success.
func SendLeave(
	ctx context.Context,
	roomID, eventID string,
	body []byte,
	rsAPI roomserverapi.RoomServerInternalAPI,
) util.JSONResponse {
	roomVersion, err := rsAPI.QueryRoomVersion(ctx, roomID)
	if err != nil {
		return handleMembershipError(err)
	}

	event, err := gomatrixserverlib.NewEventFromUntrustedJSON(body, roomVersion)
	if err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("invalid leave event: " + err.Error())}
	}
	if event.EventID() != eventID || event.RoomID() != roomID {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("event id or room id in body does not match path")}
	}

	if err := rsAPI.SendLeaveEvent(ctx, event); err != nil {
		return handleMembershipError(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
