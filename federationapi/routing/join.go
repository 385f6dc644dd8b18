// Copyright 2024 coreroomd contributors
package routing

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

// respMakeJoin is the wire shape of GET
// /_matrix/federation/v{1,2}/make_join/{roomID}/{userID}.
type respMakeJoin struct {
	Event       *gomatrixserverlib.ProtoEvent `json:"event"`
	RoomVersion gomatrixserverlib.RoomVersion `json:"room_version"`
}

// MakeJoin implements GET /_matrix/federation/v{1,2}/make_join/{roomID}/{userID}
// (spec.md §4.3b, §6). ver query parameters name the room versions the
// requesting server supports; a v1 request (none given) is treated as
// supporting only room version 1, matching the protocol's default.
func MakeJoin(
	ctx context.Context,
	roomID, userID string,
	supportedVersionStrings []string,
	rsAPI roomserverapi.RoomServerInternalAPI,
) util.JSONResponse {
	supported := make([]gomatrixserverlib.RoomVersion, 0, len(supportedVersionStrings))
	for _, v := range supportedVersionStrings {
		supported = append(supported, gomatrixserverlib.RoomVersion(v))
	}
	if len(supported) == 0 {
		supported = []gomatrixserverlib.RoomVersion{gomatrixserverlib.RoomVersionV1}
	}

	proto, roomVersion, err := rsAPI.MakeJoinTemplate(ctx, roomID, userID, supported)
	if err != nil {
		return handleMembershipError(err)
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: respMakeJoin{Event: proto, RoomVersion: roomVersion},
	}
}

// respSendJoin is the wire shape of PUT
// /_matrix/federation/v{1,2}/send_join/{roomID}/{eventID}.
type respSendJoin struct {
	StateEvents []json.RawMessage `json:"state"`
	AuthChain   []json.RawMessage `json:"auth_chain"`
	Origin      spec.ServerName   `json:"origin"`
}

// SendJoin implements PUT /_matrix/federation/v{1,2}/send_join/{roomID}/{eventID}
// (spec.md §4.3b, §6).
func SendJoin(
	ctx context.Context,
	origin spec.ServerName,
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
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("invalid join event: " + err.Error())}
	}
	if event.EventID() != eventID || event.RoomID() != roomID {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("event id or room id in body does not match path")}
	}

	state, authChain, err := rsAPI.SendJoinEvent(ctx, event)
	if err != nil {
		return handleMembershipError(err)
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: respSendJoin{
			StateEvents: rawEventJSONs(state),
			AuthChain:   rawEventJSONs(authChain),
			Origin:      origin,
		},
	}
}

func rawEventJSONs(events []gomatrixserverlib.PDU) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		raw, err := ev.JSON()
		if err != nil {
			continue
		}
		out = append(out, json.RawMessage(raw))
	}
	return out
}
