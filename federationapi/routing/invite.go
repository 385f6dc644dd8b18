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

// inviteV2Request is the PUT /_matrix/federation/v2/invite/{roomID}/{eventID}
// body: the event itself plus the room version needed to parse it and
// the stripped state handed to the invitee's client.
type inviteV2Request struct {
	Event           json.RawMessage                           `json:"event"`
	RoomVersion     gomatrixserverlib.RoomVersion              `json:"room_version"`
	InviteRoomState []gomatrixserverlib.InviteV2StrippedState `json:"invite_room_state"`
}

// Invite implements PUT /_matrix/federation/v2/invite/{roomID}/{eventID}
// (spec.md §4.3c, §6). An invite is accepted on the strength of the
// sending server's signature alone, not a full auth_check against a
// room state we may not hold any of yet.
func Invite(
	ctx context.Context,
	origin spec.ServerName,
	roomID, eventID string,
	body []byte,
	keys interface {
		VerifyEventSignatures(ctx context.Context, events []gomatrixserverlib.PDU) error
	},
	rsAPI roomserverapi.RoomServerInternalAPI,
) util.JSONResponse {
	var req inviteV2Request
	if err := json.Unmarshal(body, &req); err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("invalid invite request body: " + err.Error())}
	}

	event, err := gomatrixserverlib.NewEventFromUntrustedJSON(req.Event, req.RoomVersion)
	if err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("invalid invite event: " + err.Error())}
	}
	if event.EventID() != eventID {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("event id in body does not match path")}
	}
	if event.RoomID() != roomID {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("room id in body does not match path")}
	}

	if err := keys.VerifyEventSignatures(ctx, []gomatrixserverlib.PDU{event}); err != nil {
		return util.JSONResponse{Code: http.StatusForbidden, JSON: spec.Forbidden("invite signature verification failed: " + err.Error())}
	}

	if err := rsAPI.HandleInvite(ctx, event); err != nil {
		return handleMembershipError(err)
	}
	raw, err := event.JSON()
	if err != nil {
		raw = []byte("{}")
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{"event": json.RawMessage(raw)},
	}
}

// handleMembershipError maps the room server's error taxonomy (spec.md
// §7) onto the JSON response contract federation callers expect; shared
// by every routing handler that calls through RoomServerInternalAPI.
func handleMembershipError(err error) util.JSONResponse {
	switch e := err.(type) {
	case roomserverapi.ForbiddenError:
		return util.JSONResponse{Code: http.StatusForbidden, JSON: spec.Forbidden(e.Reason)}
	case roomserverapi.NotFoundError:
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound(e.Reason)}
	case roomserverapi.BadStateError:
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON(e.Reason)}
	case roomserverapi.BadServerResponseError:
		return util.JSONResponse{Code: http.StatusBadGateway, JSON: spec.Unknown(e.Reason)}
	case roomserverapi.DatabaseError:
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	default:
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.Unknown(err.Error())}
	}
}
