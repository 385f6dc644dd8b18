// Copyright 2024 coreroomd contributors
package routing

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

const (
	pathPrefixV1 = "/_matrix/federation/v1"
	pathPrefixV2 = "/_matrix/federation/v2"
)

// federatedHandler is a federation endpoint body, already past
// authentication and rate limiting, with the request body read once
// by federated and handed down rather than re-read per handler.
type federatedHandler func(req *http.Request, origin spec.ServerName, body []byte) util.JSONResponse

// Setup registers the inbound federation HTTP surface (spec.md §6) onto
// externalRouter: /send, make_join/send_join, make_leave/send_leave,
// and /invite, each authenticated against the origin's X-Matrix
// signature and subject to per-origin rate limiting before reaching
// the room server.
func Setup(
	externalRouter *mux.Router,
	rsAPI roomserverapi.RoomServerInternalAPI,
	auth fedapi.RequestAuthenticator,
	keys fedapi.KeyFetcher,
	limits *ServerRateLimits,
) {
	v1mux := externalRouter.PathPrefix(pathPrefixV1).Subrouter()
	v2mux := externalRouter.PathPrefix(pathPrefixV2).Subrouter()

	v1mux.Handle("/send/{txnID}", federated(auth, limits, func(req *http.Request, origin spec.ServerName, body []byte) util.JSONResponse {
		txnID := gomatrixserverlib.TransactionID(mux.Vars(req)["txnID"])
		return Send(req.Context(), origin, txnID, body, rsAPI)
	})).Methods(http.MethodPut)

	makeJoin := func(req *http.Request, origin spec.ServerName, body []byte) util.JSONResponse {
		vars := mux.Vars(req)
		return MakeJoin(req.Context(), vars["roomID"], vars["userID"], req.URL.Query()["ver"], rsAPI)
	}
	v1mux.Handle("/make_join/{roomID}/{userID}", federated(auth, limits, makeJoin)).Methods(http.MethodGet)
	v2mux.Handle("/make_join/{roomID}/{userID}", federated(auth, limits, makeJoin)).Methods(http.MethodGet)

	sendJoin := func(req *http.Request, origin spec.ServerName, body []byte) util.JSONResponse {
		vars := mux.Vars(req)
		return SendJoin(req.Context(), origin, vars["roomID"], vars["eventID"], body, rsAPI)
	}
	v1mux.Handle("/send_join/{roomID}/{eventID}", federated(auth, limits, sendJoin)).Methods(http.MethodPut)
	v2mux.Handle("/send_join/{roomID}/{eventID}", federated(auth, limits, sendJoin)).Methods(http.MethodPut)

	makeLeave := func(req *http.Request, origin spec.ServerName, body []byte) util.JSONResponse {
		vars := mux.Vars(req)
		return MakeLeave(req.Context(), vars["roomID"], vars["userID"], rsAPI)
	}
	v1mux.Handle("/make_leave/{roomID}/{userID}", federated(auth, limits, makeLeave)).Methods(http.MethodGet)
	v2mux.Handle("/make_leave/{roomID}/{userID}", federated(auth, limits, makeLeave)).Methods(http.MethodGet)

	sendLeave := func(req *http.Request, origin spec.ServerName, body []byte) util.JSONResponse {
		vars := mux.Vars(req)
		return SendLeave(req.Context(), vars["roomID"], vars["eventID"], body, rsAPI)
	}
	v1mux.Handle("/send_leave/{roomID}/{eventID}", federated(auth, limits, sendLeave)).Methods(http.MethodPut)
	v2mux.Handle("/send_leave/{roomID}/{eventID}", federated(auth, limits, sendLeave)).Methods(http.MethodPut)

	v2mux.Handle("/invite/{roomID}/{eventID}", federated(auth, limits, func(req *http.Request, origin spec.ServerName, body []byte) util.JSONResponse {
		vars := mux.Vars(req)
		return Invite(req.Context(), origin, vars["roomID"], vars["eventID"], body, keys, rsAPI)
	})).Methods(http.MethodPut)
}

// federated wraps a federatedHandler with the request authentication
// and rate limiting every inbound federation endpoint shares (spec.md
// §6, §4.4), reading the body once for both the signature check and
// the handler itself.
func federated(auth fedapi.RequestAuthenticator, limits *ServerRateLimits, f federatedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeJSONResponse(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("failed to read request body")})
			return
		}

		origin, err := auth.VerifyHTTPRequest(req.Context(), req, body)
		if err != nil {
			logrus.WithError(err).Debug("rejecting unauthenticated federation request")
			writeJSONResponse(w, util.JSONResponse{Code: http.StatusForbidden, JSON: spec.Forbidden("authentication failed")})
			return
		}

		if resp := limits.Limit(req, origin); resp != nil {
			writeJSONResponse(w, *resp)
			return
		}

		writeJSONResponse(w, f(req, origin, body))
	}
}

func writeJSONResponse(w http.ResponseWriter, resp util.JSONResponse) {
	body, err := json.Marshal(resp.JSON)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_, _ = w.Write(body)
}
