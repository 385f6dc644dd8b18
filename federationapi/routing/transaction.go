// Copyright 2024 coreroomd contributors
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

var (
	pduCountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coreroomd",
			Subsystem: "federationapi",
			Name:      "recv_pdus",
			Help:      "Number of incoming PDUs from remote servers, labelled by outcome",
		},
		[]string{"outcome"},
	)
	eduCountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coreroomd",
			Subsystem: "federationapi",
			Name:      "recv_edus",
			Help:      "Number of incoming EDUs from remote servers",
		},
	)
)

func init() {
	prometheus.MustRegister(pduCountTotal, eduCountTotal)
}

// ValidateTransactionLimits enforces the wire limits a /send transaction
// may carry (spec.md §6), independent of the smaller per-outbound-
// transaction caps the sender composes against.
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > maxPDUsPerTransaction {
		return fmt.Errorf("transaction PDU count %d exceeds limit of %d", pduCount, maxPDUsPerTransaction)
	}
	if eduCount > maxEDUsPerTransaction {
		return fmt.Errorf("transaction EDU count %d exceeds limit of %d", eduCount, maxEDUsPerTransaction)
	}
	return nil
}

// GenerateTransactionKey builds the deduplication key a transaction is
// tracked under: origin and transaction id are server-scoped, so the
// null byte separator rules out any ambiguity a plain concatenation
// could introduce.
func GenerateTransactionKey(origin spec.ServerName, txnID gomatrixserverlib.TransactionID) string {
	return string(origin) + "\000" + string(txnID)
}

// transactionContent is the wire shape of a /send request body: PDUs
// arrive as raw JSON (their room version isn't known until we look up
// the room they claim to belong to) while EDUs parse directly.
type transactionContent struct {
	PDUs []json.RawMessage       `json:"pdus"`
	EDUs []gomatrixserverlib.EDU `json:"edus"`
}

// Send implements PUT /_matrix/federation/v1/send/{txnID} (spec.md §6,
// §4.1). Each PDU is appended independently through
// RoomServerInternalAPI.InputRoomEvent; per-PDU failures are reported in
// the response body rather than failing the whole transaction, the way
// send_transaction_message's result is designed to let the sender clean
// up whatever did succeed (spec.md §4.5).
func Send(
	ctx context.Context,
	origin spec.ServerName,
	txnID gomatrixserverlib.TransactionID,
	body []byte,
	rsAPI roomserverapi.RoomServerInternalAPI,
) util.JSONResponse {
	var content transactionContent
	if err := json.Unmarshal(body, &content); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("the transaction body could not be decoded as JSON: " + err.Error()),
		}
	}
	if err := ValidateTransactionLimits(len(content.PDUs), len(content.EDUs)); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON(err.Error()),
		}
	}

	logrus.WithFields(logrus.Fields{
		"origin": origin,
		"txn_id": txnID,
		"pdus":   len(content.PDUs),
		"edus":   len(content.EDUs),
	}).Debug("processing inbound federation transaction")

	pduResults := make(map[string]gomatrixserverlib.PDUResult, len(content.PDUs))
	for _, raw := range content.PDUs {
		eventID, result := processIncomingPDU(ctx, raw, rsAPI)
		if eventID != "" {
			pduResults[eventID] = result
		}
		if result.Error == "" {
			pduCountTotal.WithLabelValues("ok").Inc()
		} else {
			pduCountTotal.WithLabelValues("fail").Inc()
		}
	}

	// EDU handling (typing, receipts, presence, device lists) is an
	// external collaborator this repository does not implement; they
	// are acknowledged but otherwise dropped.
	eduCountTotal.Add(float64(len(content.EDUs)))

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: gomatrixserverlib.RespSend{PDUs: pduResults},
	}
}

// processIncomingPDU parses one transaction PDU against its room's
// known version and appends it, returning the event id (best-effort,
// for error reporting) and the outcome to report back to the origin.
func processIncomingPDU(ctx context.Context, raw json.RawMessage, rsAPI roomserverapi.RoomServerInternalAPI) (string, gomatrixserverlib.PDUResult) {
	roomID := gjson.GetBytes(raw, "room_id").Str
	if roomID == "" {
		return "", gomatrixserverlib.PDUResult{Error: "missing room_id"}
	}

	roomVersion, err := rsAPI.QueryRoomVersion(ctx, roomID)
	if err != nil {
		return "", gomatrixserverlib.PDUResult{Error: fmt.Sprintf("unknown room %s: %s", roomID, err.Error())}
	}

	event, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
	if err != nil {
		return "", gomatrixserverlib.PDUResult{Error: fmt.Sprintf("parsing event: %s", err.Error())}
	}

	if err := rsAPI.InputRoomEvent(ctx, event); err != nil {
		return event.EventID(), gomatrixserverlib.PDUResult{Error: err.Error()}
	}
	return event.EventID(), gomatrixserverlib.PDUResult{}
}
