// Copyright 2024 coreroomd contributors
//
// Package api declares the narrow federation-client surface the room
// server depends on for the join/leave/invite handshakes (spec.md
// §4.3), independent of the full gomatrixserverlib/fclient.Client so
// that roomserver/internal can be tested against a fake.
package api

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// IncompatibleRoomVersionError is returned by MakeJoin when
// the peer rejects every room version we support with
// M_INCOMPATIBLE_ROOM_VERSION or M_UNSUPPORTED_ROOM_VERSION, so the
// membership engine's attempt-counting loop (spec.md §4.3b) can tell
// this apart from an ordinary transport failure.
type IncompatibleRoomVersionError struct {
	Destination spec.ServerName
}

func (e IncompatibleRoomVersionError) Error() string {
	return fmt.Sprintf("federation: %s rejected every supported room version", e.Destination)
}

// MakeJoinResponse is the parsed result of a make_join round trip: an
// unsigned join stub plus the room version it was built for (spec.md
// §4.3b).
type MakeJoinResponse struct {
	RoomVersion gomatrixserverlib.RoomVersion
	JoinEvent   *gomatrixserverlib.ProtoEvent
}

// ResignedMembership carries the v8+ restricted-join resigning
// described in spec.md §4.3b: the remote's signature over our event,
// to be grafted into our own signatures map.
type ResignedMembership struct {
	EventID    string
	ServerName spec.ServerName
	KeyID      gomatrixserverlib.KeyID
	Signature  string // base64, as it appears in the remote's signatures map
}

// SendJoinResponse is the parsed result of a send_join round trip: the
// room state and auth chain needed to import the room, plus an
// optional resigning for restricted joins.
type SendJoinResponse struct {
	StateEvents []gomatrixserverlib.PDU
	AuthChain   []gomatrixserverlib.PDU
	Resigned    *ResignedMembership
}

// MakeLeaveResponse mirrors MakeJoinResponse for the leave handshake.
type MakeLeaveResponse struct {
	RoomVersion  gomatrixserverlib.RoomVersion
	LeaveEvent   *gomatrixserverlib.ProtoEvent
}

// FederationClient is the narrow federation surface the membership
// engine calls directly, grounded on the make_join/send_join/
// make_leave/send_leave/invite handshakes of spec.md §4.3b/c. It is
// implemented by federationapi/internal on top of
// gomatrixserverlib/fclient, kept separate so roomserver/internal can
// be tested against a fake.
type FederationClient interface {
	MakeJoin(ctx context.Context, origin, destination spec.ServerName, roomID, userID string, supportedVersions []gomatrixserverlib.RoomVersion) (MakeJoinResponse, error)
	SendJoin(ctx context.Context, origin, destination spec.ServerName, event gomatrixserverlib.PDU) (SendJoinResponse, error)
	MakeLeave(ctx context.Context, origin, destination spec.ServerName, roomID, userID string) (MakeLeaveResponse, error)
	SendLeave(ctx context.Context, origin, destination spec.ServerName, event gomatrixserverlib.PDU) error
	SendInvite(ctx context.Context, origin, destination spec.ServerName, event gomatrixserverlib.PDU) (gomatrixserverlib.PDU, error)
	GetEvent(ctx context.Context, origin, destination spec.ServerName, eventID string) (gomatrixserverlib.PDU, error)
}

// KeyFetcher verifies PDU signatures against servers' published
// signing keys, applying the bad-event backoff of spec.md §4.4 to
// verification failures.
type KeyFetcher interface {
	VerifyEventSignatures(ctx context.Context, events []gomatrixserverlib.PDU) error
}

// TransactionResult is the parsed response to a send_transaction_message
// round trip: per-PDU processing errors keyed by event ID, returned
// alongside a 200 even when individual PDUs failed (spec.md §4.5).
type TransactionResult struct {
	PDUErrors map[string]string
}

// TransactionClient is the narrow surface the outbound sender uses to
// deliver a composed transaction to one destination (spec.md §4.5
// "POST as a send_transaction_message"), kept separate from
// FederationClient because the sender and the membership engine are
// tested independently.
type TransactionClient interface {
	SendTransaction(ctx context.Context, txn gomatrixserverlib.Transaction) (TransactionResult, error)
}

// PublicKeyStore resolves an origin server's published Ed25519 signing
// key, the way request and event signature verification look keys up
// against /_matrix/key/v2/server or a trusted notary (spec.md §6
// "trusted_servers" / "query_trusted_key_servers_first").
type PublicKeyStore interface {
	FetchKey(ctx context.Context, serverName spec.ServerName, keyID gomatrixserverlib.KeyID) (ed25519.PublicKey, error)
}

// RequestAuthenticator verifies the Authorization: X-Matrix header
// carried by inbound federation requests (spec.md §6), resolving which
// origin server signed the request.
type RequestAuthenticator interface {
	VerifyHTTPRequest(ctx context.Context, req *http.Request, content []byte) (origin spec.ServerName, err error)
}
