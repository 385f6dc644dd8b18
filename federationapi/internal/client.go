// Copyright 2024 coreroomd contributors
//
// Package internal adapts gomatrixserverlib/fclient's federation
// transport onto the narrow federationapi/api surfaces the room server
// and outbound sender depend on, so neither needs the full fclient
// API in its test doubles.
package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
)

// FederationClient wraps a fclient.FederationClient, translating its
// raw response types into federationapi/api's MakeJoinResponse /
// SendJoinResponse / MakeLeaveResponse / TransactionResult shapes
// (spec.md §4.3b, §4.5).
type FederationClient struct {
	fc fclient.FederationClient
}

// NewFederationClient constructs the adapter around an already
// signing-identity-configured fclient.FederationClient.
func NewFederationClient(fc fclient.FederationClient) *FederationClient {
	return &FederationClient{fc: fc}
}

// isIncompatibleRoomVersion reports whether err represents a peer
// rejecting every room version we offered (spec.md §4.3b distinguishes
// this from an ordinary transport failure so the join engine's
// attempt-counting loop can give up early instead of retrying).
func isIncompatibleRoomVersion(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "M_INCOMPATIBLE_ROOM_VERSION") ||
		strings.Contains(msg, "M_UNSUPPORTED_ROOM_VERSION")
}

// MakeJoin implements federationapi/api.FederationClient.
func (f *FederationClient) MakeJoin(ctx context.Context, origin, destination spec.ServerName, roomID, userID string, supportedVersions []gomatrixserverlib.RoomVersion) (fedapi.MakeJoinResponse, error) {
	verStrings := make([]string, 0, len(supportedVersions))
	for _, v := range supportedVersions {
		verStrings = append(verStrings, string(v))
	}
	resp, err := f.fc.MakeJoin(ctx, origin, destination, roomID, userID, verStrings)
	if err != nil {
		if isIncompatibleRoomVersion(err) {
			return fedapi.MakeJoinResponse{}, fedapi.IncompatibleRoomVersionError{Destination: destination}
		}
		return fedapi.MakeJoinResponse{}, fmt.Errorf("federation: make_join %s: %w", destination, err)
	}
	return fedapi.MakeJoinResponse{
		RoomVersion: resp.RoomVersion,
		JoinEvent:   &resp.JoinEvent,
	}, nil
}

// SendJoin implements federationapi/api.FederationClient.
func (f *FederationClient) SendJoin(ctx context.Context, origin, destination spec.ServerName, event gomatrixserverlib.PDU) (fedapi.SendJoinResponse, error) {
	resp, err := f.fc.SendJoin(ctx, origin, destination, event)
	if err != nil {
		return fedapi.SendJoinResponse{}, fmt.Errorf("federation: send_join %s: %w", destination, err)
	}

	out := fedapi.SendJoinResponse{
		StateEvents: resp.StateEvents.UntrustedEvents(event.Version()),
		AuthChain:   resp.AuthEvents.UntrustedEvents(event.Version()),
	}
	if resigned, ok := findResignedSignature(resp, event, destination); ok {
		out.Resigned = resigned
	}
	return out, nil
}

// findResignedSignature extracts the remote's signature over our own
// join event, present on v8+ restricted joins where the resident
// server countersigns before relaying to the room (spec.md §4.3b).
// It reads the signed event the remote returns in the send_join
// response and reports false when that event is absent or carries no
// signature from destination.
func findResignedSignature(resp fclient.RespSendJoin, event gomatrixserverlib.PDU, destination spec.ServerName) (*fedapi.ResignedMembership, bool) {
	if len(resp.Event) == 0 {
		return nil, false
	}
	var signed struct {
		Signatures map[spec.ServerName]map[gomatrixserverlib.KeyID]string `json:"signatures"`
	}
	if err := json.Unmarshal(resp.Event, &signed); err != nil {
		return nil, false
	}
	for keyID, sig := range signed.Signatures[destination] {
		return &fedapi.ResignedMembership{
			EventID:    event.EventID(),
			ServerName: destination,
			KeyID:      keyID,
			Signature:  sig,
		}, true
	}
	return nil, false
}

// MakeLeave implements federationapi/api.FederationClient.
func (f *FederationClient) MakeLeave(ctx context.Context, origin, destination spec.ServerName, roomID, userID string) (fedapi.MakeLeaveResponse, error) {
	resp, err := f.fc.MakeLeave(ctx, origin, destination, roomID, userID)
	if err != nil {
		return fedapi.MakeLeaveResponse{}, fmt.Errorf("federation: make_leave %s: %w", destination, err)
	}
	return fedapi.MakeLeaveResponse{
		RoomVersion: resp.RoomVersion,
		LeaveEvent:  &resp.LeaveEvent,
	}, nil
}

// SendLeave implements federationapi/api.FederationClient.
func (f *FederationClient) SendLeave(ctx context.Context, origin, destination spec.ServerName, event gomatrixserverlib.PDU) error {
	if err := f.fc.SendLeave(ctx, origin, destination, event); err != nil {
		return fmt.Errorf("federation: send_leave %s: %w", destination, err)
	}
	return nil
}

// SendInvite implements federationapi/api.FederationClient.
func (f *FederationClient) SendInvite(ctx context.Context, origin, destination spec.ServerName, event gomatrixserverlib.PDU) (gomatrixserverlib.PDU, error) {
	resp, err := f.fc.SendInvite(ctx, origin, destination, event)
	if err != nil {
		return nil, fmt.Errorf("federation: invite %s: %w", destination, err)
	}
	signed, err := resp.Event.UntrustedEvent(event.Version())
	if err != nil {
		return nil, fmt.Errorf("federation: invite %s: parsing signed event: %w", destination, err)
	}
	return signed, nil
}

// GetEvent implements federationapi/api.FederationClient.
func (f *FederationClient) GetEvent(ctx context.Context, origin, destination spec.ServerName, eventID string) (gomatrixserverlib.PDU, error) {
	resp, err := f.fc.GetEvent(ctx, origin, destination, eventID)
	if err != nil {
		return nil, fmt.Errorf("federation: get_event %s: %w", destination, err)
	}
	events := resp.PDUs
	if len(events) == 0 {
		return nil, fmt.Errorf("federation: get_event %s: empty response", destination)
	}
	return events[0], nil
}

// SendTransaction implements federationapi/api.TransactionClient.
func (f *FederationClient) SendTransaction(ctx context.Context, txn gomatrixserverlib.Transaction) (fedapi.TransactionResult, error) {
	resp, err := f.fc.SendTransaction(ctx, txn)
	if err != nil {
		return fedapi.TransactionResult{}, fmt.Errorf("federation: send_transaction %s: %w", txn.Destination, err)
	}
	out := fedapi.TransactionResult{PDUErrors: make(map[string]string, len(resp.PDUs))}
	for eventID, result := range resp.PDUs {
		if result.Error != "" {
			out.PDUErrors[eventID] = result.Error
		}
	}
	return out, nil
}
