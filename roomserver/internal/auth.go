// Copyright 2024 coreroomd contributors
//
// Package internal implements the room server's core operations: the
// membership/join engine (spec.md §4.3), event authorization wrapping
// gomatrixserverlib, and the state-mutation helpers they share.
package internal

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// StateFetcher resolves a single (type, state_key) lookup against a
// state snapshot, the shape auth_check needs as its fetch_state
// closure (spec.md §4.1).
type StateFetcher func(eventType, stateKey string) (gomatrixserverlib.PDU, error)

// AuthCheck runs the pure, deterministic auth_check(room_version,
// event, fetch_state) function described in spec.md §4.1, delegating
// the actual Matrix auth rules to gomatrixserverlib.Allowed. Returns a
// Forbidden-flavoured error on rejection; callers must never retry
// such a failure.
func AuthCheck(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, event gomatrixserverlib.PDU, authEvents gomatrixserverlib.AuthEventProvider) error {
	if err := gomatrixserverlib.Allowed(event, authEvents, userIDForSender); err != nil {
		return fmt.Errorf("forbidden: %w", err)
	}
	return nil
}

// userIDForSender resolves a sender's raw Matrix ID into a parsed
// spec.UserID; recent gomatrixserverlib.Allowed signatures take this
// as a resolver callback so that auth checking does not itself need
// to know about third-party-invite ID-to-MXID mapping.
func userIDForSender(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
	return spec.NewUserID(string(senderID), true)
}
