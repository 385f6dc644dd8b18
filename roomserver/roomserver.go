// Copyright 2024 coreroomd contributors
//
// Package roomserver is the construction point for the membership and
// event-authorization engine: roomserver/internal is only importable
// from within this tree (Go's internal/ visibility rule), so
// cmd/coreroomd wires everything through NewInternalAPI instead.
package roomserver

import (
	"crypto/ed25519"

	"github.com/matrix-org/gomatrixserverlib"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
	"github.com/coreroom/coreroomd/roomserver/internal"
	"github.com/coreroom/coreroomd/roomserver/state"
	"github.com/coreroom/coreroomd/roomserver/storage/shared"
	"github.com/coreroom/coreroomd/setup/config"
	"github.com/coreroom/coreroomd/setup/mutexes"
)

// NewInternalAPI builds the room server: current-state tracking backed
// by db, the membership engine of spec.md §4.3, and the event
// authorization of §4.1, signing outbound PDUs with signingKey/keyID
// and verifying inbound ones through keys.
//
// Resolver is left unset: InputRoomEvent requires every prev_events
// entry to already be known locally and HandleInvite only appends into
// an already-known room, so current state here never actually forks
// and state.Resolver has no caller to wire it to (see DESIGN.md).
func NewInternalAPI(
	cfg *config.Config,
	db *shared.Database,
	fedClient fedapi.FederationClient,
	keys fedapi.KeyFetcher,
	signingKey ed25519.PrivateKey,
	keyID gomatrixserverlib.KeyID,
) roomserverapi.RoomServerInternalAPI {
	return &internal.RoomServer{
		Cfg:        cfg,
		DB:         db,
		ShortIDs:   state.NewShortIDs(db),
		Compressor: state.NewCompressor(db, cfg.RoomServer.StateCompressionBranchingFactor),
		Mutexes:    mutexes.NewTable(),
		FedClient:  fedClient,
		Keys:       keys,
		SigningKey: signingKey,
		KeyID:      keyID,
	}
}
