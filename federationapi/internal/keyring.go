// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
	"github.com/coreroom/coreroomd/internal/caching"
)

// BadEventRatelimiter is the narrow surface KeyRing needs from
// internal/caching's process-wide backoff map (spec.md §4.4), kept as
// an interface so this package doesn't import caching's concrete type
// for anything but the one implementation that exists.
type BadEventRatelimiter interface {
	ShouldRetry(eventID string) bool
	RecordFailure(eventID string)
	RecordSuccess(eventID string)
}

var _ BadEventRatelimiter = (*caching.BadEventRatelimiter)(nil)

// KeyRing implements federationapi/api.KeyFetcher: it verifies a PDU's
// signatures against its signers' published keys, resolved through
// keys, and applies the bad-event backoff of spec.md §4.4 so an event
// whose signatures keep failing to verify isn't re-verified every time
// it arrives; the backoff is keyed by event id, not by server.
type KeyRing struct {
	keys    fedapi.PublicKeyStore
	backoff BadEventRatelimiter
}

// NewKeyRing constructs a KeyRing. backoff may be nil, in which case
// every verification attempt proceeds unthrottled.
func NewKeyRing(keys fedapi.PublicKeyStore, backoff BadEventRatelimiter) *KeyRing {
	return &KeyRing{keys: keys, backoff: backoff}
}

// VerifyEventSignatures implements federationapi/api.KeyFetcher.
func (k *KeyRing) VerifyEventSignatures(ctx context.Context, events []gomatrixserverlib.PDU) error {
	for _, event := range events {
		if err := k.verifyOne(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeyRing) verifyOne(ctx context.Context, event gomatrixserverlib.PDU) error {
	eventID := event.EventID()
	if k.backoff != nil && !k.backoff.ShouldRetry(eventID) {
		return fmt.Errorf("federation: %s is backed off pending retry after a prior signature failure", eventID)
	}

	signable, err := signableEventJSON(event)
	if err != nil {
		if k.backoff != nil {
			k.backoff.RecordFailure(eventID)
		}
		return fmt.Errorf("federation: preparing %s for signature verification: %w", eventID, err)
	}

	for serverName, sigsByKeyID := range event.Signatures() {
		for keyID := range sigsByKeyID {
			pubKey, err := k.keys.FetchKey(ctx, serverName, keyID)
			if err != nil {
				if k.backoff != nil {
					k.backoff.RecordFailure(eventID)
				}
				return fmt.Errorf("federation: fetching key %s/%s for %s: %w", serverName, keyID, eventID, err)
			}
			if err := gomatrixserverlib.VerifyJSON(serverName, keyID, pubKey, signable); err != nil {
				if k.backoff != nil {
					k.backoff.RecordFailure(eventID)
				}
				return fmt.Errorf("federation: signature verification failed for %s on %s: %w", serverName, eventID, err)
			}
		}
	}

	if k.backoff != nil {
		k.backoff.RecordSuccess(eventID)
	}
	return nil
}

// signableEventJSON returns the bytes VerifyJSON checks a PDU's
// signature entries against: the event's JSON with "unsigned" removed
// but "signatures" left in place, matching the object VerifyJSON is
// already called against for request authentication (the signature it
// is asked to check is itself one of the entries present in the blob).
func signableEventJSON(event gomatrixserverlib.PDU) ([]byte, error) {
	raw, err := event.JSON()
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "unsigned")
	return json.Marshal(fields)
}

var _ fedapi.KeyFetcher = (*KeyRing)(nil)
