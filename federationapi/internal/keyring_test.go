// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKeyStore answers FetchKey from an in-memory map, or fails with
// errNotPublished when the (server, key id) pair isn't present.
type fakeKeyStore struct {
	keys  map[string]ed25519.PublicKey
	calls int
}

var errNotPublished = errors.New("key not published")

func (f *fakeKeyStore) FetchKey(_ context.Context, serverName spec.ServerName, keyID gomatrixserverlib.KeyID) (ed25519.PublicKey, error) {
	f.calls++
	if key, ok := f.keys[string(serverName)+"/"+string(keyID)]; ok {
		return key, nil
	}
	return nil, errNotPublished
}

// fakeBackoff is an in-memory BadEventRatelimiter double: eventIDs in
// blocked are refused retry, and every Record call is logged so tests
// can assert on it.
type fakeBackoff struct {
	blocked   map[string]bool
	failures  []string
	successes []string
}

func newFakeBackoff() *fakeBackoff {
	return &fakeBackoff{blocked: map[string]bool{}}
}

func (b *fakeBackoff) ShouldRetry(eventID string) bool { return !b.blocked[eventID] }
func (b *fakeBackoff) RecordFailure(eventID string)    { b.failures = append(b.failures, eventID) }
func (b *fakeBackoff) RecordSuccess(eventID string)    { b.successes = append(b.successes, eventID) }

const testEventJSON = `{
	"type":"m.room.message",
	"sender":"@test:origin",
	"room_id":"!test:origin",
	"content":{},
	"auth_events":[],
	"prev_events":[],
	"depth":1,
	"origin_server_ts":1000000
}`

func unsignedTestEvent(t *testing.T) gomatrixserverlib.PDU {
	t.Helper()
	event, err := gomatrixserverlib.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10).NewEventFromTrustedJSON(
		[]byte(testEventJSON), false,
	)
	require.NoError(t, err)
	return event
}

// TestKeyRingSkipsUnsignedEvents covers the loop in verifyOne: an event
// with no signatures at all (as unsignedTestEvent produces) passes
// through without ever calling the key store, and is recorded as a
// success the same as a verified one would be.
func TestKeyRingSkipsUnsignedEvents(t *testing.T) {
	t.Parallel()

	keys := &fakeKeyStore{keys: map[string]ed25519.PublicKey{}}
	backoff := newFakeBackoff()
	ring := NewKeyRing(keys, backoff)

	event := unsignedTestEvent(t)
	err := ring.VerifyEventSignatures(context.Background(), []gomatrixserverlib.PDU{event})

	require.NoError(t, err)
	assert.Zero(t, keys.calls)
	assert.Contains(t, backoff.successes, event.EventID())
}

// TestKeyRingBackoffBlocksRetry covers spec.md §4.4: once an event id is
// in backoff, VerifyEventSignatures refuses to retry it without
// touching the key store at all.
func TestKeyRingBackoffBlocksRetry(t *testing.T) {
	t.Parallel()

	keys := &fakeKeyStore{keys: map[string]ed25519.PublicKey{}}
	backoff := newFakeBackoff()
	ring := NewKeyRing(keys, backoff)

	event := unsignedTestEvent(t)
	backoff.blocked[event.EventID()] = true

	err := ring.VerifyEventSignatures(context.Background(), []gomatrixserverlib.PDU{event})

	require.Error(t, err)
	assert.Zero(t, keys.calls)
}

// TestKeyRingNilBackoffNeverBlocks confirms NewKeyRing(keys, nil) is a
// legitimate, unthrottled configuration rather than one that panics.
func TestKeyRingNilBackoffNeverBlocks(t *testing.T) {
	t.Parallel()

	keys := &fakeKeyStore{keys: map[string]ed25519.PublicKey{}}
	ring := NewKeyRing(keys, nil)

	event := unsignedTestEvent(t)
	err := ring.VerifyEventSignatures(context.Background(), []gomatrixserverlib.PDU{event})

	assert.NoError(t, err)
}
