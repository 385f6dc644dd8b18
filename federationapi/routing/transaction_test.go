// Copyright 2024 coreroomd contributors
package routing

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

// fakeRoomServerAPI embeds the interface so a test only needs to
// implement the handful of methods the handler under test calls,
// the same minimal-mock shape the teacher's federation routing tests use.
type fakeRoomServerAPI struct {
	roomserverapi.RoomServerInternalAPI

	roomVersion    gomatrixserverlib.RoomVersion
	roomVersionErr error
	inputErr       error
	inputEvents    []gomatrixserverlib.PDU
}

func (f *fakeRoomServerAPI) QueryRoomVersion(_ context.Context, _ string) (gomatrixserverlib.RoomVersion, error) {
	return f.roomVersion, f.roomVersionErr
}

func (f *fakeRoomServerAPI) InputRoomEvent(_ context.Context, event gomatrixserverlib.PDU) error {
	f.inputEvents = append(f.inputEvents, event)
	return f.inputErr
}

func TestValidateTransactionLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		pduCount  int
		eduCount  int
		shouldErr bool
	}{
		{"within both limits", 10, 10, false},
		{"exactly at PDU limit", maxPDUsPerTransaction, 0, false},
		{"one over PDU limit", maxPDUsPerTransaction + 1, 0, true},
		{"exactly at EDU limit", 0, maxEDUsPerTransaction, false},
		{"one over EDU limit", 0, maxEDUsPerTransaction + 1, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTransactionLimits(tt.pduCount, tt.eduCount)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerateTransactionKeyIsStableAndUnique(t *testing.T) {
	t.Parallel()

	a := GenerateTransactionKey("origin.example", "txn1")
	b := GenerateTransactionKey("origin.example", "txn1")
	assert.Equal(t, a, b)

	c := GenerateTransactionKey("origin.example", "txn2")
	assert.NotEqual(t, a, c)

	d := GenerateTransactionKey("other.example", "txn1")
	assert.NotEqual(t, a, d)
}

// TestProcessIncomingPDUMissingRoomID covers a malformed PDU that never
// reaches the room server at all.
func TestProcessIncomingPDUMissingRoomID(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeRoomServerAPI{}

	eventID, result := processIncomingPDU(context.Background(), json.RawMessage(`{}`), rsAPI)

	assert.Empty(t, eventID)
	assert.Contains(t, result.Error, "missing room_id")
}

// TestProcessIncomingPDUUnknownRoom covers a PDU for a room this server
// doesn't have a version for on record.
func TestProcessIncomingPDUUnknownRoom(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeRoomServerAPI{roomVersionErr: assertErr("no such room")}

	eventID, result := processIncomingPDU(context.Background(), json.RawMessage(`{"room_id":"!a:x"}`), rsAPI)

	assert.Empty(t, eventID)
	assert.Contains(t, result.Error, "unknown room")
}

// TestProcessIncomingPDUAppendsKnownGoodEvent covers the success path:
// a well-formed PDU for a known room version is parsed and handed to
// InputRoomEvent, with no error reported back to the origin.
func TestProcessIncomingPDUAppendsKnownGoodEvent(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeRoomServerAPI{roomVersion: gomatrixserverlib.RoomVersionV10}

	eventID, result := processIncomingPDU(context.Background(), json.RawMessage(testPDUJSON), rsAPI)

	require.NotEmpty(t, eventID)
	assert.Empty(t, result.Error)
	assert.Len(t, rsAPI.inputEvents, 1)
}

// TestProcessIncomingPDUInputRoomEventFails covers InputRoomEvent
// rejecting an otherwise well-formed event (e.g. auth_check failure):
// the error is reported per-event rather than failing the transaction.
func TestProcessIncomingPDUInputRoomEventFails(t *testing.T) {
	t.Parallel()
	rsAPI := &fakeRoomServerAPI{roomVersion: gomatrixserverlib.RoomVersionV10, inputErr: assertErr("not authorized")}

	eventID, result := processIncomingPDU(context.Background(), json.RawMessage(testPDUJSON), rsAPI)

	require.NotEmpty(t, eventID)
	assert.Equal(t, "not authorized", result.Error)
}

const testPDUJSON = `{
	"type":"m.room.message",
	"sender":"@test:origin",
	"room_id":"!a:x",
	"content":{},
	"auth_events":[],
	"prev_events":[],
	"depth":1,
	"origin_server_ts":1000000
}`

type assertErr string

func (e assertErr) Error() string { return string(e) }
