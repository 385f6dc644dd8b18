// Copyright 2024 coreroomd contributors
package queue

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/require"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
	"github.com/coreroom/coreroomd/federationapi/storage/shared"
	"github.com/coreroom/coreroomd/federationapi/storage/tables"
	"github.com/coreroom/coreroomd/federationapi/types"
	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/setup/config"
)

// memoryRetryState is a minimal tables.RetryState fake.
type memoryRetryState struct {
	mu    sync.Mutex
	state map[spec.ServerName]types.RetryState
}

func newMemoryRetryState() *memoryRetryState {
	return &memoryRetryState{state: make(map[spec.ServerName]types.RetryState)}
}

func (m *memoryRetryState) UpsertRetryState(_ context.Context, _ *sql.Tx, s spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[s] = types.RetryState{FailureCount: failureCount, RetryUntil: retryUntil}
	return nil
}
func (m *memoryRetryState) SelectRetryState(_ context.Context, _ *sql.Tx, s spec.ServerName) (uint32, spec.Timestamp, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.state[s]
	return rs.FailureCount, rs.RetryUntil, ok, nil
}
func (m *memoryRetryState) SelectAllRetryStates(context.Context, *sql.Tx) (map[spec.ServerName]types.RetryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[spec.ServerName]types.RetryState, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out, nil
}
func (m *memoryRetryState) DeleteRetryState(_ context.Context, _ *sql.Tx, s spec.ServerName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, s)
	return nil
}

// memoryBlacklist is a minimal tables.Blacklist fake; empty by default.
type memoryBlacklist struct {
	mu      sync.Mutex
	servers map[spec.ServerName]struct{}
}

func newMemoryBlacklist() *memoryBlacklist {
	return &memoryBlacklist{servers: make(map[spec.ServerName]struct{})}
}
func (m *memoryBlacklist) InsertBlacklist(_ context.Context, _ *sql.Tx, s spec.ServerName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[s] = struct{}{}
	return nil
}
func (m *memoryBlacklist) SelectBlacklisted(_ context.Context, _ *sql.Tx, s spec.ServerName) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.servers[s]
	return ok, nil
}
func (m *memoryBlacklist) DeleteBlacklist(_ context.Context, _ *sql.Tx, s spec.ServerName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, s)
	return nil
}
func (m *memoryBlacklist) DeleteAllBlacklist(context.Context, *sql.Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = make(map[spec.ServerName]struct{})
	return nil
}

// memoryQueueJSON is a minimal tables.QueueJSON fake, an in-memory
// content-addressed blob store keyed by an incrementing nid.
type memoryQueueJSON struct {
	mu    sync.Mutex
	next  int64
	blobs map[int64][]byte
}

func newMemoryQueueJSON() *memoryQueueJSON {
	return &memoryQueueJSON{blobs: make(map[int64][]byte)}
}
func (m *memoryQueueJSON) InsertQueueJSON(_ context.Context, _ *sql.Tx, json []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.blobs[m.next] = json
	return m.next, nil
}
func (m *memoryQueueJSON) SelectQueueJSON(_ context.Context, _ *sql.Tx, nids []int64) (map[int64][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]byte, len(nids))
	for _, nid := range nids {
		out[nid] = m.blobs[nid]
	}
	return out, nil
}
func (m *memoryQueueJSON) DeleteQueueJSON(_ context.Context, _ *sql.Tx, nids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nid := range nids {
		delete(m.blobs, nid)
	}
	return nil
}

// memoryQueuePDUs is a minimal tables.QueuePDUs fake.
type memoryQueuePDUs struct {
	mu   sync.Mutex
	rows map[spec.ServerName][]int64
}

func newMemoryQueuePDUs() *memoryQueuePDUs {
	return &memoryQueuePDUs{rows: make(map[spec.ServerName][]int64)}
}
func (m *memoryQueuePDUs) InsertQueuePDU(_ context.Context, _ *sql.Tx, s spec.ServerName, nid int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s] = append(m.rows[s], nid)
	return nil
}
func (m *memoryQueuePDUs) DeleteQueuePDUs(_ context.Context, _ *sql.Tx, s spec.ServerName, nids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int64]bool, len(nids))
	for _, nid := range nids {
		drop[nid] = true
	}
	var kept []int64
	for _, nid := range m.rows[s] {
		if !drop[nid] {
			kept = append(kept, nid)
		}
	}
	m.rows[s] = kept
	return nil
}
func (m *memoryQueuePDUs) SelectQueuePDUs(_ context.Context, _ *sql.Tx, s spec.ServerName, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[s]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]int64, len(rows))
	copy(out, rows)
	return out, nil
}
func (m *memoryQueuePDUs) SelectQueuePDUReferenceCount(_ context.Context, _ *sql.Tx, nid int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, rows := range m.rows {
		for _, r := range rows {
			if r == nid {
				count++
			}
		}
	}
	return count, nil
}
func (m *memoryQueuePDUs) SelectDestinationsWithQueuedPDUs(context.Context, *sql.Tx) ([]spec.ServerName, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []spec.ServerName
	for s, rows := range m.rows {
		if len(rows) > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

// memoryQueueEDUs is a minimal tables.QueueEDUs fake, always empty for
// these tests (EDU composition is exercised via the EDUProvider, not
// this table).
type memoryQueueEDUs struct{}

func (memoryQueueEDUs) InsertQueueEDU(context.Context, *sql.Tx, spec.ServerName, int64) error {
	return nil
}
func (memoryQueueEDUs) DeleteQueueEDUs(context.Context, *sql.Tx, spec.ServerName, []int64) error {
	return nil
}
func (memoryQueueEDUs) SelectQueueEDUs(context.Context, *sql.Tx, spec.ServerName, int) ([]int64, error) {
	return nil, nil
}
func (memoryQueueEDUs) SelectDestinationsWithQueuedEDUs(context.Context, *sql.Tx) ([]spec.ServerName, error) {
	return nil, nil
}

var (
	_ tables.RetryState = (*memoryRetryState)(nil)
	_ tables.Blacklist  = (*memoryBlacklist)(nil)
	_ tables.QueueJSON  = (*memoryQueueJSON)(nil)
	_ tables.QueuePDUs  = (*memoryQueuePDUs)(nil)
	_ tables.QueueEDUs  = memoryQueueEDUs{}
)

func newTestDatabase() *shared.Database {
	return &shared.Database{
		Writer:     sqlutil.NewDummyWriter(),
		RetryState: newMemoryRetryState(),
		Blacklist:  newMemoryBlacklist(),
		QueueJSON:  newMemoryQueueJSON(),
		QueuePDUs:  newMemoryQueuePDUs(),
		QueueEDUs:  memoryQueueEDUs{},
	}
}

// fakeTransactionClient records every transaction sent to it and lets
// a test control whether the next send succeeds or fails.
type fakeTransactionClient struct {
	mu       sync.Mutex
	fail     bool
	sent     []gomatrixserverlib.Transaction
	sentSig  chan struct{}
}

func newFakeTransactionClient() *fakeTransactionClient {
	return &fakeTransactionClient{sentSig: make(chan struct{}, 64)}
}

func (f *fakeTransactionClient) SendTransaction(_ context.Context, txn gomatrixserverlib.Transaction) (fedapi.TransactionResult, error) {
	f.mu.Lock()
	fail := f.fail
	f.sent = append(f.sent, txn)
	f.mu.Unlock()
	f.sentSig <- struct{}{}
	if fail {
		return fedapi.TransactionResult{}, errSendFailed
	}
	return fedapi.TransactionResult{}, nil
}

func (f *fakeTransactionClient) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeTransactionClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type sendFailedError struct{}

func (sendFailedError) Error() string { return "simulated transport failure" }

var errSendFailed error = sendFailedError{}

func waitForSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transaction attempt")
	}
}

// TestSendPDUDeliversOnFirstAttempt covers S1-style delivery: a fresh
// event queued for an idle destination is sent without manual
// intervention, and the row is cleaned up afterwards.
func TestSendPDUDeliversOnFirstAttempt(t *testing.T) {
	db := newTestDatabase()
	client := newFakeTransactionClient()
	oq := NewOutgoingQueues(db, client, "origin.example", config.FederationAPI{}, time.Second, nil)

	ctx := context.Background()
	event := &fakePDU{eventID: "$one", roomVersion: "10"}
	require.NoError(t, oq.SendPDU(ctx, event, []spec.ServerName{"peer.example"}))

	waitForSignal(t, client.sentSig)
	require.Eventually(t, func() bool {
		pdus, err := db.PendingPDUs(ctx, "peer.example", 10)
		require.NoError(t, err)
		return len(pdus) == 0
	}, time.Second, 10*time.Millisecond)
}

// TestSendPDUSkipsBlacklistedDestination covers the forbidden_remote_
// server_names ACL gate (spec.md §6): a blacklisted destination never
// receives a row or a transaction attempt.
func TestSendPDUSkipsBlacklistedDestination(t *testing.T) {
	db := newTestDatabase()
	require.NoError(t, db.SetBlacklisted(context.Background(), []spec.ServerName{"evil.example"}))
	client := newFakeTransactionClient()
	oq := NewOutgoingQueues(db, client, "origin.example", config.FederationAPI{}, time.Second, nil)

	ctx := context.Background()
	event := &fakePDU{eventID: "$two", roomVersion: "10"}
	require.NoError(t, oq.SendPDU(ctx, event, []spec.ServerName{"evil.example"}))

	pdus, err := db.PendingPDUs(ctx, "evil.example", 10)
	require.NoError(t, err)
	require.Empty(t, pdus)
	require.Equal(t, 0, client.sentCount())
}

// fakePDU is the minimal gomatrixserverlib.PDU stand-in needed to
// exercise SendPDU's enqueue path without a real signed event.
type fakePDU struct {
	gomatrixserverlib.PDU
	eventID     string
	roomVersion gomatrixserverlib.RoomVersion
}

func (f *fakePDU) EventID() string                              { return f.eventID }
func (f *fakePDU) Version() gomatrixserverlib.RoomVersion        { return f.roomVersion }
func (f *fakePDU) MarshalJSON() ([]byte, error)                  { return []byte(`{"event_id":"` + f.eventID + `"}`), nil }
