// Copyright 2024 coreroomd contributors
package state

import (
	"context"
	"sync"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePDU is the minimal gomatrixserverlib.PDU stand-in needed to drive
// partitionConflicts: only Type/StateKey/EventID are read by it.
type fakePDU struct {
	gomatrixserverlib.PDU
	id       string
	typ      string
	stateKey *string
}

func (f *fakePDU) EventID() string   { return f.id }
func (f *fakePDU) Type() string      { return f.typ }
func (f *fakePDU) StateKey() *string { return f.stateKey }

func sk(s string) *string { return &s }

// TestPartitionConflictsAgreesOnSharedStateKeys covers spec.md §4.2's
// partitioning step: a state key every fork resolves to the same event
// id is unconflicted; a state key with more than one candidate event id
// is conflicted. Run twice against the same input to pin determinism.
func TestPartitionConflictsAgreesOnSharedStateKeys(t *testing.T) {
	t.Parallel()

	create := &fakePDU{id: "$create", typ: "m.room.create", stateKey: sk("")}
	memberA1 := &fakePDU{id: "$member-a-1", typ: "m.room.member", stateKey: sk("@a:x")}
	memberA2 := &fakePDU{id: "$member-a-2", typ: "m.room.member", stateKey: sk("@a:x")}

	forks := []ResolveInput{
		{State: []gomatrixserverlib.PDU{create, memberA1}},
		{State: []gomatrixserverlib.PDU{create, memberA2}},
	}

	for i := 0; i < 2; i++ {
		unconflicted, conflicted := partitionConflicts(forks)
		require.Len(t, unconflicted, 1, "run %d", i)
		assert.Equal(t, "$create", unconflicted[0].EventID())
		require.Len(t, conflicted, 2, "run %d", i)
		ids := []string{conflicted[0].EventID(), conflicted[1].EventID()}
		assert.ElementsMatch(t, []string{"$member-a-1", "$member-a-2"}, ids)
	}
}

// TestPartitionConflictsTreatsIdenticalEventAcrossForksAsUnconflicted
// covers the common case of a fork simply repeating state it inherited
// unchanged from its parent.
func TestPartitionConflictsTreatsIdenticalEventAcrossForksAsUnconflicted(t *testing.T) {
	t.Parallel()

	shared := &fakePDU{id: "$shared", typ: "m.room.join_rules", stateKey: sk("")}
	forks := []ResolveInput{
		{State: []gomatrixserverlib.PDU{shared}},
		{State: []gomatrixserverlib.PDU{shared}},
		{State: []gomatrixserverlib.PDU{shared}},
	}

	unconflicted, conflicted := partitionConflicts(forks)
	assert.Empty(t, conflicted)
	require.Len(t, unconflicted, 1)
	assert.Equal(t, "$shared", unconflicted[0].EventID())
}

// TestCollectAuthChainFetchesEachUnknownEventExactlyOnce pins the
// re-runnability property for the auth-chain union: an event id
// referenced by several forks (or twice within one) is fetched exactly
// once, and an id already known locally is never fetched at all,
// regardless of how many times it is duplicated across forks.
func TestCollectAuthChainFetchesEachUnknownEventExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	known := map[string]bool{"$known": true}
	forks := []ResolveInput{
		{AuthChain: []string{"$known", "$a", "$b", "$a"}},
		{AuthChain: []string{"$b", "$a", "$c"}},
	}

	for i := 0; i < 2; i++ {
		var mu sync.Mutex
		fetchCounts := map[string]int{}
		fetchEvent := func(_ context.Context, eventID string) (gomatrixserverlib.PDU, error) {
			mu.Lock()
			fetchCounts[eventID]++
			mu.Unlock()
			return &fakePDU{id: eventID}, nil
		}
		eventExists := func(_ context.Context, eventID string) (bool, error) {
			return known[eventID], nil
		}
		r := NewResolver(fetchEvent, eventExists, 4)

		fetched, err := r.collectAuthChain(ctx, forks)
		require.NoError(t, err, "run %d", i)

		var ids []string
		for _, ev := range fetched {
			ids = append(ids, ev.EventID())
		}
		assert.ElementsMatch(t, []string{"$a", "$b", "$c"}, ids, "run %d", i)

		for id, count := range fetchCounts {
			assert.Equal(t, 1, count, "event %s must be fetched exactly once per run", id)
		}
		assert.NotContains(t, fetchCounts, "$known", "already-known event must not be fetched")
	}
}

// TestResolveRejectsUnknownRoomVersion covers the guard Resolve runs
// before doing any work: an unrecognized room version is rejected
// deterministically rather than falling through to either algorithm.
func TestResolveRejectsUnknownRoomVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := NewResolver(
		func(context.Context, string) (gomatrixserverlib.PDU, error) { t.Fatal("fetchEvent should not be called"); return nil, nil },
		func(context.Context, string) (bool, error) { t.Fatal("eventExists should not be called"); return false, nil },
		0,
	)

	_, err := r.Resolve(ctx, gomatrixserverlib.RoomVersion("not-a-real-version"), nil)
	assert.Error(t, err)
}

// TestNewResolverDefaultsFetchWidthToGOMAXPROCS covers the "automatic
// width derived from available parallelism" default from spec.md §4.2.
func TestNewResolverDefaultsFetchWidthToGOMAXPROCS(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil, nil, 0)
	assert.Positive(t, r.fetchWidth)

	r2 := NewResolver(nil, nil, 3)
	assert.Equal(t, 3, r2.fetchWidth)
}
