package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreroom/coreroomd/roomserver/types"
)

// memorySnapshotStore is an in-memory SnapshotStore for tests, matching
// the teacher's "pragmatic unit tests for the state package helper
// functions" framing — no database mocking needed for pure logic.
type memorySnapshotStore struct {
	next  types.StateSnapshotNID
	rows  map[types.StateSnapshotNID][3]interface{}
	added map[types.StateSnapshotNID][]types.StateEntry
	rem   map[types.StateSnapshotNID][]types.StateEntry
	par   map[types.StateSnapshotNID]types.StateSnapshotNID
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{
		added: map[types.StateSnapshotNID][]types.StateEntry{},
		rem:   map[types.StateSnapshotNID][]types.StateEntry{},
		par:   map[types.StateSnapshotNID]types.StateSnapshotNID{},
	}
}

func (m *memorySnapshotStore) SaveSnapshot(_ context.Context, parent types.StateSnapshotNID, added, removed []types.StateEntry) (types.StateSnapshotNID, error) {
	m.next++
	m.par[m.next] = parent
	m.added[m.next] = added
	m.rem[m.next] = removed
	return m.next, nil
}

func (m *memorySnapshotStore) LoadDelta(_ context.Context, snapshot types.StateSnapshotNID) (types.StateSnapshotNID, []types.StateEntry, []types.StateEntry, error) {
	return m.par[snapshot], m.added[snapshot], m.rem[snapshot], nil
}

func entry(typ, key int, nid int64) types.StateEntry {
	return types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{EventTypeNID: types.EventTypeNID(typ), EventStateKeyNID: types.EventStateKeyNID(key)},
		EventNID:      types.EventNID(nid),
	}
}

func TestCompressorRoundTripsThroughDeltaChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemorySnapshotStore()
	c := NewCompressor(store, 64)

	root := []types.StateEntry{entry(1, 1, 100), entry(2, 1, 200)}
	nid1, _, _, err := c.Compress(ctx, 0, 0, nil, root)
	require.NoError(t, err)

	materialized, err := c.Materialize(ctx, nid1)
	require.NoError(t, err)
	assert.ElementsMatch(t, root, materialized)

	// Join: add a membership entry, changing nothing else.
	withJoin := append(append([]types.StateEntry{}, root...), entry(4, 3, 300))
	nid2, added, removed, err := c.Compress(ctx, nid1, 1, root, withJoin)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, []types.StateEntry{entry(4, 3, 300)}, added)

	materialized2, err := c.Materialize(ctx, nid2)
	require.NoError(t, err)
	assert.ElementsMatch(t, withJoin, materialized2)
}

func TestCompressorForcesFullSnapshotAtBranchingFactor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemorySnapshotStore()
	c := NewCompressor(store, 2) // tiny branching factor to exercise the cap cheaply

	state := []types.StateEntry{entry(1, 1, 1)}
	nid, _, removed, err := c.Compress(ctx, 0, 2, nil, state)
	require.NoError(t, err)
	assert.Nil(t, removed)

	parent, added, _, err := store.LoadDelta(ctx, nid)
	require.NoError(t, err)
	assert.Equal(t, types.StateSnapshotNID(0), parent, "forced full snapshot must have no parent")
	assert.Equal(t, state, added)
}

func TestFindDuplicateStateKeys(t *testing.T) {
	t.Parallel()

	sorted := []types.StateEntry{
		entry(1, 1, 1),
		entry(1, 1, 2),
		entry(2, 2, 3),
	}
	dupes := types.FindDuplicateStateKeys(sorted)
	assert.Equal(t, []types.StateEntry{entry(1, 1, 1), entry(1, 1, 2)}, dupes)

	assert.Nil(t, types.FindDuplicateStateKeys([]types.StateEntry{entry(1, 1, 1)}))
}
