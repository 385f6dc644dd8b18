// Copyright 2024 coreroomd contributors
package state

import (
	"context"
	"fmt"

	"github.com/coreroom/coreroomd/roomserver/types"
)

// SnapshotStore persists the compressed delta form of a state snapshot:
// a parent snapshot plus the (state-key, event-id) pairs added and
// removed relative to it, as described in spec.md §9 ("State
// compression trades CPU for storage").
type SnapshotStore interface {
	// SaveSnapshot persists a new snapshot as a delta against parent
	// (zero for a root snapshot with no parent) and returns its NID.
	SaveSnapshot(ctx context.Context, parent types.StateSnapshotNID, added, removed []types.StateEntry) (types.StateSnapshotNID, error)
	// LoadDelta returns the parent NID and the added/removed sets for
	// one snapshot.
	LoadDelta(ctx context.Context, snapshot types.StateSnapshotNID) (parent types.StateSnapshotNID, added, removed []types.StateEntry, err error)
}

// Compressor builds and materializes compressed state snapshots. The
// branching factor bounds how many parent hops a walk may traverse
// before a fresh root snapshot is forced, keeping materialization cost
// bounded (spec.md §9: "Choose a branching factor that bounds walk
// depth (empirically ≤ 64)").
type Compressor struct {
	store           SnapshotStore
	branchingFactor int
}

// NewCompressor constructs a Compressor. A branchingFactor <= 0 falls
// back to the spec's empirical default of 64.
func NewCompressor(store SnapshotStore, branchingFactor int) *Compressor {
	if branchingFactor <= 0 {
		branchingFactor = 64
	}
	return &Compressor{store: store, branchingFactor: branchingFactor}
}

// Compress computes the delta between a snapshot's resolved state and
// its chosen parent (the previous current snapshot), and persists the
// result. Invoked from append_to_state / force_state after state
// resolution (spec.md §4.2 "Post-resolution the state map is lowered
// ... and compressed").
func (c *Compressor) Compress(ctx context.Context, parent types.StateSnapshotNID, parentDepth int, previous, next []types.StateEntry) (types.StateSnapshotNID, []types.StateEntry, []types.StateEntry, error) {
	added, removed := diff(previous, next)

	// If continuing the delta chain would exceed the branching factor,
	// store a full snapshot (parent == 0, added == the entire state) so
	// that future materializations only need to walk a short chain.
	if parentDepth >= c.branchingFactor {
		nid, err := c.store.SaveSnapshot(ctx, 0, next, nil)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("state: saving full snapshot: %w", err)
		}
		return nid, next, nil, nil
	}

	nid, err := c.store.SaveSnapshot(ctx, parent, added, removed)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("state: saving delta snapshot: %w", err)
	}
	return nid, added, removed, nil
}

// Materialize walks a snapshot's parent chain, applying each delta's
// added/removed sets in turn, to reconstruct its full state. Depth is
// bounded by the branching factor by construction of Compress, so this
// terminates in at most branchingFactor+1 storage round trips.
func (c *Compressor) Materialize(ctx context.Context, snapshot types.StateSnapshotNID) ([]types.StateEntry, error) {
	var chain [][2][]types.StateEntry // [i] = {added, removed} oldest-last
	cur := snapshot
	for i := 0; i < c.branchingFactor+1; i++ {
		if cur == 0 {
			break
		}
		parent, added, removed, err := c.store.LoadDelta(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("state: loading delta for snapshot %d: %w", cur, err)
		}
		chain = append(chain, [2][]types.StateEntry{added, removed})
		if parent == 0 {
			break
		}
		cur = parent
	}

	state := map[types.StateKeyTuple]types.EventNID{}
	// Apply oldest-first so later deltas in the chain can override
	// earlier ones.
	for i := len(chain) - 1; i >= 0; i-- {
		added, removed := chain[i][0], chain[i][1]
		for _, r := range removed {
			delete(state, r.StateKeyTuple)
		}
		for _, a := range added {
			state[a.StateKeyTuple] = a.EventNID
		}
	}

	out := make([]types.StateEntry, 0, len(state))
	for k, v := range state {
		out = append(out, types.StateEntry{StateKeyTuple: k, EventNID: v})
	}
	return types.UniqueStateEntries(out), nil
}

// Depth counts the number of parent hops from snapshot back to a root
// (parent == 0), capped at branchingFactor+1. Callers pass this as the
// parentDepth argument to Compress so the branching-factor check in
// Compress can force a fresh full snapshot once a chain gets long.
func (c *Compressor) Depth(ctx context.Context, snapshot types.StateSnapshotNID) (int, error) {
	depth := 0
	cur := snapshot
	for cur != 0 && depth <= c.branchingFactor {
		parent, _, _, err := c.store.LoadDelta(ctx, cur)
		if err != nil {
			return 0, fmt.Errorf("state: walking snapshot %d for depth: %w", cur, err)
		}
		depth++
		cur = parent
	}
	return depth, nil
}

// diff computes the added and removed StateEntry sets turning previous
// into next, assuming at most one entry per StateKeyTuple in each
// (current-state invariant).
func diff(previous, next []types.StateEntry) (added, removed []types.StateEntry) {
	prevByKey := make(map[types.StateKeyTuple]types.EventNID, len(previous))
	for _, e := range previous {
		prevByKey[e.StateKeyTuple] = e.EventNID
	}
	nextByKey := make(map[types.StateKeyTuple]types.EventNID, len(next))
	for _, e := range next {
		nextByKey[e.StateKeyTuple] = e.EventNID
		if oldNID, ok := prevByKey[e.StateKeyTuple]; !ok || oldNID != e.EventNID {
			added = append(added, e)
		}
	}
	for _, e := range previous {
		if _, ok := nextByKey[e.StateKeyTuple]; !ok {
			removed = append(removed, e)
		}
	}
	return added, removed
}
