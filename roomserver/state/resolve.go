// Copyright 2024 coreroomd contributors
package state

import (
	"context"
	"fmt"
	"runtime"

	"github.com/matrix-org/gomatrixserverlib"
	"golang.org/x/sync/errgroup"

	"github.com/coreroom/coreroomd/roomserver/types"
)

// EventProvider fetches a PDU by event id, as needed while assembling
// the auth-chain union for a state resolution (spec.md §4.2: "The
// resolver fetches PDUs and existence-checks via two caller-supplied
// async closures").
type EventProvider func(ctx context.Context, eventID string) (gomatrixserverlib.PDU, error)

// EventExistsChecker reports whether an event id is already known to
// the room server, used to prune auth-chain walks that reach events
// already accounted for.
type EventExistsChecker func(ctx context.Context, eventID string) (bool, error)

// Resolver resolves forked room state to a single state map, per
// spec.md §4.2 and the room-version-gated choice of algorithm (v1 for
// room versions 1-2, v2 for 3+), delegating the actual conflict
// resolution to gomatrixserverlib the way the teacher's
// roomserver/state.StateResolution does.
type Resolver struct {
	fetchEvent   EventProvider
	eventExists  EventExistsChecker
	fetchWidth   int
}

// NewResolver constructs a Resolver. fetchWidth bounds how many
// concurrent fetchEvent/eventExists calls may be in flight at once; a
// value <= 0 defaults to GOMAXPROCS, matching "an automatic width
// derived from available parallelism" from spec.md §4.2.
func NewResolver(fetchEvent EventProvider, eventExists EventExistsChecker, fetchWidth int) *Resolver {
	if fetchWidth <= 0 {
		fetchWidth = runtime.GOMAXPROCS(0)
	}
	return &Resolver{fetchEvent: fetchEvent, eventExists: eventExists, fetchWidth: fetchWidth}
}

// ResolveInput is one forked state snapshot contributing to a
// resolution, plus the subset of its auth chain not already known to
// the caller.
type ResolveInput struct {
	State     []gomatrixserverlib.PDU
	AuthChain []string // event IDs; fetched via Resolver.fetchEvent as needed
}

// Resolve resolves roomVersion-versioned forked state snapshots into a
// single state map (spec.md §4.2: "Input: a room version, an ordered
// list of forked state snapshots ... and the union of their auth
// chains ... Output: a single resolved state map").
func (r *Resolver) Resolve(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, forks []ResolveInput) ([]gomatrixserverlib.PDU, error) {
	if _, err := gomatrixserverlib.GetRoomVersion(roomVersion); err != nil {
		return nil, fmt.Errorf("state: unknown room version %s: %w", roomVersion, err)
	}

	authChain, err := r.collectAuthChain(ctx, forks)
	if err != nil {
		return nil, err
	}

	unconflicted, conflicted := partitionConflicts(forks)

	// Room versions 1 and 2 use state resolution v1; 3 and later use v2
	// (spec.md §3 "room version string"; the algorithm choice is part of
	// each version's behavioural contract, not a per-call option).
	if roomVersion == gomatrixserverlib.RoomVersionV1 || roomVersion == gomatrixserverlib.RoomVersionV2 {
		return gomatrixserverlib.ResolveStateConflictsV1(conflicted, unconflicted, authChain)
	}
	return gomatrixserverlib.ResolveStateConflictsV2(conflicted, unconflicted, authChain, r.fetchEvent2(ctx), r.isRejected(ctx))
}

// collectAuthChain fetches, with bounded concurrency, every auth-chain
// event id referenced by forks that is not already known locally.
func (r *Resolver) collectAuthChain(ctx context.Context, forks []ResolveInput) ([]gomatrixserverlib.PDU, error) {
	seen := map[string]struct{}{}
	var toFetch []string
	for _, f := range forks {
		for _, id := range f.AuthChain {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			exists, err := r.eventExists(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("state: checking existence of %s: %w", id, err)
			}
			if !exists {
				toFetch = append(toFetch, id)
			}
		}
	}

	fetched := make([]gomatrixserverlib.PDU, len(toFetch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fetchWidth)
	for i, id := range toFetch {
		i, id := i, id
		g.Go(func() error {
			ev, err := r.fetchEvent(gctx, id)
			if err != nil {
				return fmt.Errorf("state: fetching auth event %s: %w", id, err)
			}
			fetched[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fetched, nil
}

// fetchEvent2 adapts Resolver.fetchEvent to the single-event lookup
// shape gomatrixserverlib's v2 resolver needs while it walks power
// event auth chains (mainline ordering, spec.md §4.2).
func (r *Resolver) fetchEvent2(ctx context.Context) func(eventID string) (gomatrixserverlib.PDU, error) {
	return func(eventID string) (gomatrixserverlib.PDU, error) {
		return r.fetchEvent(ctx, eventID)
	}
}

// isRejected reports auth-check rejection for the v2 resolver's
// rejected-event exclusion step. coreroomd does not persist a
// separate "rejected" flag distinct from "never stored", so an event
// not known to storage is treated as rejected.
func (r *Resolver) isRejected(ctx context.Context) func(eventID string) bool {
	return func(eventID string) bool {
		exists, err := r.eventExists(ctx, eventID)
		return err != nil || !exists
	}
}

// partitionConflicts splits a forked-state input set into the
// unconflicted state (state keys agreed by every fork) and the
// conflicted state (state keys with more than one candidate event),
// per spec.md §4.2 / the state-resolution-v2 partitioning step.
func partitionConflicts(forks []ResolveInput) (unconflicted, conflicted []gomatrixserverlib.PDU) {
	byKey := map[stateKeyOf][]gomatrixserverlib.PDU{}
	for _, f := range forks {
		for _, ev := range f.State {
			k := stateKeyOf{ev.Type(), stateKeyOrEmpty(ev)}
			byKey[k] = append(byKey[k], ev)
		}
	}

	for k, candidates := range byKey {
		if allSameEventID(candidates) {
			unconflicted = append(unconflicted, candidates[0])
		} else {
			conflicted = append(conflicted, candidates...)
		}
		_ = k
	}
	return unconflicted, conflicted
}

type stateKeyOf struct {
	eventType, stateKey string
}

func stateKeyOrEmpty(ev gomatrixserverlib.PDU) string {
	if sk := ev.StateKey(); sk != nil {
		return *sk
	}
	return ""
}

func allSameEventID(evs []gomatrixserverlib.PDU) bool {
	if len(evs) == 0 {
		return true
	}
	first := evs[0].EventID()
	for _, e := range evs[1:] {
		if e.EventID() != first {
			return false
		}
	}
	return true
}

// Lower converts a resolved state event list to compressed StateEntry
// form against short id dictionaries, the hand-off point into
// Compressor.Compress described in spec.md §4.2 ("Post-resolution the
// state map is lowered to short_state_key -> event_id pairs").
func Lower(ctx context.Context, ids *ShortIDs, resolved []gomatrixserverlib.PDU) ([]types.StateEntry, error) {
	out := make([]types.StateEntry, 0, len(resolved))
	for _, ev := range resolved {
		tuple, err := ids.StateKeyNID(ctx, ev.Type(), stateKeyOrEmpty(ev))
		if err != nil {
			return nil, err
		}
		nid, err := ids.EventNID(ctx, ev.EventID())
		if err != nil {
			return nil, err
		}
		out = append(out, types.StateEntry{StateKeyTuple: tuple, EventNID: nid})
	}
	return types.UniqueStateEntries(out), nil
}
