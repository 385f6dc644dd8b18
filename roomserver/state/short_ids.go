// Copyright 2024 coreroomd contributors
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreroom/coreroomd/roomserver/types"
)

// ShortIDStore persists the bijections {event-id <-> short-event-id}
// and {(type, state-key) <-> short-state-key} described in spec.md §3.
// Allocation is monotonic and write-once (testable property 4):
// ShortStateKey(t, k) is stable across calls and unique across distinct
// pairs, for all (t, k).
type ShortIDStore interface {
	// AssignEventNID returns the existing NID for eventID, or allocates
	// and persists a new one if this is the first time it is seen.
	AssignEventNID(ctx context.Context, eventID string) (types.EventNID, error)
	// AssignStateKeyNID returns the existing NID for (eventType,
	// stateKey), allocating one on first sight.
	AssignStateKeyNID(ctx context.Context, eventType, stateKey string) (types.StateKeyTuple, error)

	LookupEventNID(ctx context.Context, eventID string) (types.EventNID, bool, error)
	LookupStateKeyNID(ctx context.Context, eventType, stateKey string) (types.StateKeyTuple, bool, error)
}

// ShortIDs is an in-process read-mostly cache in front of a ShortIDStore,
// matching spec.md §5 ("Short-id caches are behind read-mostly locks with
// atomic insertion").
type ShortIDs struct {
	backend ShortIDStore

	mu            sync.RWMutex
	eventIDToNID  map[string]types.EventNID
	stateKeyToNID map[stateKeyString]types.StateKeyTuple
}

type stateKeyString struct {
	eventType, stateKey string
}

// NewShortIDs wraps backend with an in-memory cache.
func NewShortIDs(backend ShortIDStore) *ShortIDs {
	return &ShortIDs{
		backend:       backend,
		eventIDToNID:  make(map[string]types.EventNID),
		stateKeyToNID: make(map[stateKeyString]types.StateKeyTuple),
	}
}

// EventNID returns the short-event-id for eventID, allocating one if
// this is the first time the event has been seen by this process or
// its storage.
func (s *ShortIDs) EventNID(ctx context.Context, eventID string) (types.EventNID, error) {
	s.mu.RLock()
	nid, ok := s.eventIDToNID[eventID]
	s.mu.RUnlock()
	if ok {
		return nid, nil
	}

	nid, err := s.backend.AssignEventNID(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("state: assigning event NID for %s: %w", eventID, err)
	}

	s.mu.Lock()
	// Another goroutine may have raced us; both will have allocated the
	// same NID from the backend since allocation there is write-once
	// and keyed by eventID, so overwriting is safe and idempotent.
	s.eventIDToNID[eventID] = nid
	s.mu.Unlock()

	return nid, nil
}

// StateKeyNID returns the short-state-key for (eventType, stateKey),
// allocating one on first sight.
func (s *ShortIDs) StateKeyNID(ctx context.Context, eventType, stateKey string) (types.StateKeyTuple, error) {
	key := stateKeyString{eventType, stateKey}

	s.mu.RLock()
	tuple, ok := s.stateKeyToNID[key]
	s.mu.RUnlock()
	if ok {
		return tuple, nil
	}

	tuple, err := s.backend.AssignStateKeyNID(ctx, eventType, stateKey)
	if err != nil {
		return types.StateKeyTuple{}, fmt.Errorf("state: assigning state key NID for %s/%s: %w", eventType, stateKey, err)
	}

	s.mu.Lock()
	s.stateKeyToNID[key] = tuple
	s.mu.Unlock()

	return tuple, nil
}
