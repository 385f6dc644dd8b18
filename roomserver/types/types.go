// Copyright 2024 coreroomd contributors
//
// Package types holds the roomserver's internal numeric id types: the
// short-id dictionaries of spec.md §3 ("Short-id dictionaries") and the
// compressed state event records built on top of them.
package types

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
)

// EventNID is a monotonically assigned integer aliasing an event id,
// never recycled (spec.md §3 "Short-id dictionaries").
type EventNID int64

// EventTypeNID aliases a room event `type` string.
type EventTypeNID int64

// EventStateKeyNID aliases a `state_key` string.
type EventStateKeyNID int64

// StateSnapshotNID identifies one immutable state snapshot.
type StateSnapshotNID int64

// StateBlockNID identifies one compressed delta block within a
// snapshot's parent chain (spec.md §9 "State compression").
type StateBlockNID int64

// RoomNID is a monotonically assigned integer aliasing a room id.
type RoomNID int64

// Well-known event type NIDs. Nothing seeds these values into the
// event-type dictionary, which allocates NIDs in order of first sight,
// and nothing in the tree references these constants.
const (
	MRoomCreateNID EventTypeNID = iota + 1
	MRoomPowerLevelsNID
	MRoomJoinRulesNID
	MRoomMemberNID
	MRoomHistoryVisibilityNID
	MRoomThirdPartyInviteNID
)

// StateKeyTuple pairs a type NID with a state-key NID: the internal
// representation of `(event_type, state_key)` from spec.md §3.
type StateKeyTuple struct {
	EventTypeNID     EventTypeNID
	EventStateKeyNID EventStateKeyNID
}

// LessThan imposes a total order over tuples, used to binary-search
// sorted StateEntry lists the way the teacher's state package does.
func (k StateKeyTuple) LessThan(other StateKeyTuple) bool {
	if k.EventTypeNID != other.EventTypeNID {
		return k.EventTypeNID < other.EventTypeNID
	}
	return k.EventStateKeyNID < other.EventStateKeyNID
}

// StateEntry is one row of a compressed state event: a (type,
// state-key) tuple paired with the event NID that is authoritative for
// it in some snapshot (spec.md §3 "compressed state events").
type StateEntry struct {
	StateKeyTuple
	EventNID EventNID
}

// StateEntrySorter sorts StateEntry slices by StateKeyTuple then
// EventNID, matching the teacher's stateEntrySorter.
type StateEntrySorter []StateEntry

func (s StateEntrySorter) Len() int      { return len(s) }
func (s StateEntrySorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s StateEntrySorter) Less(i, j int) bool {
	if s[i].StateKeyTuple != s[j].StateKeyTuple {
		return s[i].StateKeyTuple.LessThan(s[j].StateKeyTuple)
	}
	return s[i].EventNID < s[j].EventNID
}

// UniqueStateEntries sorts and deduplicates a StateEntry slice in
// place, returning the deduplicated prefix.
func UniqueStateEntries(a []StateEntry) []StateEntry {
	if len(a) == 0 {
		return a
	}
	sort.Sort(StateEntrySorter(a))
	out := a[:1]
	for _, e := range a[1:] {
		if e != out[len(out)-1] {
			out = append(out, e)
		}
	}
	return out
}

// FindDuplicateStateKeys returns, from a StateEntry slice already
// sorted by StateKeyTuple, every entry whose StateKeyTuple repeats —
// i.e. more than one event NID claims the same (type, state_key).
// The state resolver does not call it.
func FindDuplicateStateKeys(sorted []StateEntry) []StateEntry {
	var dupes []StateEntry
	for i := 1; i < len(sorted); i++ {
		if sorted[i].StateKeyTuple == sorted[i-1].StateKeyTuple {
			if len(dupes) == 0 || dupes[len(dupes)-1] != sorted[i-1] {
				dupes = append(dupes, sorted[i-1])
			}
			dupes = append(dupes, sorted[i])
		}
	}
	return dupes
}

// HeaderedEvent pairs a gomatrixserverlib PDU with the room version it
// was parsed under, mirroring the teacher's types.HeaderedEvent.
type HeaderedEvent struct {
	gomatrixserverlib.PDU
	RoomVersion gomatrixserverlib.RoomVersion
}

// EventNIDMap looks up an EventNID by event id.
type EventNIDMap map[string]EventNID

// StateAtEvent captures the state snapshot immediately before an event
// was appended, plus the event's own NID, for use in the timeline and
// state resolver.
type StateAtEvent struct {
	BeforeStateSnapshotNID StateSnapshotNID
	StateEntry
}

// Membership is one of the five values enumerated in spec.md §3.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipInvite Membership = "invite"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)
