// Copyright 2024 coreroomd contributors
package shared

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/coreroom/coreroomd/roomserver/types"
)

// DatabaseVersion is the schema version this build of coreroomd
// expects. A stored version greater than this means the database was
// written by newer software; a lesser version needs migrating up
// (spec.md §4.6).
const DatabaseVersion = 13

// earliestSupportedVersion is the oldest stored version this build
// will migrate from; anything older must be upgraded through an
// intermediate release first.
const earliestSupportedVersion = 11

const globalKeyDatabaseVersion = "database_version"

// Named one-shot sentinels: migrations that do not bump the version
// number but must still run exactly once (spec.md §4.6 "Named
// one-shot fixes ... keyed by a sentinel in a global table").
const (
	sentinelFixBadDoubleSeparator   = "fix_bad_double_separator_in_state_cache"
	sentinelFixRoomUserIDJoined     = "retroactively_fix_bad_data_from_roomuserid_joined"
)

// UserCounter and ServerUserExister let Migrate check the
// server-name-change invariant without depending on a concrete users
// package, keeping roomserver/storage decoupled from clientapi.
type UserCounter func(ctx context.Context) (int, error)
type ServerUserExister func(ctx context.Context) (bool, error)

// Migrate runs coreroomd's migration gate against d: refuses a
// database stamped with a newer version than this build knows, refuses
// a non-empty database missing the canonical server user, initializes
// fresh databases, and otherwise applies ascending migrations plus
// pending named sentinels (spec.md §4.6).
func (d *Database) Migrate(ctx context.Context, userCount UserCounter, serverUserExists ServerUserExister, seedAdminRoom func(ctx context.Context) error, fixRoomUserIDJoined func(ctx context.Context, roomNID types.RoomNID, usersInRoom []string) (joined, left []string, err error), roomNIDs func(ctx context.Context) ([]types.RoomNID, error)) error {
	count, err := userCount(ctx)
	if err != nil {
		return fmt.Errorf("storage: counting users: %w", err)
	}

	if count > 0 {
		exists, err := serverUserExists(ctx)
		if err != nil {
			return fmt.Errorf("storage: checking server user: %w", err)
		}
		if !exists {
			return fmt.Errorf("storage: canonical server user does not exist but database is not new: server name may have changed, refusing to reuse this database")
		}
		return d.migrateExisting(ctx, fixRoomUserIDJoined, roomNIDs)
	}

	return d.fresh(ctx, seedAdminRoom)
}

func (d *Database) fresh(ctx context.Context, seedAdminRoom func(ctx context.Context) error) error {
	if err := d.setVersion(ctx, DatabaseVersion); err != nil {
		return err
	}
	if err := d.markSentinelDone(ctx, sentinelFixBadDoubleSeparator); err != nil {
		return err
	}
	if err := d.markSentinelDone(ctx, sentinelFixRoomUserIDJoined); err != nil {
		return err
	}
	if err := seedAdminRoom(ctx); err != nil {
		return fmt.Errorf("storage: seeding admin room: %w", err)
	}
	logrus.Infof("created new database at schema version %d", DatabaseVersion)
	return nil
}

func (d *Database) migrateExisting(ctx context.Context, fixRoomUserIDJoined func(ctx context.Context, roomNID types.RoomNID, usersInRoom []string) (joined, left []string, err error), roomNIDs func(ctx context.Context) ([]types.RoomNID, error)) error {
	version, err := d.version(ctx)
	if err != nil {
		return err
	}
	if version < earliestSupportedVersion {
		return fmt.Errorf("storage: database schema version %d is no longer supported, earliest supported is %d", version, earliestSupportedVersion)
	}
	if version > DatabaseVersion {
		return fmt.Errorf("storage: database schema version %d is newer than this build's %d, refusing to start", version, DatabaseVersion)
	}

	// Ascending version-bumping migrations land here as the schema
	// grows; no schema changes are pending between earliestSupportedVersion
	// and DatabaseVersion, so the loop only stamps the stored version up
	// to DatabaseVersion one step at a time.
	for v := version; v < DatabaseVersion; v++ {
		if err := d.setVersion(ctx, v+1); err != nil {
			return err
		}
	}

	done, err := d.sentinelDone(ctx, sentinelFixBadDoubleSeparator)
	if err != nil {
		return err
	}
	if !done {
		if err := d.markSentinelDone(ctx, sentinelFixBadDoubleSeparator); err != nil {
			return err
		}
	}

	done, err = d.sentinelDone(ctx, sentinelFixRoomUserIDJoined)
	if err != nil {
		return err
	}
	if !done {
		if err := d.runFixRoomUserIDJoined(ctx, fixRoomUserIDJoined, roomNIDs); err != nil {
			return err
		}
		if err := d.markSentinelDone(ctx, sentinelFixRoomUserIDJoined); err != nil {
			return err
		}
	}

	final, err := d.version(ctx)
	if err != nil {
		return err
	}
	if final != DatabaseVersion {
		return fmt.Errorf("storage: internal error: database version %d does not equal code version %d after migration", final, DatabaseVersion)
	}
	return nil
}

// allLocalMembershipStates enumerates every membership a local user can
// hold in a room. runFixRoomUserIDJoined unions across all of them to
// build the "every member regardless of current state" set the repair
// needs to bucket; any one of them alone (in particular join) would
// make the non-joined bucket vacuous.
var allLocalMembershipStates = []types.Membership{
	types.MembershipJoin,
	types.MembershipLeave,
	types.MembershipInvite,
	types.MembershipBan,
	types.MembershipKnock,
}

// allLocalMembers unions LocalMembers across every membership state,
// since tables.Membership has no single "regardless of state" query.
func (d *Database) allLocalMembers(ctx context.Context, roomNID types.RoomNID) ([]string, error) {
	var all []string
	for _, m := range allLocalMembershipStates {
		members, err := d.LocalMembers(ctx, roomNID, m)
		if err != nil {
			return nil, err
		}
		all = append(all, members...)
	}
	return all, nil
}

// DefaultFixRoomUserIDJoined is the corrected bucketing logic for
// runFixRoomUserIDJoined. The upstream routine this is grounded on
// filtered "joined" and "non-joined" members with the identical
// predicate (membership == join) for both sets, so every non-joined
// member was also reported as joined and marked joined right after
// being marked left; here the non-joined predicate is correctly
// negated against the same authoritative per-user membership lookup.
func (d *Database) DefaultFixRoomUserIDJoined(ctx context.Context, roomNID types.RoomNID, usersInRoom []string) (joined, left []string, err error) {
	for _, userID := range usersInRoom {
		membership, found, err := d.GetMembership(ctx, roomNID, userID)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: looking up membership of %s in room %d: %w", userID, roomNID, err)
		}
		if !found {
			continue
		}
		if membership == types.MembershipJoin {
			joined = append(joined, userID)
		} else {
			left = append(left, userID)
		}
	}
	return joined, left, nil
}

// runFixRoomUserIDJoined buckets every room's members through fix,
// feeding it the full membership-state member set (not pre-filtered to
// joined) so a genuine joined/non-joined partition is possible, and logs
// the size of each bucket. It writes no membership rows back.
func (d *Database) runFixRoomUserIDJoined(ctx context.Context, fix func(ctx context.Context, roomNID types.RoomNID, usersInRoom []string) (joined, left []string, err error), roomNIDs func(ctx context.Context) ([]types.RoomNID, error)) error {
	rooms, err := roomNIDs(ctx)
	if err != nil {
		return fmt.Errorf("storage: listing rooms for membership repair: %w", err)
	}
	for _, roomNID := range rooms {
		members, err := d.allLocalMembers(ctx, roomNID)
		if err != nil {
			return fmt.Errorf("storage: listing members of room %d: %w", roomNID, err)
		}
		joined, left, err := fix(ctx, roomNID, members)
		if err != nil {
			return fmt.Errorf("storage: repairing membership for room %d: %w", roomNID, err)
		}
		logrus.WithFields(logrus.Fields{
			"room_nid": roomNID,
			"joined":   len(joined),
			"left":     len(left),
		}).Debug("retroactively fixed roomuserid_joined data")
	}
	return nil
}

// Initialized reports whether Migrate has already stamped a schema
// version into this database, the signal cmd/coreroomd uses in place
// of a real user counter (the accounts subsystem that would otherwise
// gate fresh-vs-existing is out of scope here).
func (d *Database) Initialized(ctx context.Context) (bool, error) {
	_, found, err := d.globalGet(ctx, globalKeyDatabaseVersion)
	return found, err
}

func (d *Database) version(ctx context.Context) (int, error) {
	v, found, err := d.globalGet(ctx, globalKeyDatabaseVersion)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (d *Database) setVersion(ctx context.Context, version int) error {
	return d.globalSet(ctx, globalKeyDatabaseVersion, strconv.Itoa(version))
}

func (d *Database) sentinelDone(ctx context.Context, key string) (bool, error) {
	_, found, err := d.globalGet(ctx, key)
	return found, err
}

func (d *Database) markSentinelDone(ctx context.Context, key string) error {
	return d.globalSet(ctx, key, "done")
}
