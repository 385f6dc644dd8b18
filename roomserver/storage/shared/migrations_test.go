package shared

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreroom/coreroomd/roomserver/types"
)

// directWriter runs fn immediately against a nil transaction, letting
// these tests exercise Database's migration logic without a real
// *sql.DB.
type directWriter struct{}

func (directWriter) Do(_ *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	return fn(txn)
}

type fakeGlobal struct {
	kv map[string]string
}

func newFakeGlobal() *fakeGlobal { return &fakeGlobal{kv: map[string]string{}} }

func (g *fakeGlobal) UpsertGlobal(_ context.Context, _ *sql.Tx, key, value string) error {
	g.kv[key] = value
	return nil
}

func (g *fakeGlobal) SelectGlobal(_ context.Context, _ *sql.Tx, key string) (string, bool, error) {
	v, ok := g.kv[key]
	return v, ok, nil
}

// fakeMembership holds an in-memory (room, user) -> membership table,
// letting tests populate a mixed-membership room and exercise the real
// lookup/bucketing paths rather than stubbing them out entirely.
type fakeMembership struct {
	byRoom map[types.RoomNID]map[string]types.Membership
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{byRoom: map[types.RoomNID]map[string]types.Membership{}}
}

func (m *fakeMembership) set(roomNID types.RoomNID, userID string, membership types.Membership) {
	if m.byRoom[roomNID] == nil {
		m.byRoom[roomNID] = map[string]types.Membership{}
	}
	m.byRoom[roomNID][userID] = membership
}

func (m *fakeMembership) UpsertMembership(_ context.Context, _ *sql.Tx, roomNID types.RoomNID, userID string, membership types.Membership, _ types.EventNID) error {
	m.set(roomNID, userID, membership)
	return nil
}
func (m *fakeMembership) SelectMembership(_ context.Context, _ *sql.Tx, roomNID types.RoomNID, userID string) (types.Membership, bool, error) {
	membership, found := m.byRoom[roomNID][userID]
	return membership, found, nil
}
func (fakeMembership) SelectRoomsWithMembership(context.Context, *sql.Tx, string, types.Membership) ([]types.RoomNID, error) {
	return nil, nil
}
func (m *fakeMembership) SelectLocalMembers(_ context.Context, _ *sql.Tx, roomNID types.RoomNID, membership types.Membership) ([]string, error) {
	var users []string
	for userID, u := range m.byRoom[roomNID] {
		if u == membership {
			users = append(users, userID)
		}
	}
	return users, nil
}

func newTestDatabase() *Database {
	return &Database{
		Writer:     directWriter{},
		Global:     newFakeGlobal(),
		Membership: newFakeMembership(),
	}
}

func TestMigrateFreshDatabaseStampsVersionAndSentinels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDatabase()

	seeded := false
	err := d.Migrate(ctx,
		func(context.Context) (int, error) { return 0, nil },
		func(context.Context) (bool, error) { return false, nil },
		func(context.Context) error { seeded = true; return nil },
		func(context.Context, types.RoomNID, []string) ([]string, []string, error) { return nil, nil, nil },
		func(context.Context) ([]types.RoomNID, error) { return nil, nil },
	)
	require.NoError(t, err)
	assert.True(t, seeded)

	version, err := d.version(ctx)
	require.NoError(t, err)
	assert.Equal(t, DatabaseVersion, version)

	done, err := d.sentinelDone(ctx, sentinelFixRoomUserIDJoined)
	require.NoError(t, err)
	assert.True(t, done, "fresh init must mark named sentinels done so they never run on a new database")
}

func TestMigrateRejectsMissingServerUserOnNonEmptyDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDatabase()

	err := d.Migrate(ctx,
		func(context.Context) (int, error) { return 5, nil },
		func(context.Context) (bool, error) { return false, nil },
		func(context.Context) error { return nil },
		func(context.Context, types.RoomNID, []string) ([]string, []string, error) { return nil, nil, nil },
		func(context.Context) ([]types.RoomNID, error) { return nil, nil },
	)
	assert.Error(t, err)
}

func TestMigrateRejectsVersionOlderThanEarliestSupported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDatabase()
	require.NoError(t, d.setVersion(ctx, earliestSupportedVersion-1))

	err := d.Migrate(ctx,
		func(context.Context) (int, error) { return 5, nil },
		func(context.Context) (bool, error) { return true, nil },
		func(context.Context) error { return nil },
		func(context.Context, types.RoomNID, []string) ([]string, []string, error) { return nil, nil, nil },
		func(context.Context) ([]types.RoomNID, error) { return nil, nil },
	)
	assert.Error(t, err)
}

func TestMigrateRunsRoomUserIDJoinedFixExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDatabase()
	require.NoError(t, d.setVersion(ctx, DatabaseVersion))
	require.NoError(t, d.markSentinelDone(ctx, sentinelFixBadDoubleSeparator))

	calls := 0
	fix := func(context.Context, types.RoomNID, []string) ([]string, []string, error) {
		calls++
		return []string{"@a:x"}, []string{"@b:x"}, nil
	}
	roomNIDs := func(context.Context) ([]types.RoomNID, error) { return []types.RoomNID{1}, nil }

	require.NoError(t, d.Migrate(ctx,
		func(context.Context) (int, error) { return 5, nil },
		func(context.Context) (bool, error) { return true, nil },
		func(context.Context) error { return nil },
		fix, roomNIDs,
	))
	assert.Equal(t, 1, calls)

	// Running migrate again must not re-run the now-done sentinel.
	require.NoError(t, d.Migrate(ctx,
		func(context.Context) (int, error) { return 5, nil },
		func(context.Context) (bool, error) { return true, nil },
		func(context.Context) error { return nil },
		fix, roomNIDs,
	))
	assert.Equal(t, 1, calls, "named sentinel must run at most once")
}

// TestDefaultFixRoomUserIDJoinedNegatesSecondPredicate pins the corrected
// bucketing behavior: the upstream routine this is grounded on used the
// same "membership == join" predicate for both the joined and non-joined
// buckets, silently dropping everyone who had left, been banned, or was
// merely invited or knocking into the joined bucket too. Here the second
// bucket must be every member the first bucket didn't claim.
func TestDefaultFixRoomUserIDJoinedNegatesSecondPredicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDatabase()
	membership := d.Membership.(*fakeMembership)

	const roomNID = types.RoomNID(7)
	membership.set(roomNID, "@joined1:x", types.MembershipJoin)
	membership.set(roomNID, "@joined2:x", types.MembershipJoin)
	membership.set(roomNID, "@left:x", types.MembershipLeave)
	membership.set(roomNID, "@banned:x", types.MembershipBan)
	membership.set(roomNID, "@invited:x", types.MembershipInvite)
	membership.set(roomNID, "@knocking:x", types.MembershipKnock)

	usersInRoom := []string{"@joined1:x", "@joined2:x", "@left:x", "@banned:x", "@invited:x", "@knocking:x"}
	joined, left, err := d.DefaultFixRoomUserIDJoined(ctx, roomNID, usersInRoom)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"@joined1:x", "@joined2:x"}, joined)
	assert.ElementsMatch(t, []string{"@left:x", "@banned:x", "@invited:x", "@knocking:x"}, left)

	// The two buckets must partition the input: nobody counted twice,
	// nobody dropped, unlike the bug this repairs.
	assert.Len(t, joined, len(usersInRoom)-len(left))
}

// TestAllLocalMembersUnionsEveryMembershipState covers the other half of
// the fix: runFixRoomUserIDJoined must feed fix every member regardless
// of current state, not just those already joined, or the non-joined
// bucket is vacuous by construction.
func TestAllLocalMembersUnionsEveryMembershipState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDatabase()
	membership := d.Membership.(*fakeMembership)

	const roomNID = types.RoomNID(9)
	membership.set(roomNID, "@joined:x", types.MembershipJoin)
	membership.set(roomNID, "@left:x", types.MembershipLeave)
	membership.set(roomNID, "@banned:x", types.MembershipBan)

	users, err := d.allLocalMembers(ctx, roomNID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@joined:x", "@left:x", "@banned:x"}, users)
}

// TestMigrateFixesRoomUserIDJoinedEndToEnd runs DefaultFixRoomUserIDJoined
// as the real callback through Migrate against a mixed-membership room,
// pinning that the wiring (allLocalMembers -> fix) as a whole produces
// the corrected partition, not just its two halves in isolation.
func TestMigrateFixesRoomUserIDJoinedEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newTestDatabase()
	require.NoError(t, d.setVersion(ctx, DatabaseVersion))
	require.NoError(t, d.markSentinelDone(ctx, sentinelFixBadDoubleSeparator))

	membership := d.Membership.(*fakeMembership)
	const roomNID = types.RoomNID(3)
	membership.set(roomNID, "@joined:x", types.MembershipJoin)
	membership.set(roomNID, "@left:x", types.MembershipLeave)

	var gotJoined, gotLeft []string
	fix := func(ctx context.Context, roomNID types.RoomNID, usersInRoom []string) ([]string, []string, error) {
		joined, left, err := d.DefaultFixRoomUserIDJoined(ctx, roomNID, usersInRoom)
		gotJoined, gotLeft = joined, left
		return joined, left, err
	}
	roomNIDs := func(context.Context) ([]types.RoomNID, error) { return []types.RoomNID{roomNID}, nil }

	require.NoError(t, d.Migrate(ctx,
		func(context.Context) (int, error) { return 5, nil },
		func(context.Context) (bool, error) { return true, nil },
		func(context.Context) error { return nil },
		fix, roomNIDs,
	))

	assert.Equal(t, []string{"@joined:x"}, gotJoined)
	assert.Equal(t, []string{"@left:x"}, gotLeft)
}
