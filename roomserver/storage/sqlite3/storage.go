// Copyright 2024 coreroomd contributors
//
// Package sqlite3 wires the sqlite3 table implementations into a
// roomserver/storage/shared.Database.
package sqlite3

import (
	"database/sql"
	"fmt"

	// Registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/shared"
)

// Open opens a sqlite3 database file at dataSourceName, creates any
// missing tables, and returns a ready-to-use Database. SQLite permits
// only a single writer at a time, so the exclusive Writer is used
// (spec.md §5 "the bad-event ratelimiter is a process-wide read-write
// map" — the same single-writer discipline applies to storage here).
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := CreateEventIDsTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: event ids schema: %w", err)
	}
	if err := CreateStateKeyTuplesTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: state key tuples schema: %w", err)
	}
	if err := CreateRoomsTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: rooms schema: %w", err)
	}
	if err := CreateEventsTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: events schema: %w", err)
	}
	if err := CreateStateSnapshotsTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: state snapshots schema: %w", err)
	}
	if err := CreateMembershipTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: membership schema: %w", err)
	}
	if err := CreateGlobalTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: global schema: %w", err)
	}

	eventIDs, err := PrepareEventIDsTable(db)
	if err != nil {
		return nil, err
	}
	stateKeyTuples, err := PrepareStateKeyTuplesTable(db)
	if err != nil {
		return nil, err
	}
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	stateSnapshots, err := PrepareStateSnapshotsTable(db)
	if err != nil {
		return nil, err
	}
	membership, err := PrepareMembershipTable(db)
	if err != nil {
		return nil, err
	}
	global, err := PrepareGlobalTable(db)
	if err != nil {
		return nil, err
	}

	return &shared.Database{
		DB:             db,
		Writer:         sqlutil.NewExclusiveWriter(),
		EventIDs:       eventIDs,
		StateKeyTuples: stateKeyTuples,
		Rooms:          rooms,
		Events:         events,
		StateSnapshots: stateSnapshots,
		Membership:     membership,
		Global:         global,
	}, nil
}
