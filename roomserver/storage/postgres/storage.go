// Copyright 2024 coreroomd contributors
//
// Package postgres wires the postgres table implementations into a
// roomserver/storage/shared.Database, the way the teacher's
// roomserver/storage/postgres.Open does for dendrite.
package postgres

import (
	"database/sql"
	"fmt"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/coreroom/coreroomd/internal/sqlutil"
	"github.com/coreroom/coreroomd/roomserver/storage/shared"
)

// Open connects to a postgres database at dataSourceName, creates any
// missing tables, and returns a ready-to-use Database. Postgres
// tolerates concurrent writers, so the dummy Writer is used (spec.md
// §5 contains no postgres-specific serialization requirement beyond
// the per-room mutex table, which lives above the storage layer).
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if err := CreateEventIDsTable(db); err != nil {
		return nil, fmt.Errorf("postgres: event ids schema: %w", err)
	}
	if err := CreateStateKeyTuplesTable(db); err != nil {
		return nil, fmt.Errorf("postgres: state key tuples schema: %w", err)
	}
	if err := CreateRoomsTable(db); err != nil {
		return nil, fmt.Errorf("postgres: rooms schema: %w", err)
	}
	if err := CreateEventsTable(db); err != nil {
		return nil, fmt.Errorf("postgres: events schema: %w", err)
	}
	if err := CreateStateSnapshotsTable(db); err != nil {
		return nil, fmt.Errorf("postgres: state snapshots schema: %w", err)
	}
	if err := CreateMembershipTable(db); err != nil {
		return nil, fmt.Errorf("postgres: membership schema: %w", err)
	}
	if err := CreateGlobalTable(db); err != nil {
		return nil, fmt.Errorf("postgres: global schema: %w", err)
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
		Writer:         sqlutil.NewDummyWriter(),
		EventIDs:       eventIDs,
		StateKeyTuples: stateKeyTuples,
		Rooms:          rooms,
		Events:         events,
		StateSnapshots: stateSnapshots,
		Membership:     membership,
		Global:         global,
	}, nil
}
