// Copyright 2024 coreroomd contributors
//
// Package postgres wires the postgres table implementations into a
// federationapi/storage/shared.Database.
package postgres

import (
	"database/sql"
	"fmt"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/coreroom/coreroomd/federationapi/storage/shared"
	"github.com/coreroom/coreroomd/internal/sqlutil"
)

// Open connects to a postgres database at dataSourceName, creates any
// missing tables, and returns a ready-to-use Database. Postgres
// tolerates concurrent writers, so the dummy Writer is used; the
// outbound sender serializes per-destination access itself via the
// in-memory destinationQueue state machine, not via the storage
// writer.
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if err := CreateRetryStateTable(db); err != nil {
		return nil, fmt.Errorf("postgres: retry state schema: %w", err)
	}
	if err := CreateBlacklistTable(db); err != nil {
		return nil, fmt.Errorf("postgres: blacklist schema: %w", err)
	}
	if err := CreateQueueJSONTable(db); err != nil {
		return nil, fmt.Errorf("postgres: queue json schema: %w", err)
	}
	if err := CreateQueuePDUsTable(db); err != nil {
		return nil, fmt.Errorf("postgres: queue pdus schema: %w", err)
	}
	if err := CreateQueueEDUsTable(db); err != nil {
		return nil, fmt.Errorf("postgres: queue edus schema: %w", err)
	}

	retryState, err := PrepareRetryStateTable(db)
	if err != nil {
		return nil, err
	}
	blacklist, err := PrepareBlacklistTable(db)
	if err != nil {
		return nil, err
	}
	queueJSON, err := PrepareQueueJSONTable(db)
	if err != nil {
		return nil, err
	}
	queuePDUs, err := PrepareQueuePDUsTable(db)
	if err != nil {
		return nil, err
	}
	queueEDUs, err := PrepareQueueEDUsTable(db)
	if err != nil {
		return nil, err
	}

	return &shared.Database{
		DB:         db,
		Writer:     sqlutil.NewDummyWriter(),
		RetryState: retryState,
		Blacklist:  blacklist,
		QueueJSON:  queueJSON,
		QueuePDUs:  queuePDUs,
		QueueEDUs:  queueEDUs,
	}, nil
}
