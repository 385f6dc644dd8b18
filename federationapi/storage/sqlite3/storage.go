// Copyright 2024 coreroomd contributors
//
// Package sqlite3 wires the sqlite3 table implementations into a
// federationapi/storage/shared.Database.
package sqlite3

import (
	"database/sql"
	"fmt"

	// Registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/coreroom/coreroomd/federationapi/storage/shared"
	"github.com/coreroom/coreroomd/internal/sqlutil"
)

// Open opens a sqlite3 database file at dataSourceName, creates any
// missing tables, and returns a ready-to-use Database. As with the
// roomserver store, sqlite3 permits only a single writer at a time,
// so the exclusive Writer is used.
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := CreateRetryStateTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: retry state schema: %w", err)
	}
	if err := CreateBlacklistTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: blacklist schema: %w", err)
	}
	if err := CreateQueueJSONTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: queue json schema: %w", err)
	}
	if err := CreateQueuePDUsTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: queue pdus schema: %w", err)
	}
	if err := CreateQueueEDUsTable(db); err != nil {
		return nil, fmt.Errorf("sqlite3: queue edus schema: %w", err)
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
		Writer:     sqlutil.NewExclusiveWriter(),
		RetryState: retryState,
		Blacklist:  blacklist,
		QueueJSON:  queueJSON,
		QueuePDUs:  queuePDUs,
		QueueEDUs:  queueEDUs,
	}, nil
}
