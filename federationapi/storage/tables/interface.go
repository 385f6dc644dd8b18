// Copyright 2024 coreroomd contributors
//
// Package tables declares the outbound sender's storage split, mirroring
// roomserver/storage/tables: one Go interface per concern, implemented
// separately for postgres and sqlite3.
package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coreroom/coreroomd/federationapi/types"
)

// RetryState persists per-destination backoff bookkeeping (spec.md
// §4.5), grounded on the teacher's federationsender_retry_state table.
type RetryState interface {
	UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error
	SelectRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error)
	SelectAllRetryStates(ctx context.Context, txn *sql.Tx) (map[spec.ServerName]types.RetryState, error)
	DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
}

// Blacklist persists servers the outbound sender must never dial,
// adapted from the teacher's federationsender_whitelist table (there
// tracking an allow-set; here tracking the deny-set driven by
// spec.md §6's forbidden_remote_server_names ACL, so a config change
// survives restart without re-parsing the list into memory each time).
type Blacklist interface {
	InsertBlacklist(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
	SelectBlacklisted(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (bool, error)
	DeleteBlacklist(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
	DeleteAllBlacklist(ctx context.Context, txn *sql.Tx) error
}

// QueuePDUs persists queued/active outbound PDU references per
// destination (spec.md §3 "Outbound queue entry").
type QueuePDUs interface {
	InsertQueuePDU(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, nid int64, eventID string) error
	DeleteQueuePDUs(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, nids []int64) error
	SelectQueuePDUs(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, limit int) ([]int64, error)
	SelectQueuePDUReferenceCount(ctx context.Context, txn *sql.Tx, nid int64) (int64, error)
	SelectDestinationsWithQueuedPDUs(ctx context.Context, txn *sql.Tx) ([]spec.ServerName, error)
}

// QueueEDUs persists queued outbound EDU blobs per destination.
type QueueEDUs interface {
	InsertQueueEDU(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, nid int64) error
	DeleteQueueEDUs(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, nids []int64) error
	SelectQueueEDUs(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, limit int) ([]int64, error)
	SelectDestinationsWithQueuedEDUs(ctx context.Context, txn *sql.Tx) ([]spec.ServerName, error)
}

// QueueJSON is the content-addressed blob store backing QueuePDUs /
// QueueEDUs rows: a queued reference points at one of these by nid.
type QueueJSON interface {
	InsertQueueJSON(ctx context.Context, txn *sql.Tx, json []byte) (int64, error)
	SelectQueueJSON(ctx context.Context, txn *sql.Tx, nids []int64) (map[int64][]byte, error)
	DeleteQueueJSON(ctx context.Context, txn *sql.Tx, nids []int64) error
}
