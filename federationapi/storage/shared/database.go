// Copyright 2024 coreroomd contributors
//
// Package shared composes the outbound sender's per-concern table
// interfaces into one backend-agnostic Database, mirroring
// roomserver/storage/shared.
package shared

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coreroom/coreroomd/federationapi/storage/tables"
	"github.com/coreroom/coreroomd/federationapi/types"
	"github.com/coreroom/coreroomd/internal/sqlutil"
)

// Database is the backend-agnostic federation-sender storage facade.
type Database struct {
	DB         *sql.DB
	Writer     sqlutil.Writer
	RetryState tables.RetryState
	Blacklist  tables.Blacklist
	QueuePDUs  tables.QueuePDUs
	QueueEDUs  tables.QueueEDUs
	QueueJSON  tables.QueueJSON
}

// GetRetryState returns the persisted backoff state for serverName, or
// (0, 0, false) if the destination has never failed.
func (d *Database) GetRetryState(ctx context.Context, serverName spec.ServerName) (uint32, spec.Timestamp, bool, error) {
	return d.RetryState.SelectRetryState(ctx, nil, serverName)
}

// SetRetryState persists a destination's backoff bookkeeping (spec.md
// §4.5 "On failure ... schedule a backoff timer").
func (d *Database) SetRetryState(ctx context.Context, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RetryState.UpsertRetryState(ctx, txn, serverName, failureCount, retryUntil)
	})
}

// ClearRetryState removes a destination's backoff row entirely, used
// once a transaction succeeds and its status returns to idle.
func (d *Database) ClearRetryState(ctx context.Context, serverName spec.ServerName) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RetryState.DeleteRetryState(ctx, txn, serverName)
	})
}

// AllRetryStates is used at startup to reconstruct in-memory
// transaction status for every destination with unresolved backoff
// (spec.md §4.5 "Startup netburst. On handler start, reload all
// persisted active+pending rows").
func (d *Database) AllRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error) {
	return d.RetryState.SelectAllRetryStates(ctx, nil)
}

// IsBlacklisted reports whether serverName is on the local deny-list
// driven by spec.md §6's forbidden_remote_server_names ACL.
func (d *Database) IsBlacklisted(ctx context.Context, serverName spec.ServerName) (bool, error) {
	return d.Blacklist.SelectBlacklisted(ctx, nil, serverName)
}

// SetBlacklisted replaces the persisted blacklist with exactly the
// given set of server names, in one transaction.
func (d *Database) SetBlacklisted(ctx context.Context, serverNames []spec.ServerName) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Blacklist.DeleteAllBlacklist(ctx, txn); err != nil {
			return err
		}
		for _, s := range serverNames {
			if err := d.Blacklist.InsertBlacklist(ctx, txn, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnqueuePDU persists a PDU reference for destination, storing the
// event JSON once (content-addressed by nid) and inserting a queue row
// pointing at it (spec.md §3 "Outbound queue entry").
func (d *Database) EnqueuePDU(ctx context.Context, serverName spec.ServerName, eventID string, eventJSON []byte) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		nid, err := d.QueueJSON.InsertQueueJSON(ctx, txn, eventJSON)
		if err != nil {
			return err
		}
		return d.QueuePDUs.InsertQueuePDU(ctx, txn, serverName, nid, eventID)
	})
}

// EnqueueEDU persists an EDU blob for destination.
func (d *Database) EnqueueEDU(ctx context.Context, serverName spec.ServerName, eduJSON []byte) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		nid, err := d.QueueJSON.InsertQueueJSON(ctx, txn, eduJSON)
		if err != nil {
			return err
		}
		return d.QueueEDUs.InsertQueueEDU(ctx, txn, serverName, nid)
	})
}

// PendingPDUs returns up to limit queued PDUs for a destination,
// resolved to their JSON bodies, in enqueue order.
func (d *Database) PendingPDUs(ctx context.Context, serverName spec.ServerName, limit int) ([]types.QueuedPDU, error) {
	nids, err := d.QueuePDUs.SelectQueuePDUs(ctx, nil, serverName, limit)
	if err != nil {
		return nil, err
	}
	if len(nids) == 0 {
		return nil, nil
	}
	bodies, err := d.QueueJSON.SelectQueueJSON(ctx, nil, nids)
	if err != nil {
		return nil, err
	}
	out := make([]types.QueuedPDU, 0, len(nids))
	for _, nid := range nids {
		out = append(out, types.QueuedPDU{NID: nid, EventJSON: bodies[nid]})
	}
	return out, nil
}

// PendingEDUs returns up to limit queued EDUs for a destination.
func (d *Database) PendingEDUs(ctx context.Context, serverName spec.ServerName, limit int) ([]types.QueuedEDU, error) {
	nids, err := d.QueueEDUs.SelectQueueEDUs(ctx, nil, serverName, limit)
	if err != nil {
		return nil, err
	}
	if len(nids) == 0 {
		return nil, nil
	}
	bodies, err := d.QueueJSON.SelectQueueJSON(ctx, nil, nids)
	if err != nil {
		return nil, err
	}
	out := make([]types.QueuedEDU, 0, len(nids))
	for _, nid := range nids {
		out = append(out, types.QueuedEDU{NID: nid, JSON: bodies[nid]})
	}
	return out, nil
}

// CleanPDUs deletes delivered PDU rows for a destination and, for any
// whose reference count drops to zero, their backing JSON blob too
// (spec.md §3 "entries move active->deleted only after the peer
// acknowledges").
func (d *Database) CleanPDUs(ctx context.Context, serverName spec.ServerName, nids []int64) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.QueuePDUs.DeleteQueuePDUs(ctx, txn, serverName, nids); err != nil {
			return err
		}
		var orphaned []int64
		for _, nid := range nids {
			count, err := d.QueuePDUs.SelectQueuePDUReferenceCount(ctx, txn, nid)
			if err != nil {
				return err
			}
			if count == 0 {
				orphaned = append(orphaned, nid)
			}
		}
		return d.QueueJSON.DeleteQueueJSON(ctx, txn, orphaned)
	})
}

// CleanEDUs deletes delivered EDU rows and their backing JSON blobs
// (EDUs are never deduplicated across destinations, so no reference
// count check is needed).
func (d *Database) CleanEDUs(ctx context.Context, serverName spec.ServerName, nids []int64) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.QueueEDUs.DeleteQueueEDUs(ctx, txn, serverName, nids); err != nil {
			return err
		}
		return d.QueueJSON.DeleteQueueJSON(ctx, txn, nids)
	})
}

// DestinationsWithQueuedWork lists every destination with at least one
// queued PDU or EDU, used to reconstruct in-memory queue state at
// startup.
func (d *Database) DestinationsWithQueuedWork(ctx context.Context) ([]spec.ServerName, error) {
	pdu, err := d.QueuePDUs.SelectDestinationsWithQueuedPDUs(ctx, nil)
	if err != nil {
		return nil, err
	}
	edu, err := d.QueueEDUs.SelectDestinationsWithQueuedEDUs(ctx, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[spec.ServerName]struct{}, len(pdu)+len(edu))
	var out []spec.ServerName
	for _, s := range append(pdu, edu...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
