// Copyright 2024 coreroomd contributors
package sqlite3

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coreroom/coreroomd/internal/sqlutil"
)

const queuePDUsSchema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_pdus (
    destination TEXT NOT NULL,
    json_nid INTEGER NOT NULL,
    event_id TEXT NOT NULL,
    PRIMARY KEY (destination, json_nid)
);
CREATE INDEX IF NOT EXISTS idx_federationsender_queue_pdus_dest ON federationsender_queue_pdus(destination);
`

const insertQueuePDUSQL = "" +
	"INSERT INTO federationsender_queue_pdus (destination, json_nid, event_id) VALUES ($1, $2, $3)" +
	" ON CONFLICT DO NOTHING"
const selectQueuePDUsSQL = "" +
	"SELECT json_nid FROM federationsender_queue_pdus WHERE destination = $1 ORDER BY json_nid ASC LIMIT $2"
const selectQueuePDUReferenceCountSQL = "" +
	"SELECT COUNT(*) FROM federationsender_queue_pdus WHERE json_nid = $1"
const selectDestinationsWithQueuedPDUsSQL = "" +
	"SELECT DISTINCT destination FROM federationsender_queue_pdus"

type queuePDUsStatements struct {
	db                                   *sql.DB
	insertQueuePDUStmt                   *sql.Stmt
	selectQueuePDUsStmt                  *sql.Stmt
	selectQueuePDUReferenceCountStmt     *sql.Stmt
	selectDestinationsWithQueuedPDUsStmt *sql.Stmt
}

func CreateQueuePDUsTable(db *sql.DB) error {
	_, err := db.Exec(queuePDUsSchema)
	return err
}

func PrepareQueuePDUsTable(db *sql.DB) (*queuePDUsStatements, error) {
	s := &queuePDUsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertQueuePDUStmt, insertQueuePDUSQL},
		{&s.selectQueuePDUsStmt, selectQueuePDUsSQL},
		{&s.selectQueuePDUReferenceCountStmt, selectQueuePDUReferenceCountSQL},
		{&s.selectDestinationsWithQueuedPDUsStmt, selectDestinationsWithQueuedPDUsSQL},
	}.Prepare(db)
}

func (s *queuePDUsStatements) InsertQueuePDU(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, nid int64, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.insertQueuePDUStmt).ExecContext(ctx, serverName, nid, eventID)
	return err
}

func (s *queuePDUsStatements) DeleteQueuePDUs(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, nids []int64) error {
	if len(nids) == 0 {
		return nil
	}
	placeholders := make([]string, len(nids))
	args := make([]interface{}, 0, len(nids)+1)
	args = append(args, serverName)
	for i, nid := range nids {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, nid)
	}
	query := "DELETE FROM federationsender_queue_pdus WHERE destination = $1 AND json_nid IN (" + strings.Join(placeholders, ",") + ")"
	if txn != nil {
		_, err := txn.ExecContext(ctx, query, args...)
		return err
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *queuePDUsStatements) SelectQueuePDUs(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, limit int) ([]int64, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectQueuePDUsStmt).QueryContext(ctx, serverName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var out []int64
	for rows.Next() {
		var nid int64
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		out = append(out, nid)
	}
	return out, rows.Err()
}

func (s *queuePDUsStatements) SelectQueuePDUReferenceCount(ctx context.Context, txn *sql.Tx, nid int64) (int64, error) {
	var count int64
	err := sqlutil.TxStmt(txn, s.selectQueuePDUReferenceCountStmt).QueryRowContext(ctx, nid).Scan(&count)
	return count, err
}

func (s *queuePDUsStatements) SelectDestinationsWithQueuedPDUs(ctx context.Context, txn *sql.Tx) ([]spec.ServerName, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectDestinationsWithQueuedPDUsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var out []spec.ServerName
	for rows.Next() {
		var dest spec.ServerName
		if err := rows.Scan(&dest); err != nil {
			return nil, err
		}
		out = append(out, dest)
	}
	return out, rows.Err()
}
