// Copyright 2024 coreroomd contributors
package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coreroom/coreroomd/internal/sqlutil"
)

const queueEDUsSchema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_edus (
    destination TEXT NOT NULL,
    json_nid BIGINT NOT NULL,
    PRIMARY KEY (destination, json_nid)
);
CREATE INDEX IF NOT EXISTS idx_federationsender_queue_edus_dest ON federationsender_queue_edus(destination);
`

const insertQueueEDUSQL = "" +
	"INSERT INTO federationsender_queue_edus (destination, json_nid) VALUES ($1, $2)" +
	" ON CONFLICT DO NOTHING"
const selectQueueEDUsSQL = "" +
	"SELECT json_nid FROM federationsender_queue_edus WHERE destination = $1 ORDER BY json_nid ASC LIMIT $2"
const selectDestinationsWithQueuedEDUsSQL = "" +
	"SELECT DISTINCT destination FROM federationsender_queue_edus"

type queueEDUsStatements struct {
	db                                   *sql.DB
	insertQueueEDUStmt                   *sql.Stmt
	selectQueueEDUsStmt                  *sql.Stmt
	selectDestinationsWithQueuedEDUsStmt *sql.Stmt
}

func CreateQueueEDUsTable(db *sql.DB) error {
	_, err := db.Exec(queueEDUsSchema)
	return err
}

func PrepareQueueEDUsTable(db *sql.DB) (*queueEDUsStatements, error) {
	s := &queueEDUsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertQueueEDUStmt, insertQueueEDUSQL},
		{&s.selectQueueEDUsStmt, selectQueueEDUsSQL},
		{&s.selectDestinationsWithQueuedEDUsStmt, selectDestinationsWithQueuedEDUsSQL},
	}.Prepare(db)
}

func (s *queueEDUsStatements) InsertQueueEDU(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, nid int64) error {
	_, err := sqlutil.TxStmt(txn, s.insertQueueEDUStmt).ExecContext(ctx, serverName, nid)
	return err
}

func (s *queueEDUsStatements) DeleteQueueEDUs(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, nids []int64) error {
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
	query := "DELETE FROM federationsender_queue_edus WHERE destination = $1 AND json_nid IN (" + strings.Join(placeholders, ",") + ")"
	if txn != nil {
		_, err := txn.ExecContext(ctx, query, args...)
		return err
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *queueEDUsStatements) SelectQueueEDUs(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, limit int) ([]int64, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectQueueEDUsStmt).QueryContext(ctx, serverName, limit)
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

func (s *queueEDUsStatements) SelectDestinationsWithQueuedEDUs(ctx context.Context, txn *sql.Tx) ([]spec.ServerName, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectDestinationsWithQueuedEDUsStmt).QueryContext(ctx)
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
