// Copyright 2024 coreroomd contributors
package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/coreroom/coreroomd/internal/sqlutil"
)

// Content-addressed blob store for queued PDU/EDU payloads, so a PDU
// fanned out to many destinations is stored once (spec.md §3 "Outbound
// queue entry ... payload_ref").
const queueJSONSchema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_json (
    json_nid BIGSERIAL PRIMARY KEY,
    json_body TEXT NOT NULL
);
`

const insertQueueJSONSQL = "" +
	"INSERT INTO federationsender_queue_json (json_body) VALUES ($1) RETURNING json_nid"

type queueJSONStatements struct {
	db                  *sql.DB
	insertQueueJSONStmt *sql.Stmt
}

func CreateQueueJSONTable(db *sql.DB) error {
	_, err := db.Exec(queueJSONSchema)
	return err
}

func PrepareQueueJSONTable(db *sql.DB) (*queueJSONStatements, error) {
	s := &queueJSONStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertQueueJSONStmt, insertQueueJSONSQL},
	}.Prepare(db)
}

func (s *queueJSONStatements) InsertQueueJSON(ctx context.Context, txn *sql.Tx, json []byte) (int64, error) {
	var nid int64
	err := sqlutil.TxStmt(txn, s.insertQueueJSONStmt).QueryRowContext(ctx, string(json)).Scan(&nid)
	return nid, err
}

func (s *queueJSONStatements) SelectQueueJSON(ctx context.Context, txn *sql.Tx, nids []int64) (map[int64][]byte, error) {
	if len(nids) == 0 {
		return map[int64][]byte{}, nil
	}
	placeholders := make([]string, len(nids))
	args := make([]interface{}, len(nids))
	for i, nid := range nids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = nid
	}
	query := "SELECT json_nid, json_body FROM federationsender_queue_json WHERE json_nid IN (" + strings.Join(placeholders, ",") + ")"
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	out := make(map[int64][]byte, len(nids))
	for rows.Next() {
		var nid int64
		var body string
		if err := rows.Scan(&nid, &body); err != nil {
			return nil, err
		}
		out[nid] = []byte(body)
	}
	return out, rows.Err()
}

func (s *queueJSONStatements) DeleteQueueJSON(ctx context.Context, txn *sql.Tx, nids []int64) error {
	if len(nids) == 0 {
		return nil
	}
	placeholders := make([]string, len(nids))
	args := make([]interface{}, len(nids))
	for i, nid := range nids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = nid
	}
	query := "DELETE FROM federationsender_queue_json WHERE json_nid IN (" + strings.Join(placeholders, ",") + ")"
	if txn != nil {
		_, err := txn.ExecContext(ctx, query, args...)
		return err
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
