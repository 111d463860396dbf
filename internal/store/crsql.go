// Copyright 2023 The Corrosion Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/types"
)

// Querier is implemented by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Conn)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// NextDBVersion returns the db version the storage engine will assign
// to the current transaction's changes.
func NextDBVersion(ctx context.Context, q Querier) (int64, error) {
	var v int64
	if err := q.QueryRowContext(ctx, "SELECT crsql_nextdbversion()").Scan(&v); err != nil {
		return 0, errors.WithStack(err)
	}
	return v, nil
}

// DBVersion returns the highest db version applied locally.
func DBVersion(ctx context.Context, q Querier) (int64, error) {
	var v int64
	if err := q.QueryRowContext(ctx, "SELECT crsql_dbversion()").Scan(&v); err != nil {
		return 0, errors.WithStack(err)
	}
	return v, nil
}

// RowsImpacted returns the session counter of rows affected by crsql
// change application.
func RowsImpacted(ctx context.Context, q Querier) (int64, error) {
	var v int64
	if err := q.QueryRowContext(ctx, "SELECT crsql_rows_impacted()").Scan(&v); err != nil {
		return 0, errors.WithStack(err)
	}
	return v, nil
}

// LiveDBVersions returns the db versions in [min, max] that still have
// rows in the live store.
func LiveDBVersions(ctx context.Context, q Querier, min, max int64) (map[int64]struct{}, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT db_version FROM crsql_dbversions_count WHERE db_version >= ? AND db_version <= ?",
		min, max)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	live := make(map[int64]struct{})
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, errors.WithStack(err)
		}
		live[v] = struct{}{}
	}
	return live, errors.WithStack(rows.Err())
}

// SiteID reads the storage engine's site id.
func SiteID(ctx context.Context, q Querier) (types.ActorID, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, "SELECT site_id FROM __crsql_siteid LIMIT 1").Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return types.ActorID{}, nil
	case err != nil:
		return types.ActorID{}, errors.WithStack(err)
	}
	return types.ActorIDFromBytes(raw)
}

// ReconcileSiteID makes the storage engine's site id match the given
// actor id, overriding crsql's if they diverge.
func ReconcileSiteID(ctx context.Context, q Querier, actorID types.ActorID) error {
	current, err := SiteID(ctx, q)
	if err != nil {
		return err
	}
	if current == actorID {
		return nil
	}

	log.WithFields(log.Fields{
		"crsql_siteid": current,
		"actor_id":     actorID,
	}).Warn("mismatched crsql site id and actor id, overriding crsql's")

	_, err = q.ExecContext(ctx, "UPDATE __crsql_siteid SET site_id = ?", actorID.Bytes())
	return errors.WithStack(err)
}

// SelectChanges reads the crsql_changes rows for one locally applied
// db version, in seq order, stamping the given site id on rows the
// engine reports as locally originated (NULL site_id).
func SelectChanges(ctx context.Context, q Querier, dbVersion int64, selfID types.ActorID) ([]types.Change, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT "table", pk, cid, val, col_version, db_version, COALESCE(site_id, ?), seq, cl
            FROM crsql_changes
            WHERE db_version = ?
            ORDER BY seq ASC`,
		selfID.Bytes(), dbVersion)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var changes []types.Change
	for rows.Next() {
		var c types.Change
		if err := rows.Scan(&c.Table, &c.Pk, &c.Cid, &c.Val, &c.ColVersion, &c.DBVersion, &c.SiteID, &c.Seq, &c.Cl); err != nil {
			return nil, errors.WithStack(err)
		}
		changes = append(changes, c)
	}
	return changes, errors.WithStack(rows.Err())
}

// WALCheckpoint truncates the write-ahead log. It reports whether the
// database was too busy to checkpoint.
func WALCheckpoint(ctx context.Context, pool *Pool) (busy bool, _ error) {
	conn, release, err := pool.Write(ctx, WriteLow)
	if err != nil {
		return false, err
	}
	defer release()

	var busyInt, logPages, checkpointed int64
	err = conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").
		Scan(&busyInt, &logPages, &checkpointed)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return busyInt != 0, nil
}
