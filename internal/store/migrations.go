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
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// A Migration advances the agent schema by one step inside the given
// transaction.
type Migration func(context.Context, *sql.Tx) error

// migrations is the linear migration list. Never reorder entries; the
// schema version persisted in PRAGMA user_version indexes into it.
var migrations = []Migration{
	initMigration,
}

const initSchema = `
-- internal bookkeeping
CREATE TABLE __corro_bookkeeping (
    actor_id TEXT NOT NULL,
    start_version INTEGER NOT NULL,
    end_version INTEGER,
    db_version INTEGER,

    last_seq INTEGER,

    ts TEXT,

    PRIMARY KEY (actor_id, start_version)
) WITHOUT ROWID;

-- internal per-version seq bookkeeping
CREATE TABLE __corro_seq_bookkeeping (
    -- remote actor / site id
    site_id BLOB NOT NULL,
    -- remote internal version
    version INTEGER NOT NULL,

    -- start and end seq for this bookkept record
    start_seq INTEGER NOT NULL,
    end_seq INTEGER NOT NULL,

    last_seq INTEGER NOT NULL,

    -- timestamp, need to propagate...
    ts TEXT NOT NULL,

    PRIMARY KEY (site_id, version, start_seq)
) WITHOUT ROWID;

-- buffered changes (similar schema as crsql_changes)
CREATE TABLE __corro_buffered_changes (
    "table" TEXT NOT NULL,
    pk BLOB NOT NULL,
    cid TEXT NOT NULL,
    val ANY,
    col_version INTEGER NOT NULL,
    db_version INTEGER NOT NULL,
    site_id BLOB NOT NULL, -- differs from crsql_changes, we never buffer our own
    seq INTEGER NOT NULL,
    cl INTEGER NOT NULL, -- causal length

    version INTEGER NOT NULL,

    PRIMARY KEY (site_id, db_version, version, seq)
) WITHOUT ROWID;

-- SWIM memberships
CREATE TABLE __corro_members (
    id TEXT PRIMARY KEY NOT NULL,
    address TEXT NOT NULL,

    state TEXT NOT NULL DEFAULT 'down',

    member_state JSON
) WITHOUT ROWID;

-- tracked corrosion schema
CREATE TABLE __corro_schema (
    tbl_name TEXT NOT NULL,
    type TEXT NOT NULL,
    name TEXT NOT NULL,
    sql TEXT NOT NULL,

    source TEXT NOT NULL,

    PRIMARY KEY (tbl_name, type, name)
) WITHOUT ROWID;
`

func initMigration(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, initSchema)
	return errors.WithStack(err)
}

// Migrate brings the agent schema up to date. The write connection is
// held at the highest priority for the duration.
func Migrate(ctx context.Context, pool *Pool) error {
	conn, release, err := pool.Write(ctx, WritePriority)
	if err != nil {
		return err
	}
	defer release()

	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return errors.WithStack(err)
	}
	if version > len(migrations) {
		return errors.Errorf("database schema version %d is newer than this build (%d)", version, len(migrations))
	}

	for ; version < len(migrations); version++ {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := migrations[version](ctx, tx); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "migration %d failed", version+1)
		}
		// PRAGMA cannot take bind parameters.
		if _, err := tx.ExecContext(ctx, pragmaUserVersion(version+1)); err != nil {
			_ = tx.Rollback()
			return errors.WithStack(err)
		}
		if err := tx.Commit(); err != nil {
			return errors.WithStack(err)
		}
		log.WithField("version", version+1).Info("applied schema migration")
	}

	return nil
}

func pragmaUserVersion(v int) string {
	// v is a small trusted integer, never user input.
	return fmt.Sprintf("PRAGMA user_version = %d", v)
}
