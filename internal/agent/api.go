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

package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/broadcast"
	"github.com/webclinic017/corrosion/internal/store"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

const (
	apiConcurrency        = 128
	migrationsConcurrency = 4
)

// apiRouter serves the public client surface.
func (a *Agent) apiRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.With(concurrencyLimit("POST /v1/transactions", apiConcurrency)).
		Post("/v1/transactions", a.handleTransactions)
	r.With(concurrencyLimit("POST /v1/queries", apiConcurrency)).
		Post("/v1/queries", a.handleQueries)
	r.With(concurrencyLimit("POST /v1/watches", apiConcurrency)).
		Post("/v1/watches", a.handleWatchCreate)
	r.With(concurrencyLimit("GET /v1/watches", apiConcurrency)).
		Get("/v1/watches/{id}", a.handleWatchStream)
	r.With(concurrencyLimit("POST /v1/migrations", migrationsConcurrency)).
		Post("/v1/migrations", a.handleMigrations)
	return r
}

// StatementResult reports the outcome of one statement.
type StatementResult struct {
	RowsAffected int64   `json:"rows_affected"`
	Time         float64 `json:"time"`
	Error        string  `json:"error,omitempty"`
}

// TransactionsResponse is the rqlite-style response body.
type TransactionsResponse struct {
	Results []StatementResult `json:"results"`
	Time    float64           `json:"time"`
}

func (a *Agent) handleTransactions(w http.ResponseWriter, req *http.Request) {
	var stmts []types.Statement
	if err := json.NewDecoder(req.Body).Decode(&stmts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(stmts) == 0 {
		http.Error(w, "empty statement list", http.StatusBadRequest)
		return
	}

	start := time.Now()
	results, err := a.execTransactions(req.Context(), stmts)
	if err != nil {
		log.WithError(err).Error("could not execute transaction")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, TransactionsResponse{
		Results: results,
		Time:    time.Since(start).Seconds(),
	})
}

// execTransactions runs the statements in one storage transaction,
// assigns the next local version to the produced changes, and queues
// a broadcast.
func (a *Agent) execTransactions(ctx context.Context, stmts []types.Statement) ([]StatementResult, error) {
	conn, release, err := a.pool.Write(ctx, store.WriteNormal)
	if err != nil {
		return nil, err
	}
	defer release()

	var results []StatementResult
	var broadcastChangeset *types.Changeset

	booked := a.bookie.ForActor(a.actorID)
	booked.Write(func(v *bookie.BookedVersions) {
		var tx *sql.Tx
		tx, err = conn.BeginTx(ctx, nil)
		if err != nil {
			err = errors.WithStack(err)
			return
		}
		defer func() { _ = tx.Rollback() }()

		for _, stmt := range stmts {
			stmtStart := time.Now()
			var res sql.Result
			res, err = tx.ExecContext(ctx, stmt.Query, stmt.Params...)
			if err != nil {
				err = errors.Wrapf(err, "statement %q failed", stmt.Query)
				return
			}
			affected, _ := res.RowsAffected()
			results = append(results, StatementResult{
				RowsAffected: affected,
				Time:         time.Since(stmtStart).Seconds(),
			})
		}

		var dbVersion int64
		dbVersion, err = store.NextDBVersion(ctx, tx)
		if err != nil {
			return
		}

		// The engine exposes this transaction's pending changes under
		// the db version it is about to commit.
		var changes []types.Change
		changes, err = store.SelectChanges(ctx, tx, dbVersion, a.actorID)
		if err != nil {
			return
		}
		if len(changes) == 0 {
			// Reads or no-op writes; nothing to book or broadcast.
			err = errors.WithStack(tx.Commit())
			return
		}

		version := int64(1)
		if last, ok := v.Last(); ok {
			version = last + 1
		}
		lastSeq := changes[len(changes)-1].Seq
		ts := a.clock.Now()

		if _, err2 := tx.ExecContext(ctx, insertCurrentVersion,
			a.actorID.String(), version, dbVersion, lastSeq, ts.String()); err2 != nil {
			err = errors.WithStack(err2)
			return
		}
		if err = errors.WithStack(tx.Commit()); err != nil {
			return
		}

		v.Insert(version, types.KnownCurrentVersion(dbVersion, lastSeq, ts))
		broadcastChangeset = &types.Changeset{
			Version: version,
			Changes: changes,
			Seqs:    rangeset.Range{Start: 0, End: lastSeq},
			LastSeq: lastSeq,
			Ts:      ts,
		}
	})
	if err != nil {
		return nil, err
	}

	if broadcastChangeset != nil {
		a.matchers.ProcessChanges(broadcastChangeset.Changes)
		a.dispatcher.Enqueue(broadcast.Input{
			Msg: types.NewChangeMessage(types.ChangeV1{
				ActorID:   a.actorID,
				Changeset: *broadcastChangeset,
			}),
		})
	}
	return results, nil
}

// QueryResponse carries an ad-hoc read result.
type QueryResponse struct {
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
	Time    float64  `json:"time"`
}

func (a *Agent) handleQueries(w http.ResponseWriter, req *http.Request) {
	var stmt types.Statement
	if err := json.NewDecoder(req.Body).Decode(&stmt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	rows, err := a.pool.Read().QueryContext(req.Context(), stmt.Query, stmt.Params...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := QueryResponse{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for i, val := range raw {
			if b, ok := val.([]byte); ok {
				raw[i] = string(b)
			}
		}
		resp.Values = append(resp.Values, raw)
	}
	if err := rows.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.Time = time.Since(start).Seconds()
	writeJSON(w, resp)
}

type watchRequest struct {
	Table string `json:"table"`
}

func (a *Agent) handleWatchCreate(w http.ResponseWriter, req *http.Request) {
	var body watchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Table == "" {
		http.Error(w, "table is required", http.StatusBadRequest)
		return
	}

	m := a.matchers.Create(body.Table)
	writeJSON(w, map[string]string{"id": m.ID.String()})
}

// handleWatchStream sends newline-delimited JSON batches of matching
// changes until the client goes away. The matcher is removed on
// disconnect.
func (a *Agent) handleWatchStream(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(chi.URLParam(req, "id"))
	if err != nil {
		http.Error(w, "malformed watch id", http.StatusBadRequest)
		return
	}
	m, ok := a.matchers.Get(id)
	if !ok {
		http.Error(w, "no such watch", http.StatusNotFound)
		return
	}
	defer a.matchers.Remove(id)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(&flushWriter{w: w})

	for {
		select {
		case batch, open := <-m.Events():
			if !open {
				return
			}
			if err := enc.Encode(batch); err != nil {
				return
			}
		case <-req.Context().Done():
			return
		case <-a.tw.Done():
			return
		}
	}
}

func (a *Agent) handleMigrations(w http.ResponseWriter, req *http.Request) {
	var ddl []string
	if err := json.NewDecoder(req.Body).Decode(&ddl); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(ddl) == 0 {
		http.Error(w, "empty migration list", http.StatusBadRequest)
		return
	}

	if err := a.applySchema(req.Context(), ddl); err != nil {
		log.WithError(err).Error("could not apply schema migration")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// applySchema runs user DDL at the highest write priority, upgrades
// any newly created table to a conflict-free replicated relation, and
// tracks it in the schema table.
func (a *Agent) applySchema(ctx context.Context, ddl []string) error {
	conn, release, err := a.pool.Write(ctx, store.WritePriority)
	if err != nil {
		return err
	}
	defer release()

	before, err := userTables(ctx, conn)
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration statement %q failed", stmt)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WithStack(err)
	}

	after, err := userTables(ctx, conn)
	if err != nil {
		return err
	}

	for name, createSQL := range after {
		if _, existed := before[name]; existed {
			continue
		}
		// New tables start replicating.
		if _, err := conn.ExecContext(ctx, "SELECT crsql_as_crr(?)", name); err != nil {
			return errors.Wrapf(err, "could not upgrade table %q to a crr", name)
		}
		if _, err := conn.ExecContext(ctx, `
            INSERT INTO __corro_schema (tbl_name, type, name, sql, source)
                VALUES (?, 'table', ?, ?, 'api')
                ON CONFLICT (tbl_name, type, name) DO UPDATE SET sql = excluded.sql`,
			name, name, createSQL); err != nil {
			return errors.WithStack(err)
		}
		log.WithField("table", name).Info("added replicated table")
	}

	return nil
}

// userTables lists non-internal tables and their creation SQL.
func userTables(ctx context.Context, q store.Querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT name, sql FROM sqlite_master
            WHERE type = 'table'
              AND name NOT LIKE 'sqlite_%'
              AND name NOT LIKE '__corro_%'
              AND name NOT LIKE '%crsql%'`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, createSQL string
		if err := rows.Scan(&name, &createSQL); err != nil {
			return nil, errors.WithStack(err)
		}
		out[name] = createSQL
	}
	return out, errors.WithStack(rows.Err())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("could not write response body")
	}
}
