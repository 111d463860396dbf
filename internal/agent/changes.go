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
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/store"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

// Bookkeeping statements. Conflicts on (actor_id, start_version) mean
// a concurrent or earlier delivery already recorded the row.
const (
	insertClearedRange = `
INSERT INTO __corro_bookkeeping (actor_id, start_version, end_version, db_version, ts)
    VALUES (?, ?, ?, NULL, NULL)
    ON CONFLICT (actor_id, start_version) DO NOTHING`

	insertCurrentVersion = `
INSERT INTO __corro_bookkeeping (actor_id, start_version, db_version, last_seq, ts)
    VALUES (?, ?, ?, ?, ?)`

	insertClearedVersion = `
INSERT INTO __corro_bookkeeping (actor_id, start_version, last_seq, ts)
    VALUES (?, ?, ?, ?)`

	insertBufferedChange = `
INSERT INTO __corro_buffered_changes
    ("table", pk, cid, val, col_version, db_version, site_id, seq, cl, version)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (site_id, db_version, version, seq) DO NOTHING`

	insertChange = `
INSERT INTO crsql_changes
    ("table", pk, cid, val, col_version, db_version, seq, site_id, cl)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	promoteBufferedChanges = `
INSERT INTO crsql_changes ("table", pk, cid, val, col_version, db_version, seq, site_id, cl)
    SELECT "table", pk, cid, val, col_version, db_version, seq, site_id, cl
        FROM __corro_buffered_changes
        WHERE site_id = ? AND version = ?
        ORDER BY db_version ASC, seq ASC`

	deleteBufferedRange = `
DELETE FROM __corro_buffered_changes
    WHERE site_id = ? AND version >= ? AND version <= ?`

	deleteSeqBookkeepingRange = `
DELETE FROM __corro_seq_bookkeeping
    WHERE site_id = ? AND version >= ? AND version <= ?`

	selectSeqBookkeeping = `
SELECT start_seq, end_seq FROM __corro_seq_bookkeeping
    WHERE site_id = ? AND version = ?`

	insertSeqBookkeeping = `
INSERT INTO __corro_seq_bookkeeping (site_id, version, start_seq, end_seq, last_seq, ts)
    VALUES (?, ?, ?, ?, ?, ?)`
)

// ProcessSingleVersion ingests one changeset: buffered as a partial,
// applied as a whole version, or recorded as a cleared range. It
// returns the changeset worth rebroadcasting (impactful rows only),
// or nil when the delivery was already known.
func (a *Agent) ProcessSingleVersion(ctx context.Context, change types.ChangeV1) (*types.Changeset, error) {
	changeset := change.Changeset
	versions := changeset.Versions()
	seqs := changesetSeqs(&changeset)

	if a.bookie.Contains(change.ActorID, versions, seqs) {
		log.Tracef("already seen versions %s from %s", versions, change.ActorID)
		return nil, nil
	}

	log.WithFields(log.Fields{
		"actor":    change.ActorID,
		"versions": versions,
		"changes":  changeset.Len(),
	}).Trace("processing changeset")

	conn, release, err := a.pool.Write(ctx, store.WriteNormal)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *types.Changeset
	booked := a.bookie.ForActor(change.ActorID)
	booked.Write(func(v *bookie.BookedVersions) {
		// Check again, it might've changed while we acquired the lock.
		if v.ContainsAll(versions, seqs) {
			log.Trace("previously unknown versions are now deemed known, aborting inserts")
			return
		}
		out, err = a.applyChangeset(ctx, conn, v, change.ActorID, changeset)
	})
	if err != nil || out == nil {
		return nil, err
	}

	if !out.IsEmpty() {
		a.matchers.ProcessChanges(out.Changes)
	}
	return out, nil
}

// applyChangeset runs under the per-actor write lock and a single
// storage transaction.
func (a *Agent) applyChangeset(
	ctx context.Context,
	conn *sql.Conn,
	v *bookie.BookedVersions,
	actorID types.ActorID,
	changeset types.Changeset,
) (*types.Changeset, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback() }()

	if changeset.IsEmpty() {
		if err := storeEmptyChangeset(ctx, tx, actorID, changeset.EmptyVersions); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, errors.WithStack(err)
		}
		v.InsertRange(changeset.EmptyVersions, types.KnownClearedVersion())
		return &changeset, nil
	}

	if !changeset.IsComplete() {
		return a.bufferFragment(ctx, tx, v, actorID, changeset)
	}

	return a.applyCompleteVersion(ctx, tx, v, actorID, changeset)
}

// storeEmptyChangeset books a cleared range and purges anything
// buffered for it.
func storeEmptyChangeset(ctx context.Context, tx *sql.Tx, actorID types.ActorID, versions rangeset.Range) error {
	if _, err := tx.ExecContext(ctx, insertClearedRange,
		actorID.String(), versions.Start, versions.End); err != nil {
		return errors.WithStack(err)
	}
	if _, err := tx.ExecContext(ctx, deleteSeqBookkeepingRange,
		actorID.Bytes(), versions.Start, versions.End); err != nil {
		return errors.WithStack(err)
	}
	if _, err := tx.ExecContext(ctx, deleteBufferedRange,
		actorID.Bytes(), versions.Start, versions.End); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// bufferFragment stages an incomplete fragment and merges its seq
// range into the persisted seq bookkeeping. A version whose merged set
// has no gaps left is scheduled for promotion.
func (a *Agent) bufferFragment(
	ctx context.Context,
	tx *sql.Tx,
	v *bookie.BookedVersions,
	actorID types.ActorID,
	changeset types.Changeset,
) (*types.Changeset, error) {
	inserted := 0
	for _, c := range changeset.Changes {
		res, err := tx.ExecContext(ctx, insertBufferedChange,
			c.Table, c.Pk, c.Cid, []byte(c.Val), c.ColVersion, c.DBVersion,
			c.SiteID, c.Seq, c.Cl, changeset.Version)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if inserted != len(changeset.Changes) {
		log.WithFields(log.Fields{
			"actor":    actorID,
			"version":  changeset.Version,
			"inserted": inserted,
			"total":    len(changeset.Changes),
		}).Debug("did not insert as many changes")
	}

	// Merge the new range into all recorded seqs for the version.
	recorded := rangeset.NewSet()
	rows, err := tx.QueryContext(ctx, selectSeqBookkeeping, actorID.Bytes(), changeset.Version)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for rows.Next() {
		var r rangeset.Range
		if err := rows.Scan(&r.Start, &r.End); err != nil {
			rows.Close()
			return nil, errors.WithStack(err)
		}
		recorded.Insert(r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	recorded.Insert(changeset.Seqs)

	if prev, ok := v.Get(changeset.Version); ok && prev.Kind == types.KnownPartial && prev.LastSeq != changeset.LastSeq {
		log.WithFields(log.Fields{
			"actor":   actorID,
			"version": changeset.Version,
			"prev":    prev.LastSeq,
			"next":    changeset.LastSeq,
		}).Debug("fragment disagrees on last_seq, overwriting")
	}

	// Rewrite the persisted seq rows as the coalesced, disjoint set.
	if _, err := tx.ExecContext(ctx, deleteSeqBookkeepingRange,
		actorID.Bytes(), changeset.Version, changeset.Version); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, r := range recorded.Ranges() {
		if _, err := tx.ExecContext(ctx, insertSeqBookkeeping,
			actorID.Bytes(), changeset.Version, r.Start, r.End,
			changeset.LastSeq, changeset.Ts.String()); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WithStack(err)
	}

	gaps := recorded.Gaps(rangeset.Range{Start: 0, End: changeset.LastSeq})
	v.Insert(changeset.Version, types.KnownPartialVersion(recorded, changeset.LastSeq, changeset.Ts))

	if len(gaps) == 0 {
		a.scheduleApply(ctx, actorID, changeset.Version)
	} else {
		log.WithFields(log.Fields{
			"actor":   actorID,
			"version": changeset.Version,
			"gaps":    len(gaps),
		}).Trace("still missing seqs")
	}

	return &changeset, nil
}

// applyCompleteVersion feeds a full version into the live store,
// keeping only the changes that actually impacted rows.
func (a *Agent) applyCompleteVersion(
	ctx context.Context,
	tx *sql.Tx,
	v *bookie.BookedVersions,
	actorID types.ActorID,
	changeset types.Changeset,
) (*types.Changeset, error) {
	var impactful []types.Change
	var lastImpacted int64

	for _, c := range changeset.Changes {
		if _, err := tx.ExecContext(ctx, insertChange,
			c.Table, c.Pk, c.Cid, []byte(c.Val), c.ColVersion, c.DBVersion,
			c.Seq, c.SiteID, c.Cl); err != nil {
			return nil, errors.WithStack(err)
		}
		impacted, err := store.RowsImpacted(ctx, tx)
		if err != nil {
			return nil, err
		}
		if impacted > lastImpacted {
			impactful = append(impactful, c)
		}
		lastImpacted = impacted
	}

	var known types.KnownVersion
	var out types.Changeset
	if len(impactful) > 0 {
		dbVersion, err := store.NextDBVersion(ctx, tx)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, insertCurrentVersion,
			actorID.String(), changeset.Version, dbVersion,
			changeset.LastSeq, changeset.Ts.String()); err != nil {
			return nil, errors.WithStack(err)
		}
		known = types.KnownCurrentVersion(dbVersion, changeset.LastSeq, changeset.Ts)
		out = types.Changeset{
			Version: changeset.Version,
			Changes: impactful,
			Seqs:    changeset.Seqs,
			LastSeq: changeset.LastSeq,
			Ts:      changeset.Ts,
		}
	} else {
		if _, err := tx.ExecContext(ctx, insertClearedVersion,
			actorID.String(), changeset.Version,
			changeset.LastSeq, changeset.Ts.String()); err != nil {
			return nil, errors.WithStack(err)
		}
		known = types.KnownClearedVersion()
		out = types.EmptyChangeset(rangeset.Single(changeset.Version))
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WithStack(err)
	}

	v.Insert(changeset.Version, known)
	return &out, nil
}

// ProcessFullyBufferedChanges promotes a version whose fragments are
// all buffered into the live store. It reports whether a promotion
// happened. This is the only transition out of the Partial state.
func (a *Agent) ProcessFullyBufferedChanges(ctx context.Context, actorID types.ActorID, version int64) (bool, error) {
	conn, release, err := a.pool.Write(ctx, store.WriteNormal)
	if err != nil {
		return false, err
	}
	defer release()

	applied := false
	booked := a.bookie.ForActor(actorID)
	booked.Write(func(v *bookie.BookedVersions) {
		known, ok := v.Get(version)
		switch {
		case !ok:
			log.WithFields(log.Fields{"actor": actorID, "version": version}).
				Warn("version not found in cache, returning")
			return
		case known.Kind != types.KnownPartial:
			log.WithFields(log.Fields{"actor": actorID, "version": version}).
				Warn("already processed buffered changes, returning")
			return
		case len(known.Seqs.Gaps(rangeset.Range{Start: 0, End: known.LastSeq})) != 0:
			return
		}

		log.WithFields(log.Fields{
			"actor":    actorID,
			"version":  version,
			"last_seq": known.LastSeq,
		}).Info("moving buffered changes to the live store")

		var terminal types.KnownVersion
		terminal, err = a.promoteBuffered(ctx, conn, actorID, version, known)
		if err != nil {
			return
		}
		v.Insert(version, terminal)
		applied = true
	})
	return applied, err
}

func (a *Agent) promoteBuffered(
	ctx context.Context,
	conn *sql.Conn,
	actorID types.ActorID,
	version int64,
	known types.KnownVersion,
) (types.KnownVersion, error) {
	start := time.Now()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return types.KnownVersion{}, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, promoteBufferedChanges, actorID.Bytes(), version)
	if err != nil {
		return types.KnownVersion{}, errors.WithStack(err)
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, deleteBufferedRange,
		actorID.Bytes(), version, version); err != nil {
		return types.KnownVersion{}, errors.WithStack(err)
	}
	if _, err := tx.ExecContext(ctx, deleteSeqBookkeepingRange,
		actorID.Bytes(), version, version); err != nil {
		return types.KnownVersion{}, errors.WithStack(err)
	}

	impacted, err := store.RowsImpacted(ctx, tx)
	if err != nil {
		return types.KnownVersion{}, err
	}

	var terminal types.KnownVersion
	if impacted > 0 {
		dbVersion, err := store.NextDBVersion(ctx, tx)
		if err != nil {
			return types.KnownVersion{}, err
		}
		if _, err := tx.ExecContext(ctx, insertCurrentVersion,
			actorID.String(), version, dbVersion, known.LastSeq, known.Ts.String()); err != nil {
			return types.KnownVersion{}, errors.WithStack(err)
		}
		terminal = types.KnownCurrentVersion(dbVersion, known.LastSeq, known.Ts)
	} else {
		if _, err := tx.ExecContext(ctx, insertClearedVersion,
			actorID.String(), version, known.LastSeq, known.Ts.String()); err != nil {
			return types.KnownVersion{}, errors.WithStack(err)
		}
		terminal = types.KnownClearedVersion()
	}

	if err := tx.Commit(); err != nil {
		return types.KnownVersion{}, errors.WithStack(err)
	}

	log.WithFields(log.Fields{
		"actor":   actorID,
		"version": version,
		"moved":   moved,
		"elapsed": time.Since(start),
	}).Info("promoted buffered changes")
	bufferedPromotions.Inc()

	return terminal, nil
}

// ProcessMessages ingests a batch of broadcast messages and returns
// the impactful output to rebroadcast.
func (a *Agent) ProcessMessages(ctx context.Context, msgs []types.Message) []types.Message {
	var rebroadcast []types.Message
	for _, msg := range msgs {
		changeset, err := a.ProcessSingleVersion(ctx, *msg.Change)
		if err != nil {
			log.WithError(err).Error("error processing changeset")
			continue
		}
		if changeset != nil {
			rebroadcast = append(rebroadcast, types.NewChangeMessage(types.ChangeV1{
				ActorID:   msg.Change.ActorID,
				Changeset: *changeset,
			}))
		}
	}
	return rebroadcast
}

// scheduleApply enqueues a fully buffered version for promotion.
func (a *Agent) scheduleApply(ctx context.Context, actorID types.ActorID, version int64) {
	select {
	case a.applyCh <- applyRequest{actorID: actorID, version: version}:
	case <-ctx.Done():
	case <-a.tw.Done():
	}
}

func changesetSeqs(c *types.Changeset) *rangeset.Range {
	if c.IsEmpty() {
		return nil
	}
	seqs := c.Seqs
	return &seqs
}
