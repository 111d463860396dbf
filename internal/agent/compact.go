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
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/store"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

// compactLoop periodically retires versions whose db versions no
// longer have live rows in the storage engine.
func (a *Agent) compactLoop(ctx context.Context) {
	ticker := time.NewTicker(compactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, actorID := range a.bookie.Actors() {
				if err := a.CompactActor(ctx, actorID); err != nil {
					log.WithError(err).WithField("actor", actorID).
						Error("could not compact versions for actor")
				}
			}
		case <-a.tw.Done():
			return
		}
	}
}

// CompactActor reconciles one actor's Current versions against the
// live-version set and rewrites its persisted bookkeeping. Retired
// versions transition to Cleared in memory only after the rewrite
// commits; running it again without storage changes is a no-op.
func (a *Agent) CompactActor(ctx context.Context, actorID types.ActorID) error {
	booked := a.bookie.ForActor(actorID)

	var versions map[int64]int64
	booked.Read(func(v *bookie.BookedVersions) {
		versions = v.CurrentVersions()
	})
	if len(versions) == 0 {
		return nil
	}

	toClear, err := a.compactDiff(ctx, versions)
	if err != nil {
		return errors.Wrapf(err, "could not compute difference between known live and still alive versions for actor %s", actorID)
	}
	if len(toClear) == 0 {
		return nil
	}

	conn, release, err := a.pool.Write(ctx, store.WriteLow)
	if err != nil {
		return err
	}
	defer release()

	var compactErr error
	booked.Write(func(v *bookie.BookedVersions) {
		retired := make(map[int64]struct{}, len(toClear))
		for _, dbVersion := range toClear {
			if version, ok := versions[dbVersion]; ok {
				retired[version] = struct{}{}
			}
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			compactErr = errors.WithStack(err)
			return
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			"DELETE FROM __corro_bookkeeping WHERE actor_id = ?", actorID.String())
		if err != nil {
			compactErr = errors.WithStack(err)
			return
		}
		deleted, _ := res.RowsAffected()

		// Reinsert the post-compaction state: retired versions write
		// as cleared, everything else as it stands. Partials stay in
		// the seq bookkeeping table only.
		var inserted int64
		v.Each(func(r rangeset.Range, known types.KnownVersion) {
			if compactErr != nil {
				return
			}
			switch known.Kind {
			case types.KnownCurrent:
				if _, nowCleared := retired[r.Start]; nowCleared {
					_, err = tx.ExecContext(ctx, insertClearedRange,
						actorID.String(), r.Start, r.End)
				} else {
					_, err = tx.ExecContext(ctx, insertCurrentVersion,
						actorID.String(), r.Start, known.DBVersion,
						known.LastSeq, known.Ts.String())
				}
			case types.KnownCleared:
				_, err = tx.ExecContext(ctx, insertClearedRange,
					actorID.String(), r.Start, r.End)
			case types.KnownPartial:
				return
			}
			if err != nil {
				compactErr = errors.WithStack(err)
				return
			}
			inserted++
		})
		if compactErr != nil {
			return
		}

		if err := tx.Commit(); err != nil {
			compactErr = errors.WithStack(err)
			return
		}

		for version := range retired {
			v.Insert(version, types.KnownClearedVersion())
		}

		log.WithFields(log.Fields{
			"actor":    actorID,
			"deleted":  deleted,
			"inserted": inserted,
			"cleared":  len(retired),
		}).Info("compacted bookkeeping for actor")
		compactedVersions.Add(float64(len(retired)))
	})
	return compactErr
}

// compactDiff returns the db versions in the snapshot that no longer
// have live rows.
func (a *Agent) compactDiff(ctx context.Context, versions map[int64]int64) ([]int64, error) {
	var min, max int64
	first := true
	for dbVersion := range versions {
		if first || dbVersion < min {
			min = dbVersion
		}
		if first || dbVersion > max {
			max = dbVersion
		}
		first = false
	}

	live, err := store.LiveDBVersions(ctx, a.pool.Read(), min, max)
	if err != nil {
		return nil, err
	}

	var toClear []int64
	for dbVersion := range versions {
		if _, ok := live[dbVersion]; !ok {
			toClear = append(toClear, dbVersion)
		}
	}
	return toClear, nil
}

// walTruncateLoop periodically checkpoints the write-ahead log.
func (a *Agent) walTruncateLoop(ctx context.Context) {
	ticker := time.NewTicker(walTruncateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Debug("truncating the write-ahead log")
			start := time.Now()
			busy, err := store.WALCheckpoint(ctx, a.pool)
			switch {
			case err != nil:
				log.WithError(err).Error("could not truncate sqlite WAL")
			case busy:
				log.Warn("could not truncate sqlite WAL, database busy")
				store.RecordWALTruncateBusy()
			default:
				store.RecordWALTruncateSeconds(time.Since(start).Seconds())
			}
		case <-a.tw.Done():
			return
		}
	}
}
