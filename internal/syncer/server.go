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

package syncer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/broadcast"
	"github.com/webclinic017/corrosion/internal/store"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/hlc"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

// Server computes and streams the changes a remote peer is missing.
type Server struct {
	SelfID types.ActorID
	Bookie *bookie.Bookie
	Pool   *store.Pool
}

// Serve walks every actor we book versions for and streams the
// intersection of what we have and what the remote needs: the ranges
// it listed, plus everything above its head. It returns the number of
// row changes sent.
func (s *Server) Serve(ctx context.Context, remote *types.SyncState, w *broadcast.FrameWriter) (int64, error) {
	var sent int64

	for _, actor := range s.Bookie.Actors() {
		// Snapshot the actor's state; streaming happens outside the
		// lock.
		type job struct {
			versions rangeset.Range
			known    types.KnownVersion
		}
		var jobs []job

		s.Bookie.ForActor(actor).Read(func(v *bookie.BookedVersions) {
			wanted := rangeset.NewSet()
			for _, r := range remote.Need[actor] {
				wanted.Insert(r)
			}
			if last, ok := v.Last(); ok {
				if head := remote.Heads[actor]; head < last {
					wanted.Insert(rangeset.Range{Start: head + 1, End: last})
				}
			}
			if wanted.Empty() {
				return
			}

			v.Each(func(r rangeset.Range, known types.KnownVersion) {
				for _, want := range wanted.Ranges() {
					lo, hi := max64(r.Start, want.Start), min64(r.End, want.End)
					if lo > hi {
						continue
					}
					jobs = append(jobs, job{versions: rangeset.Range{Start: lo, End: hi}, known: known})
				}
			})
		})

		for _, j := range jobs {
			n, err := s.streamKnown(ctx, actor, j.versions, j.known, w)
			if err != nil {
				return sent, err
			}
			sent += n
		}
	}

	return sent, nil
}

func (s *Server) streamKnown(
	ctx context.Context,
	actor types.ActorID,
	versions rangeset.Range,
	known types.KnownVersion,
	w *broadcast.FrameWriter,
) (int64, error) {
	switch known.Kind {
	case types.KnownCleared:
		return 0, w.Write(types.NewChangeMessage(types.ChangeV1{
			ActorID:   actor,
			Changeset: types.EmptyChangeset(versions),
		}))

	case types.KnownCurrent:
		// Length-1 range by construction.
		changes, err := store.SelectChanges(ctx, s.Pool.Read(), known.DBVersion, actor)
		if err != nil {
			return 0, err
		}
		if len(changes) == 0 {
			// Compacted since snapshot; the range is effectively
			// cleared now.
			return 0, w.Write(types.NewChangeMessage(types.ChangeV1{
				ActorID:   actor,
				Changeset: types.EmptyChangeset(versions),
			}))
		}
		return int64(len(changes)), w.Write(types.NewChangeMessage(types.ChangeV1{
			ActorID: actor,
			Changeset: types.Changeset{
				Version: versions.Start,
				Changes: changes,
				Seqs:    rangeset.Range{Start: 0, End: known.LastSeq},
				LastSeq: known.LastSeq,
				Ts:      known.Ts,
			},
		}))

	case types.KnownPartial:
		return s.streamBuffered(ctx, actor, versions.Start, known, w)
	}

	return 0, errors.Errorf("unhandled known version kind %v", known.Kind)
}

// streamBuffered forwards the fragments we have buffered for a version
// we have not applied ourselves yet. Each recorded seq range becomes
// one fragment.
func (s *Server) streamBuffered(
	ctx context.Context,
	actor types.ActorID,
	version int64,
	known types.KnownVersion,
	w *broadcast.FrameWriter,
) (int64, error) {
	var sent int64
	for _, seqRange := range known.Seqs.Ranges() {
		rows, err := s.Pool.Read().QueryContext(ctx, `
            SELECT "table", pk, cid, val, col_version, db_version, site_id, seq, cl
                FROM __corro_buffered_changes
                WHERE site_id = ? AND version = ? AND seq >= ? AND seq <= ?
                ORDER BY db_version ASC, seq ASC`,
			actor.Bytes(), version, seqRange.Start, seqRange.End)
		if err != nil {
			return sent, errors.WithStack(err)
		}

		var changes []types.Change
		for rows.Next() {
			var c types.Change
			if err := rows.Scan(&c.Table, &c.Pk, &c.Cid, &c.Val, &c.ColVersion, &c.DBVersion, &c.SiteID, &c.Seq, &c.Cl); err != nil {
				rows.Close()
				return sent, errors.WithStack(err)
			}
			changes = append(changes, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return sent, errors.WithStack(err)
		}
		if len(changes) == 0 {
			continue
		}

		if err := w.Write(types.NewChangeMessage(types.ChangeV1{
			ActorID: actor,
			Changeset: types.Changeset{
				Version: version,
				Changes: changes,
				Seqs:    seqRange,
				LastSeq: known.LastSeq,
				Ts:      known.Ts,
			},
		})); err != nil {
			return sent, err
		}
		sent += int64(len(changes))
	}
	return sent, nil
}

// ParseClock merges a peer's corro-clock header value into the local
// clock.
func ParseClock(clock *hlc.Clock, header string) {
	if header == "" {
		return
	}
	if remote, err := hlc.Parse(header); err == nil {
		clock.Update(remote)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
