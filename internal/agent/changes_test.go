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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

func TestIngestCompleteVersion(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	source := newTestAgent(t)
	dest := newTestAgent(t)

	change := localChanges(t, source, types.Statement{
		Query:  "INSERT INTO tests (id,text) VALUES (?,?)",
		Params: []any{1, "hello world 1"},
	})
	r.True(change.Changeset.IsComplete())
	r.Equal(int64(1), change.Changeset.Version)

	out, err := dest.ProcessSingleVersion(ctx, change)
	r.NoError(err)
	r.NotNil(out)
	r.False(out.IsEmpty())

	var text string
	r.NoError(dest.pool.Read().QueryRowContext(ctx,
		"SELECT text FROM tests WHERE id = 1").Scan(&text))
	r.Equal("hello world 1", text)

	// The destination booked the source's version as Current.
	known, ok := getKnown(dest, change.ActorID, 1)
	r.True(ok)
	r.Equal(types.KnownCurrent, known.Kind)

	var count int
	r.NoError(dest.pool.Read().QueryRowContext(ctx,
		"SELECT count(*) FROM __corro_bookkeeping WHERE actor_id = ?",
		change.ActorID.String()).Scan(&count))
	r.Equal(1, count)
}

func TestIngestIsIdempotent(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	source := newTestAgent(t)
	dest := newTestAgent(t)

	change := localChanges(t, source, types.Statement{
		Query:  "INSERT INTO tests (id,text) VALUES (?,?)",
		Params: []any{1, "hello world 1"},
	})

	out, err := dest.ProcessSingleVersion(ctx, change)
	r.NoError(err)
	r.NotNil(out)

	// A second delivery is a no-op with no side effects.
	out, err = dest.ProcessSingleVersion(ctx, change)
	r.NoError(err)
	r.Nil(out)

	var count int
	r.NoError(dest.pool.Read().QueryRowContext(ctx,
		"SELECT count(*) FROM tests").Scan(&count))
	r.Equal(1, count)
}

func TestLocalVersionsIncrement(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	a := newTestAgent(t)
	localChanges(t, a, types.Statement{
		Query:  "INSERT INTO tests (id,text) VALUES (?,?)",
		Params: []any{1, "hello world 1"},
	})
	localChanges(t, a, types.Statement{
		Query:  "INSERT INTO tests (id,text) VALUES (?,?)",
		Params: []any{2, "hello world 2"},
	})

	rows, err := a.pool.Read().QueryContext(ctx,
		"SELECT start_version, db_version FROM __corro_bookkeeping WHERE actor_id = ? ORDER BY start_version",
		a.actorID.String())
	r.NoError(err)
	defer rows.Close()

	var got [][2]int64
	for rows.Next() {
		var version, dbVersion int64
		r.NoError(rows.Scan(&version, &dbVersion))
		got = append(got, [2]int64{version, dbVersion})
	}
	r.NoError(rows.Err())
	r.Equal([][2]int64{{1, 1}, {2, 2}}, got)
}

func TestIngestEmptyChangeset(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	dest := newTestAgent(t)
	source := newTestAgent(t)

	out, err := dest.ProcessSingleVersion(ctx, types.ChangeV1{
		ActorID:   source.actorID,
		Changeset: types.EmptyChangeset(rangeset.Range{Start: 1, End: 5}),
	})
	r.NoError(err)
	r.NotNil(out)
	r.True(out.IsEmpty())

	known, ok := getKnown(dest, source.actorID, 3)
	r.True(ok)
	r.Equal(types.KnownCleared, known.Kind)

	var endVersion int64
	r.NoError(dest.pool.Read().QueryRowContext(ctx,
		"SELECT end_version FROM __corro_bookkeeping WHERE actor_id = ? AND start_version = 1",
		source.actorID.String()).Scan(&endVersion))
	r.Equal(int64(5), endVersion)
}

func TestPartialThenComplete(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	source := newTestAgent(t)
	dest := newTestAgent(t)

	// One transaction with enough rows to split into fragments.
	const rowCount = 10
	var stmts []types.Statement
	for i := 1; i <= rowCount; i++ {
		stmts = append(stmts, types.Statement{
			Query:  "INSERT INTO tests (id,text) VALUES (?,?)",
			Params: []any{i, "hello"},
		})
	}
	change := localChanges(t, source, stmts...)
	lastSeq := change.Changeset.LastSeq
	r.GreaterOrEqual(lastSeq, int64(1))

	split := lastSeq / 2
	var head, tail []types.Change
	for _, c := range change.Changeset.Changes {
		if c.Seq <= split {
			head = append(head, c)
		} else {
			tail = append(tail, c)
		}
	}

	// Deliver the tail first.
	out, err := dest.ProcessSingleVersion(ctx, types.ChangeV1{
		ActorID: change.ActorID,
		Changeset: types.Changeset{
			Version: change.Changeset.Version,
			Changes: tail,
			Seqs:    rangeset.Range{Start: split + 1, End: lastSeq},
			LastSeq: lastSeq,
			Ts:      change.Changeset.Ts,
		},
	})
	r.NoError(err)
	r.NotNil(out)

	known, ok := getKnown(dest, change.ActorID, change.Changeset.Version)
	r.True(ok)
	r.Equal(types.KnownPartial, known.Kind)

	// Nothing has touched the live table yet.
	var count int
	r.NoError(dest.pool.Read().QueryRowContext(ctx,
		"SELECT count(*) FROM tests").Scan(&count))
	r.Zero(count)

	// The head completes the version and schedules a promotion.
	_, err = dest.ProcessSingleVersion(ctx, types.ChangeV1{
		ActorID: change.ActorID,
		Changeset: types.Changeset{
			Version: change.Changeset.Version,
			Changes: head,
			Seqs:    rangeset.Range{Start: 0, End: split},
			LastSeq: lastSeq,
			Ts:      change.Changeset.Ts,
		},
	})
	r.NoError(err)

	select {
	case req := <-dest.applyCh:
		r.Equal(change.ActorID, req.actorID)
		applied, err := dest.ProcessFullyBufferedChanges(ctx, req.actorID, req.version)
		r.NoError(err)
		r.True(applied)
	default:
		t.Fatal("expected a scheduled apply")
	}

	r.NoError(dest.pool.Read().QueryRowContext(ctx,
		"SELECT count(*) FROM tests").Scan(&count))
	r.Equal(rowCount, count)

	known, ok = getKnown(dest, change.ActorID, change.Changeset.Version)
	r.True(ok)
	r.Equal(types.KnownCurrent, known.Kind)
	r.Equal(lastSeq, known.LastSeq)

	// Buffered and seq bookkeeping rows are gone.
	r.NoError(dest.pool.Read().QueryRowContext(ctx,
		"SELECT count(*) FROM __corro_buffered_changes WHERE site_id = ?",
		change.ActorID.Bytes()).Scan(&count))
	r.Zero(count)
	r.NoError(dest.pool.Read().QueryRowContext(ctx,
		"SELECT count(*) FROM __corro_seq_bookkeeping WHERE site_id = ?",
		change.ActorID.Bytes()).Scan(&count))
	r.Zero(count)
}

func TestCompactRetiresDeadVersions(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	source := newTestAgent(t)
	dest := newTestAgent(t)

	insert := localChanges(t, source, types.Statement{
		Query:  "INSERT INTO tests (id,text) VALUES (?,?)",
		Params: []any{1, "hello world 1"},
	})
	purge := localChanges(t, source, types.Statement{
		Query: "DELETE FROM tests",
	})

	_, err := dest.ProcessSingleVersion(ctx, insert)
	r.NoError(err)
	_, err = dest.ProcessSingleVersion(ctx, purge)
	r.NoError(err)

	r.NoError(dest.CompactActor(ctx, insert.ActorID))

	// The insert's db version no longer has live rows, so its version
	// is retired; the delete's tombstones keep it current.
	known, ok := getKnown(dest, insert.ActorID, insert.Changeset.Version)
	r.True(ok)
	r.Equal(types.KnownCleared, known.Kind)

	// Compaction is idempotent.
	r.NoError(dest.CompactActor(ctx, insert.ActorID))
	known, ok = getKnown(dest, insert.ActorID, insert.Changeset.Version)
	r.True(ok)
	r.Equal(types.KnownCleared, known.Kind)
}

func TestBookkeepingSurvivesRestart(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	a := newTestAgent(t)
	localChanges(t, a, types.Statement{
		Query:  "INSERT INTO tests (id,text) VALUES (?,?)",
		Params: []any{1, "hello world 1"},
	})

	// A fresh bookie rebuilt from disk sees the same state.
	reloaded := &Agent{
		actorID: a.actorID,
		pool:    a.pool,
		bookie:  bookie.New(),
		applyCh: make(chan applyRequest, applyChannelSize),
	}
	r.NoError(reloaded.loadBookkeeping(ctx))

	known, ok := getKnown(reloaded, a.actorID, 1)
	r.True(ok)
	r.Equal(types.KnownCurrent, known.Kind)
	r.Equal(int64(1), known.DBVersion)
}

func getKnown(a *Agent, actorID types.ActorID, version int64) (types.KnownVersion, bool) {
	var known types.KnownVersion
	var ok bool
	a.bookie.ForActor(actorID).Read(func(v *bookie.BookedVersions) {
		known, ok = v.Get(version)
	})
	return known, ok
}
