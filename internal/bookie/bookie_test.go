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

package bookie

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/hlc"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

func TestInsertAndGet(t *testing.T) {
	r := require.New(t)

	var v BookedVersions
	v.Insert(1, types.KnownCurrentVersion(1, 0, hlc.New(1, 0)))
	v.Insert(2, types.KnownCurrentVersion(2, 3, hlc.New(2, 0)))
	v.InsertRange(rangeset.Range{Start: 3, End: 6}, types.KnownClearedVersion())

	known, ok := v.Get(1)
	r.True(ok)
	r.Equal(types.KnownCurrent, known.Kind)
	r.Equal(int64(1), known.DBVersion)

	known, ok = v.Get(5)
	r.True(ok)
	r.Equal(types.KnownCleared, known.Kind)

	_, ok = v.Get(7)
	r.False(ok)

	last, ok := v.Last()
	r.True(ok)
	r.Equal(int64(6), last)
}

func TestClearedCoalescing(t *testing.T) {
	r := require.New(t)

	var v BookedVersions
	v.InsertRange(rangeset.Range{Start: 1, End: 3}, types.KnownClearedVersion())
	v.InsertRange(rangeset.Range{Start: 4, End: 6}, types.KnownClearedVersion())

	var ranges []rangeset.Range
	v.Each(func(rg rangeset.Range, _ types.KnownVersion) {
		ranges = append(ranges, rg)
	})
	r.Equal([]rangeset.Range{{Start: 1, End: 6}}, ranges)

	// A Current record in the middle splits the cleared run when the
	// version is later compacted one at a time.
	v.Insert(4, types.KnownCurrentVersion(9, 0, hlc.New(1, 0)))
	ranges = nil
	v.Each(func(rg rangeset.Range, _ types.KnownVersion) {
		ranges = append(ranges, rg)
	})
	r.Equal([]rangeset.Range{{Start: 1, End: 3}, {Start: 4, End: 4}, {Start: 5, End: 6}}, ranges)

	// Clearing it again restores one coalesced run.
	v.Insert(4, types.KnownClearedVersion())
	ranges = nil
	v.Each(func(rg rangeset.Range, _ types.KnownVersion) {
		ranges = append(ranges, rg)
	})
	r.Equal([]rangeset.Range{{Start: 1, End: 6}}, ranges)
}

func TestOverlapTrimsExisting(t *testing.T) {
	r := require.New(t)

	var v BookedVersions
	v.InsertRange(rangeset.Range{Start: 1, End: 10}, types.KnownClearedVersion())
	v.Insert(5, types.KnownCurrentVersion(3, 0, hlc.New(1, 0)))

	known, ok := v.Get(4)
	r.True(ok)
	r.Equal(types.KnownCleared, known.Kind)
	known, ok = v.Get(5)
	r.True(ok)
	r.Equal(types.KnownCurrent, known.Kind)
	known, ok = v.Get(6)
	r.True(ok)
	r.Equal(types.KnownCleared, known.Kind)
}

func TestContainsAllWithSeqs(t *testing.T) {
	r := require.New(t)

	var v BookedVersions
	seqs := rangeset.NewSet(rangeset.Range{Start: 5, End: 9})
	v.Insert(3, types.KnownPartialVersion(seqs, 9, hlc.New(1, 0)))

	have := rangeset.Range{Start: 5, End: 9}
	missing := rangeset.Range{Start: 0, End: 4}
	r.True(v.ContainsAll(rangeset.Single(3), &have))
	r.False(v.ContainsAll(rangeset.Single(3), &missing))

	// Without a seq requirement, a Partial record counts as known.
	r.True(v.ContainsAll(rangeset.Single(3), nil))
	r.False(v.ContainsAll(rangeset.Single(4), nil))
}

func TestNeed(t *testing.T) {
	r := require.New(t)

	var v BookedVersions
	r.Nil(v.Need())

	v.Insert(2, types.KnownCurrentVersion(1, 0, hlc.New(1, 0)))
	v.Insert(7, types.KnownCurrentVersion(2, 0, hlc.New(2, 0)))
	r.Equal([]rangeset.Range{{Start: 1, End: 1}, {Start: 3, End: 6}}, v.Need())

	v.InsertRange(rangeset.Range{Start: 1, End: 6}, types.KnownClearedVersion())
	r.Empty(v.Need())
}

func TestCurrentVersions(t *testing.T) {
	r := require.New(t)

	var v BookedVersions
	v.Insert(1, types.KnownCurrentVersion(10, 0, hlc.New(1, 0)))
	v.Insert(2, types.KnownClearedVersion())
	v.Insert(3, types.KnownCurrentVersion(12, 0, hlc.New(2, 0)))

	r.Equal(map[int64]int64{10: 1, 12: 3}, v.CurrentVersions())
}

// Whatever order fragments and versions arrive in, the final state
// must match applying everything at once.
func TestOrderIndependence(t *testing.T) {
	r := require.New(t)
	rng := rand.New(rand.NewSource(42))

	type insert struct {
		version int64
		known   types.KnownVersion
	}
	inserts := []insert{
		{1, types.KnownCurrentVersion(1, 3, hlc.New(1, 0))},
		{2, types.KnownClearedVersion()},
		{3, types.KnownClearedVersion()},
		{4, types.KnownCurrentVersion(2, 0, hlc.New(2, 0))},
		{5, types.KnownCurrentVersion(3, 9, hlc.New(3, 0))},
	}

	var reference BookedVersions
	for _, in := range inserts {
		reference.Insert(in.version, in.known)
	}

	for trial := 0; trial < 50; trial++ {
		shuffled := append([]insert(nil), inserts...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		var v BookedVersions
		for _, in := range shuffled {
			v.Insert(in.version, in.known)
		}

		for version := int64(1); version <= 5; version++ {
			want, wantOK := reference.Get(version)
			got, gotOK := v.Get(version)
			r.Equal(wantOK, gotOK)
			r.Equal(want.Kind, got.Kind)
			r.Equal(want.DBVersion, got.DBVersion)
		}
	}
}

func TestBookieContains(t *testing.T) {
	r := require.New(t)

	b := New()
	actor := types.ActorID(uuid.New())

	r.False(b.Contains(actor, rangeset.Single(1), nil))

	b.ForActor(actor).Write(func(v *BookedVersions) {
		v.Insert(1, types.KnownCurrentVersion(1, 0, hlc.New(1, 0)))
	})
	r.True(b.Contains(actor, rangeset.Single(1), nil))
	r.False(b.Contains(actor, rangeset.Range{Start: 1, End: 2}, nil))
}

func TestBookieConcurrentActors(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		actor := types.ActorID(uuid.New())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for version := int64(1); version <= 100; version++ {
				b.ForActor(actor).Write(func(v *BookedVersions) {
					v.Insert(version, types.KnownCurrentVersion(version, 0, hlc.New(version, 0)))
				})
			}
		}()
	}
	wg.Wait()

	require.Len(t, b.Actors(), 8)
	for _, actor := range b.Actors() {
		b.ForActor(actor).Read(func(v *BookedVersions) {
			last, ok := v.Last()
			require.True(t, ok)
			require.Equal(t, int64(100), last)
		})
	}
}
