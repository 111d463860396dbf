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

// Package bookie tracks, per actor, which versions are applied,
// partially buffered, or cleared. It is the in-memory authority that
// the ingest, sync, and compaction paths consult before touching the
// database.
package bookie

import (
	"sync"

	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

// span is one bookkept range. Current and Partial spans always cover a
// single version; only Cleared spans may be wider.
type span struct {
	start, end int64
	known      types.KnownVersion
}

// BookedVersions is the per-actor version map. It carries no lock of
// its own; access is scoped through Booked.Read and Booked.Write.
type BookedVersions struct {
	spans []span // sorted by start, disjoint
}

// Insert records what is known about a single version.
func (b *BookedVersions) Insert(version int64, known types.KnownVersion) {
	b.InsertRange(rangeset.Single(version), known)
}

// InsertRange records what is known about a whole version range. The
// new record overwrites any overlapped portion of existing records;
// partially overlapped Cleared spans are trimmed, and adjacent Cleared
// spans are coalesced.
func (b *BookedVersions) InsertRange(r rangeset.Range, known types.KnownVersion) {
	if r.End < r.Start {
		return
	}

	out := make([]span, 0, len(b.spans)+2)
	for _, s := range b.spans {
		switch {
		case s.end < r.Start, s.start > r.End:
			out = append(out, s)
		default:
			// Overlapped. Keep the uncovered edges.
			if s.start < r.Start {
				out = append(out, span{start: s.start, end: r.Start - 1, known: s.known})
			}
			if s.end > r.End {
				out = append(out, span{start: r.End + 1, end: s.end, known: s.known})
			}
		}
	}

	// Insert in sorted position.
	idx := len(out)
	for i, s := range out {
		if s.start > r.End {
			idx = i
			break
		}
	}
	inserted := span{start: r.Start, end: r.End, known: known}
	out = append(out[:idx], append([]span{inserted}, out[idx:]...)...)

	// Coalesce runs of adjacent Cleared spans.
	coalesced := out[:0]
	for _, s := range out {
		if n := len(coalesced); n > 0 {
			prev := &coalesced[n-1]
			if prev.known.Kind == types.KnownCleared &&
				s.known.Kind == types.KnownCleared &&
				prev.end+1 == s.start {
				prev.end = s.end
				continue
			}
		}
		coalesced = append(coalesced, s)
	}
	b.spans = coalesced
}

// Get returns the record covering version, if any.
func (b *BookedVersions) Get(version int64) (types.KnownVersion, bool) {
	for _, s := range b.spans {
		if s.start > version {
			break
		}
		if version <= s.end {
			return s.known, true
		}
	}
	return types.KnownVersion{}, false
}

// ContainsAll reports whether every version in versions is known, and,
// when seqs is non-nil, whether each Partial record already covers the
// requested sequence range. Once true for given arguments it stays
// true: records only ever gain coverage.
func (b *BookedVersions) ContainsAll(versions rangeset.Range, seqs *rangeset.Range) bool {
	for v := versions.Start; v <= versions.End; v++ {
		known, ok := b.Get(v)
		if !ok {
			return false
		}
		if known.Kind == types.KnownPartial && seqs != nil {
			if !known.Seqs.ContainsRange(*seqs) {
				return false
			}
		}
	}
	return true
}

// CurrentVersions returns the db_version -> version mapping of every
// Current record. The compactor diffs this against the storage
// engine's live set.
func (b *BookedVersions) CurrentVersions() map[int64]int64 {
	out := make(map[int64]int64)
	for _, s := range b.spans {
		if s.known.Kind == types.KnownCurrent {
			out[s.known.DBVersion] = s.start
		}
	}
	return out
}

// Last returns the highest known version, or false when nothing is
// booked for the actor.
func (b *BookedVersions) Last() (int64, bool) {
	if len(b.spans) == 0 {
		return 0, false
	}
	return b.spans[len(b.spans)-1].end, true
}

// Need returns the version ranges missing below the highest known
// version. Versions are assigned from 1.
func (b *BookedVersions) Need() []rangeset.Range {
	last, ok := b.Last()
	if !ok {
		return nil
	}
	covered := rangeset.NewSet()
	for _, s := range b.spans {
		covered.Insert(rangeset.Range{Start: s.start, End: s.end})
	}
	return covered.Gaps(rangeset.Range{Start: 1, End: last})
}

// Each visits every bookkept range in ascending order.
func (b *BookedVersions) Each(fn func(r rangeset.Range, known types.KnownVersion)) {
	for _, s := range b.spans {
		fn(rangeset.Range{Start: s.start, End: s.end}, s.known)
	}
}

// Booked pairs a BookedVersions with its lock. Accessors borrow the
// map for the duration of a critical section; no references escape.
type Booked struct {
	mu sync.RWMutex
	v  BookedVersions
}

// Read runs fn with shared access to the version map.
func (b *Booked) Read(fn func(*BookedVersions)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(&b.v)
}

// Write runs fn with exclusive access to the version map.
func (b *Booked) Write(fn func(*BookedVersions)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.v)
}

// Bookie maps actors to their booked versions. The outer lock guards
// only the actor set; per-actor operations contend only on that
// actor's lock.
type Bookie struct {
	mu     sync.RWMutex
	actors map[types.ActorID]*Booked
}

// New constructs an empty Bookie.
func New() *Bookie {
	return &Bookie{actors: make(map[types.ActorID]*Booked)}
}

// ForActor returns the actor's Booked, creating it on first use.
func (b *Bookie) ForActor(actor types.ActorID) *Booked {
	b.mu.RLock()
	booked, ok := b.actors[actor]
	b.mu.RUnlock()
	if ok {
		return booked
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if booked, ok := b.actors[actor]; ok {
		return booked
	}
	booked = &Booked{}
	b.actors[actor] = booked
	return booked
}

// Actors returns a snapshot of the known actor set.
func (b *Bookie) Actors() []types.ActorID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.ActorID, 0, len(b.actors))
	for id := range b.actors {
		out = append(out, id)
	}
	return out
}

// Contains reports whether every requested (version, seq) is already
// recorded for the actor.
func (b *Bookie) Contains(actor types.ActorID, versions rangeset.Range, seqs *rangeset.Range) bool {
	b.mu.RLock()
	booked, ok := b.actors[actor]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	var contained bool
	booked.Read(func(v *BookedVersions) {
		contained = v.ContainsAll(versions, seqs)
	})
	return contained
}
