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

// Package types contains the data types exchanged between the major
// functional blocks of the corrosion agent: actor identities, row
// changes, changesets, the versioned wire envelope, and the
// bookkeeping states tracked for every (actor, version) pair.
package types

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/webclinic017/corrosion/internal/util/hlc"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

// ActorID is the 128-bit identity of a node. It doubles as the crsql
// site id.
type ActorID uuid.UUID

// ParseActorID parses the canonical UUID form.
func ParseActorID(s string) (ActorID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ActorID{}, errors.Wrapf(err, "malformed actor id %q", s)
	}
	return ActorID(id), nil
}

// ActorIDFromBytes converts a 16-byte site id.
func ActorIDFromBytes(b []byte) (ActorID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return ActorID{}, errors.Wrap(err, "malformed actor id bytes")
	}
	return ActorID(id), nil
}

func (a ActorID) String() string { return uuid.UUID(a).String() }

// Bytes returns the 16-byte form stored in site_id columns.
func (a ActorID) Bytes() []byte {
	b := uuid.UUID(a)
	return b[:]
}

// IsZero returns true for the nil UUID.
func (a ActorID) IsZero() bool { return uuid.UUID(a) == uuid.Nil }

// MarshalText implements encoding.TextMarshaler.
func (a ActorID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ActorID) UnmarshalText(data []byte) error {
	parsed, err := ParseActorID(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// A Change is a single row-level change as stored in crsql_changes.
// Val is kept opaque; the storage engine owns its interpretation.
type Change struct {
	Table      string          `json:"table"`
	Pk         []byte          `json:"pk"`
	Cid        string          `json:"cid"`
	Val        json.RawMessage `json:"val"`
	ColVersion int64           `json:"col_version"`
	DBVersion  int64           `json:"db_version"`
	SiteID     []byte          `json:"site_id"`
	Seq        int64           `json:"seq"`
	Cl         int64           `json:"cl"`
}

// A Changeset is either Empty (a range of versions known to contain no
// live rows) or carries the changes for exactly one version, possibly
// as a fragment of the full 0..=LastSeq sequence range.
type Changeset struct {
	// Set for the empty form; Version is zero.
	EmptyVersions rangeset.Range `json:"versions"`

	Version int64          `json:"version"`
	Changes []Change       `json:"changes,omitempty"`
	Seqs    rangeset.Range `json:"seqs"`
	LastSeq int64          `json:"last_seq"`
	Ts      hlc.Time       `json:"ts"`
}

// EmptyChangeset builds the empty form covering versions.
func EmptyChangeset(versions rangeset.Range) Changeset {
	return Changeset{EmptyVersions: versions}
}

// IsEmpty returns true for the empty form. Versions are assigned from
// 1, so a zero Version is unambiguous.
func (c *Changeset) IsEmpty() bool { return c.Version == 0 }

// IsComplete returns true if the changeset covers the full sequence
// range of its version. Empty changesets are trivially complete.
func (c *Changeset) IsComplete() bool {
	if c.IsEmpty() {
		return true
	}
	return c.Seqs.Start == 0 && c.Seqs.End == c.LastSeq
}

// Versions returns the version range the changeset covers.
func (c *Changeset) Versions() rangeset.Range {
	if c.IsEmpty() {
		return c.EmptyVersions
	}
	return rangeset.Single(c.Version)
}

// Len returns the number of row changes carried.
func (c *Changeset) Len() int { return len(c.Changes) }

// ChangeV1 attributes a changeset to its originating actor.
type ChangeV1 struct {
	ActorID   ActorID   `json:"actor_id"`
	Changeset Changeset `json:"changeset"`
}

// CurrentMessageVersion is the wire envelope version this build
// understands. Envelopes with other versions are dropped by receivers.
const CurrentMessageVersion = 1

// Message is the versioned wire envelope. New variants get new fields;
// receivers drop envelopes whose version they do not understand.
type Message struct {
	Version int       `json:"version"`
	Change  *ChangeV1 `json:"change,omitempty"`
}

// NewChangeMessage wraps a ChangeV1 in the current envelope.
func NewChangeMessage(change ChangeV1) Message {
	return Message{Version: CurrentMessageVersion, Change: &change}
}

// KnownKind discriminates the receiver's knowledge of one version.
type KnownKind int

const (
	// KnownCleared marks a version range with no rows in the live
	// store: received empty, compacted away, or applied without impact.
	KnownCleared KnownKind = iota
	// KnownCurrent marks a version applied to the live store.
	KnownCurrent
	// KnownPartial marks a version with some fragments buffered.
	KnownPartial
)

func (k KnownKind) String() string {
	switch k {
	case KnownCleared:
		return "cleared"
	case KnownCurrent:
		return "current"
	case KnownPartial:
		return "partial"
	}
	return "unknown"
}

// KnownVersion describes what the local node knows about one
// (actor, version).
type KnownVersion struct {
	Kind KnownKind

	// Set for KnownCurrent.
	DBVersion int64

	// Set for KnownPartial.
	Seqs *rangeset.Set

	// Set for KnownCurrent and KnownPartial.
	LastSeq int64
	Ts      hlc.Time
}

// KnownCurrentVersion builds a Current record.
func KnownCurrentVersion(dbVersion, lastSeq int64, ts hlc.Time) KnownVersion {
	return KnownVersion{Kind: KnownCurrent, DBVersion: dbVersion, LastSeq: lastSeq, Ts: ts}
}

// KnownPartialVersion builds a Partial record.
func KnownPartialVersion(seqs *rangeset.Set, lastSeq int64, ts hlc.Time) KnownVersion {
	return KnownVersion{Kind: KnownPartial, Seqs: seqs, LastSeq: lastSeq, Ts: ts}
}

// KnownClearedVersion builds a Cleared record.
func KnownClearedVersion() KnownVersion {
	return KnownVersion{Kind: KnownCleared}
}

// SyncState is the head/need summary a node advertises when initiating
// an anti-entropy sync.
type SyncState struct {
	ActorID ActorID                      `json:"actor_id"`
	Heads   map[ActorID]int64            `json:"heads"`
	Need    map[ActorID][]rangeset.Range `json:"need"`
}

// NeedLen returns the total number of versions needed across actors.
func (s *SyncState) NeedLen() int64 {
	var total int64
	for _, ranges := range s.Need {
		for _, r := range ranges {
			total += r.Len()
		}
	}
	return total
}

// NeedLenForActor returns the number of versions needed from one actor.
func (s *SyncState) NeedLenForActor(actor ActorID) int64 {
	var total int64
	for _, r := range s.Need[actor] {
		total += r.Len()
	}
	return total
}

// A Statement is one parameterized SQL statement submitted to the
// transactions endpoint.
type Statement struct {
	Query  string `json:"query"`
	Params []any  `json:"params,omitempty"`
}

// UnmarshalJSON accepts the object form, the rqlite-style array form
// ["INSERT ...", [params...]], and a bare string.
func (s *Statement) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		s.Query = bare
		s.Params = nil
		return nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) == 0 {
			return errors.New("empty statement array")
		}
		if err := json.Unmarshal(arr[0], &s.Query); err != nil {
			return errors.Wrap(err, "statement query must be a string")
		}
		s.Params = nil
		if len(arr) > 1 {
			if err := json.Unmarshal(arr[1], &s.Params); err != nil {
				return errors.Wrap(err, "statement params must be an array")
			}
		}
		return nil
	}

	type alias Statement
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrap(err, "malformed statement")
	}
	*s = Statement(obj)
	return nil
}
