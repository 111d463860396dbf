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

package types

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webclinic017/corrosion/internal/util/hlc"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

func TestActorIDRoundTrip(t *testing.T) {
	r := require.New(t)

	id := ActorID(uuid.New())
	parsed, err := ParseActorID(id.String())
	r.NoError(err)
	r.Equal(id, parsed)

	fromBytes, err := ActorIDFromBytes(id.Bytes())
	r.NoError(err)
	r.Equal(id, fromBytes)

	_, err = ParseActorID("nope")
	r.Error(err)
	_, err = ActorIDFromBytes([]byte{1, 2, 3})
	r.Error(err)
}

func TestChangesetForms(t *testing.T) {
	r := require.New(t)

	empty := EmptyChangeset(rangeset.Range{Start: 3, End: 7})
	r.True(empty.IsEmpty())
	r.True(empty.IsComplete())
	r.Equal(rangeset.Range{Start: 3, End: 7}, empty.Versions())
	r.Zero(empty.Len())

	fragment := Changeset{
		Version: 5,
		Changes: []Change{{Table: "tests", Seq: 5}},
		Seqs:    rangeset.Range{Start: 5, End: 9},
		LastSeq: 9,
		Ts:      hlc.New(1, 0),
	}
	r.False(fragment.IsEmpty())
	r.False(fragment.IsComplete())
	r.Equal(rangeset.Single(5), fragment.Versions())

	full := fragment
	full.Seqs = rangeset.Range{Start: 0, End: 9}
	r.True(full.IsComplete())
}

func TestMessageEnvelope(t *testing.T) {
	r := require.New(t)

	msg := NewChangeMessage(ChangeV1{
		ActorID:   ActorID(uuid.New()),
		Changeset: EmptyChangeset(rangeset.Single(1)),
	})
	data, err := json.Marshal(msg)
	r.NoError(err)

	var decoded Message
	r.NoError(json.Unmarshal(data, &decoded))
	r.Equal(CurrentMessageVersion, decoded.Version)
	r.NotNil(decoded.Change)
	r.Equal(msg.Change.ActorID, decoded.Change.ActorID)
}

func TestSyncStateNeedLen(t *testing.T) {
	r := require.New(t)

	a := ActorID(uuid.New())
	b := ActorID(uuid.New())
	state := SyncState{
		Heads: map[ActorID]int64{a: 10, b: 4},
		Need: map[ActorID][]rangeset.Range{
			a: {{Start: 1, End: 3}, {Start: 8, End: 8}},
			b: {{Start: 2, End: 4}},
		},
	}

	r.Equal(int64(4), state.NeedLenForActor(a))
	r.Equal(int64(3), state.NeedLenForActor(b))
	r.Equal(int64(7), state.NeedLen())
	r.Zero(state.NeedLenForActor(ActorID(uuid.New())))
}

func TestStatementDecodeForms(t *testing.T) {
	r := require.New(t)

	var stmts []Statement
	r.NoError(json.Unmarshal([]byte(`[
		"SELECT 1",
		["INSERT INTO tests (id,text) VALUES (?,?)", [1, "hello world 1"]],
		{"query": "DELETE FROM tests WHERE id = ?", "params": [2]}
	]`), &stmts))

	r.Len(stmts, 3)
	r.Equal("SELECT 1", stmts[0].Query)
	r.Nil(stmts[0].Params)
	r.Equal("INSERT INTO tests (id,text) VALUES (?,?)", stmts[1].Query)
	r.Len(stmts[1].Params, 2)
	r.Equal("DELETE FROM tests WHERE id = ?", stmts[2].Query)
	r.Len(stmts[2].Params, 1)

	r.Error(json.Unmarshal([]byte(`[[]]`), &stmts))
}
