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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/hlc"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

func TestGenerateSyncState(t *testing.T) {
	r := require.New(t)

	self := types.ActorID(uuid.New())
	other := types.ActorID(uuid.New())
	bk := bookie.New()

	bk.ForActor(self).Write(func(v *bookie.BookedVersions) {
		v.Insert(1, types.KnownCurrentVersion(1, 0, hlc.New(1, 0)))
		v.Insert(2, types.KnownCurrentVersion(2, 0, hlc.New(2, 0)))
	})
	bk.ForActor(other).Write(func(v *bookie.BookedVersions) {
		v.Insert(2, types.KnownCurrentVersion(3, 0, hlc.New(3, 0)))
		v.Insert(7, types.KnownClearedVersion())
	})

	state := GenerateSyncState(self, bk)
	r.Equal(self, state.ActorID)
	r.Equal(int64(2), state.Heads[self])
	r.Equal(int64(7), state.Heads[other])
	r.NotContains(state.Need, self)
	r.Equal([]rangeset.Range{{Start: 1, End: 1}, {Start: 3, End: 6}}, state.Need[other])
	r.Equal(int64(5), state.NeedLen())
}

func TestGenerateSyncStateEmptyBookie(t *testing.T) {
	r := require.New(t)

	state := GenerateSyncState(types.ActorID(uuid.New()), bookie.New())
	r.Empty(state.Heads)
	r.Empty(state.Need)
	r.Zero(state.NeedLen())
}
