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

// Package syncer implements pull-based anti-entropy between two peers:
// generating the head/need summary from the bookkeeping state, the
// periodic client, and the server side that streams back the changes a
// caller is missing.
package syncer

import (
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

// GenerateSyncState summarizes the local bookkeeping: the highest
// version known per actor, and the version ranges missing below it.
func GenerateSyncState(selfID types.ActorID, bk *bookie.Bookie) *types.SyncState {
	state := &types.SyncState{
		ActorID: selfID,
		Heads:   make(map[types.ActorID]int64),
		Need:    make(map[types.ActorID][]rangeset.Range),
	}

	for _, actor := range bk.Actors() {
		bk.ForActor(actor).Read(func(v *bookie.BookedVersions) {
			last, ok := v.Last()
			if !ok {
				return
			}
			state.Heads[actor] = last
			if need := v.Need(); len(need) > 0 {
				state.Need[actor] = need
			}
		})
	}
	return state
}
