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

package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/webclinic017/corrosion/internal/types"
)

func TestMatcherFiltersByTable(t *testing.T) {
	r := require.New(t)

	reg := NewRegistry()
	m := reg.Create("tests")

	reg.ProcessChanges([]types.Change{
		{Table: "tests", Cid: "text"},
		{Table: "other", Cid: "text"},
	})

	batch := <-m.Events()
	r.Len(batch, 1)
	r.Equal("tests", batch[0].Table)

	// Nothing for a non-matching batch.
	reg.ProcessChanges([]types.Change{{Table: "other"}})
	select {
	case got := <-m.Events():
		r.Nil(got)
	default:
	}
}

func TestDefunctMatcherIsRemoved(t *testing.T) {
	r := require.New(t)

	reg := NewRegistry()
	m := reg.Create("tests")
	survivor := reg.Create("tests")

	// Saturate m's subscriber channel without draining it, while the
	// survivor's consumer takes each batch as it is delivered.
	for i := 0; i < 600; i++ {
		reg.ProcessChanges([]types.Change{{Table: "tests"}})
		<-survivor.Events()
	}

	_, ok := reg.Get(m.ID)
	r.False(ok)
	_, ok = reg.Get(survivor.ID)
	r.True(ok)

	// The defunct matcher's channel is closed so its consumer unblocks.
	for range m.Events() {
	}
}

func TestRemove(t *testing.T) {
	reg := NewRegistry()
	m := reg.Create("tests")
	reg.Remove(m.ID)
	_, ok := reg.Get(m.ID)
	require.False(t, ok)
	require.NoError(t, func() error {
		reg.Remove(m.ID) // double remove is fine
		return nil
	}())
}
