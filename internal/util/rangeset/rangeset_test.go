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

package rangeset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertCoalesces(t *testing.T) {
	r := require.New(t)

	s := NewSet()
	s.Insert(Range{5, 9})
	s.Insert(Range{0, 4})
	r.Equal([]Range{{0, 9}}, s.Ranges())

	s = NewSet()
	s.Insert(Range{0, 2})
	s.Insert(Range{6, 8})
	s.Insert(Range{4, 4})
	r.Equal([]Range{{0, 2}, {4, 4}, {6, 8}}, s.Ranges())

	// Bridging insert collapses everything.
	s.Insert(Range{2, 7})
	r.Equal([]Range{{0, 8}}, s.Ranges())
}

func TestInsertIgnoresInverted(t *testing.T) {
	s := NewSet()
	s.Insert(Range{5, 1})
	require.True(t, s.Empty())
}

func TestGaps(t *testing.T) {
	r := require.New(t)

	s := NewSet(Range{5, 9})
	r.Equal([]Range{{0, 4}}, s.Gaps(Range{0, 9}))

	s.Insert(Range{0, 4})
	r.Empty(s.Gaps(Range{0, 9}))

	s = NewSet(Range{2, 3}, Range{7, 8})
	r.Equal([]Range{{0, 1}, {4, 6}, {9, 10}}, s.Gaps(Range{0, 10}))

	// Bounds entirely outside the set.
	r.Equal([]Range{{20, 25}}, s.Gaps(Range{20, 25}))
}

func TestContains(t *testing.T) {
	r := require.New(t)

	s := NewSet(Range{0, 3}, Range{10, 12})
	r.True(s.Contains(0))
	r.True(s.Contains(12))
	r.False(s.Contains(4))
	r.False(s.Contains(9))

	r.True(s.ContainsRange(Range{10, 12}))
	r.True(s.ContainsRange(Range{1, 2}))
	r.False(s.ContainsRange(Range{2, 11}))
}

func TestInsertRandomized(t *testing.T) {
	r := require.New(t)
	rng := rand.New(rand.NewSource(0))

	// Whatever the insertion order, the set must agree with a
	// brute-force bitmap.
	for trial := 0; trial < 100; trial++ {
		s := NewSet()
		covered := make(map[int64]bool)
		for i := 0; i < 20; i++ {
			start := rng.Int63n(64)
			end := start + rng.Int63n(8)
			s.Insert(Range{start, end})
			for v := start; v <= end; v++ {
				covered[v] = true
			}
		}

		for v := int64(0); v < 80; v++ {
			r.Equal(covered[v], s.Contains(v), "value %d", v)
		}

		// Invariant: sorted, disjoint, non-adjacent.
		ranges := s.Ranges()
		for i := 1; i < len(ranges); i++ {
			r.Greater(ranges[i].Start, ranges[i-1].End+1)
		}
	}
}
