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

package hlc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	r := require.New(t)

	r.Equal(0, Compare(New(1, 1), New(1, 1)))
	r.Equal(-1, Compare(New(1, 1), New(1, 2)))
	r.Equal(1, Compare(New(2, 0), New(1, 99)))
	r.Equal(-1, Compare(Zero(), New(0, 1)))
}

func TestTextRoundTrip(t *testing.T) {
	r := require.New(t)

	ts := New(1688142029123456789, 42)
	parsed, err := Parse(ts.String())
	r.NoError(err)
	r.Equal(ts, parsed)

	_, err = Parse("not a timestamp")
	r.Error(err)
	_, err = Parse("123:abc")
	r.Error(err)
}

func TestClockMonotone(t *testing.T) {
	r := require.New(t)

	// A frozen wall clock forces the logical counter to do the work.
	c := &Clock{wall: func() int64 { return 100 }}

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		r.Equal(1, Compare(next, prev))
		prev = next
	}
}

func TestClockUpdate(t *testing.T) {
	r := require.New(t)

	c := &Clock{wall: func() int64 { return 100 }}
	c.Update(New(500, 7))

	next := c.Now()
	r.Equal(1, Compare(next, New(500, 7)))

	// A remote timestamp in the past must not rewind the clock.
	c.Update(New(1, 0))
	r.Equal(1, Compare(c.Now(), next))
}
