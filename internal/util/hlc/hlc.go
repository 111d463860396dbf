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

// Package hlc contains a hybrid logical clock. Timestamps carry a
// wall-clock component and a logical counter used to break ties between
// events that share the same wall time.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Time is a hybrid logical timestamp.
type Time struct {
	nanos   int64
	logical int
}

// New constructs a Time.
func New(nanos int64, logical int) Time {
	return Time{nanos: nanos, logical: logical}
}

// Zero returns a zero-valued Time.
func Zero() Time {
	return Time{}
}

// Compare two timestamps. It returns -1 if a is before b, 1 if a is
// after b, and 0 if they are equal.
func Compare(a, b Time) int {
	if c := a.nanos - b.nanos; c != 0 {
		if c < 0 {
			return -1
		}
		return 1
	}
	if c := a.logical - b.logical; c != 0 {
		if c < 0 {
			return -1
		}
		return 1
	}
	return 0
}

// Nanos returns the wall-clock component.
func (t Time) Nanos() int64 { return t.nanos }

// Logical returns the logical component.
func (t Time) Logical() int { return t.logical }

// String returns the textual form used on the wire and in the
// bookkeeping tables: "nanos:logical".
func (t Time) String() string {
	return fmt.Sprintf("%d:%d", t.nanos, t.logical)
}

// Parse reverses Time.String.
func Parse(s string) (Time, error) {
	nanos, logical, found := strings.Cut(s, ":")
	if !found {
		return Time{}, errors.Errorf("malformed hlc timestamp %q", s)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Time{}, errors.Wrapf(err, "malformed hlc nanos in %q", s)
	}
	l, err := strconv.Atoi(logical)
	if err != nil {
		return Time{}, errors.Wrapf(err, "malformed hlc logical in %q", s)
	}
	return Time{nanos: n, logical: l}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Time) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Time) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Clock issues monotone hybrid logical timestamps and merges remote
// observations. The zero value is not usable; call NewClock.
type Clock struct {
	wall func() int64

	mu struct {
		sync.Mutex
		last Time
	}
}

// NewClock constructs a Clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{wall: func() int64 { return time.Now().UnixNano() }}
}

// Now returns a new timestamp strictly greater than every timestamp
// previously returned by or passed to this clock.
func (c *Clock) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := Time{nanos: c.wall()}
	if Compare(next, c.mu.last) <= 0 {
		next = Time{nanos: c.mu.last.nanos, logical: c.mu.last.logical + 1}
	}
	c.mu.last = next
	return next
}

// Update merges a remote timestamp into the clock, guaranteeing that
// subsequent calls to Now return timestamps after the remote one.
func (c *Clock) Update(remote Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if Compare(remote, c.mu.last) > 0 {
		c.mu.last = remote
	}
}
