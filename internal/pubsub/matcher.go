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

// Package pubsub fans applied changes out to subscription matchers.
// A matcher that fails is removed; other subscribers are unaffected.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/types"
)

// ErrDefunct is returned by a matcher whose consumer went away.
var ErrDefunct = errors.New("matcher is defunct")

// A Matcher watches one table and delivers matching row changes to its
// subscriber channel.
type Matcher struct {
	ID    uuid.UUID
	Table string

	mu struct {
		sync.Mutex
		closed bool
	}
	events chan []types.Change
}

// Events returns the subscriber channel. It is closed when the matcher
// is removed.
func (m *Matcher) Events() <-chan []types.Change {
	return m.events
}

// ProcessChange filters the batch down to this matcher's table and
// hands it to the subscriber. A full channel means the subscriber is
// not draining; the matcher reports itself defunct rather than block
// the ingest path.
func (m *Matcher) ProcessChange(changes []types.Change) error {
	var matched []types.Change
	for _, c := range changes {
		if c.Table == m.Table {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.closed {
		return ErrDefunct
	}
	select {
	case m.events <- matched:
		return nil
	default:
		return errors.Wrap(ErrDefunct, "subscriber is not draining events")
	}
}

func (m *Matcher) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mu.closed {
		m.mu.closed = true
		close(m.events)
	}
}

// Registry holds the live matchers.
type Registry struct {
	mu       sync.RWMutex
	matchers map[uuid.UUID]*Matcher
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{matchers: make(map[uuid.UUID]*Matcher)}
}

// Create registers a matcher for the given table.
func (r *Registry) Create(table string) *Matcher {
	m := &Matcher{
		ID:     uuid.New(),
		Table:  table,
		events: make(chan []types.Change, 512),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchers[m.ID] = m
	return m
}

// Get returns the matcher with the given id.
func (r *Registry) Get(id uuid.UUID) (*Matcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matchers[id]
	return m, ok
}

// Remove drops a matcher and closes its subscriber channel.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	m, ok := r.matchers[id]
	delete(r.matchers, id)
	r.mu.Unlock()
	if ok {
		m.close()
	}
}

// ProcessChanges delivers a batch of applied changes to every matcher.
// Failing matchers are removed; delivery is best-effort and never
// propagates an error to the ingest path.
func (r *Registry) ProcessChanges(changes []types.Change) {
	if len(changes) == 0 {
		return
	}

	var defunct []uuid.UUID
	r.mu.RLock()
	for id, m := range r.matchers {
		if err := m.ProcessChange(changes); err != nil {
			log.WithError(err).WithField("matcher", id).Error("could not process change with matcher, it is probably defunct")
			defunct = append(defunct, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range defunct {
		r.Remove(id)
	}
}
