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

// Package config contains the user-visible configuration for running a
// corrosion agent.
package config

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// DefaultGossipPort is the well-known port peers assume when a
// bootstrap entry omits one.
const DefaultGossipPort = 4001

// Config is an immutable snapshot of the agent configuration. Mutating
// a snapshot that has been handed to a Store is not allowed; build a
// new one and Swap it in.
type Config struct {
	// DBPath is the path of the SQLite database file.
	DBPath string

	// GossipAddr is the UDP+TCP address the membership layer binds.
	GossipAddr string

	// APIAddr is the public HTTP API bind address.
	APIAddr string

	// AdminAddr optionally exposes metrics and debug surfaces. Empty
	// disables the admin server.
	AdminAddr string

	// Bootstrap entries use the grammar host[:port][@dns-server].
	Bootstrap []string

	// CrsqlitePath locates the cr-sqlite loadable extension.
	CrsqlitePath string
}

// Bind registers flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(
		&c.DBPath,
		"db-path",
		"./corrosion.db",
		"path of the sqlite database file")
	flags.StringVar(
		&c.GossipAddr,
		"gossip-addr",
		"0.0.0.0:4001",
		"the address the gossip layer binds (UDP and TCP)")
	flags.StringVar(
		&c.APIAddr,
		"api-addr",
		"127.0.0.1:8080",
		"the public HTTP API bind address")
	flags.StringVar(
		&c.AdminAddr,
		"admin-addr",
		"",
		"optional bind address for metrics and debug endpoints")
	flags.StringSliceVar(
		&c.Bootstrap,
		"bootstrap",
		nil,
		"bootstrap entries, host[:port][@dns-server]")
	flags.StringVar(
		&c.CrsqlitePath,
		"crsqlite-path",
		"crsqlite",
		"path of the cr-sqlite loadable extension")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.DBPath == "" {
		return errors.New("db-path unset")
	}
	if c.GossipAddr == "" {
		return errors.New("gossip-addr unset")
	}
	if c.APIAddr == "" {
		return errors.New("api-addr unset")
	}
	if c.CrsqlitePath == "" {
		return errors.New("crsqlite-path unset")
	}
	return nil
}

// Store publishes the active configuration snapshot. Readers load a
// pointer with no lock; reloads swap in a whole new snapshot.
type Store struct {
	p atomic.Pointer[Config]
}

// NewStore constructs a Store holding the given snapshot.
func NewStore(c *Config) *Store {
	s := &Store{}
	s.p.Store(c)
	return s
}

// Load returns the active snapshot.
func (s *Store) Load() *Config {
	return s.p.Load()
}

// Swap replaces the active snapshot.
func (s *Store) Swap(c *Config) {
	s.p.Store(c)
}
