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

package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/webclinic017/corrosion/internal/broadcast"
	"github.com/webclinic017/corrosion/internal/config"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/tripwire"
)

// newTestAgent stands up an agent against a throwaway database. Tests
// that need the storage engine are skipped when the cr-sqlite
// extension is not available.
func newTestAgent(t *testing.T) *Agent {
	t.Helper()

	ext := os.Getenv("CRSQLITE_PATH")
	if ext == "" {
		t.Skip("CRSQLITE_PATH is not set; skipping test that needs the cr-sqlite extension")
	}

	ctx := context.Background()
	conf := &config.Config{
		DBPath:       filepath.Join(t.TempDir(), "corrosion.db"),
		GossipAddr:   "127.0.0.1:0",
		APIAddr:      "127.0.0.1:0",
		CrsqlitePath: ext,
	}

	tw := tripwire.New()
	a, err := Setup(ctx, conf, tw)
	require.NoError(t, err)
	t.Cleanup(func() {
		tw.Trip()
		_ = a.transport.Shutdown()
		_ = a.apiListener.Close()
		_ = a.pool.Close()
	})

	// The dispatcher is normally wired in Run; tests drive ingest
	// directly, so a bare one absorbs queued broadcasts.
	a.dispatcher = broadcast.NewDispatcher()

	require.NoError(t, a.applySchema(ctx, []string{
		"CREATE TABLE tests (id INTEGER PRIMARY KEY, text TEXT)",
	}))
	return a
}

// localChanges runs statements on the source agent and returns the
// broadcastable changeset it produced.
func localChanges(t *testing.T, a *Agent, stmts ...types.Statement) types.ChangeV1 {
	t.Helper()
	ctx := context.Background()

	_, err := a.execTransactions(ctx, stmts)
	require.NoError(t, err)

	select {
	case in := <-a.dispatcher.Outgoing():
		require.NotNil(t, in.Msg.Change)
		return *in.Msg.Change
	default:
		t.Fatal("transaction produced no broadcast")
		return types.ChangeV1{}
	}
}
