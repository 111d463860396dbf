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
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/broadcast"
	"github.com/webclinic017/corrosion/internal/syncer"
	"github.com/webclinic017/corrosion/internal/types"
)

const (
	syncConcurrency      = 3
	broadcastConcurrency = 512
)

// peerRouter serves the node-to-node surface on the gossip TCP port.
func (a *Agent) peerRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.clockMiddleware)

	r.With(concurrencyLimit("POST /v1/sync", syncConcurrency)).
		Post("/v1/sync", a.handleSyncPost)
	r.With(concurrencyLimit("POST /v1/broadcast", broadcastConcurrency)).
		Post("/v1/broadcast", a.handleBroadcastPost)
	return r
}

// clockMiddleware merges the sender's HLC timestamp into ours.
func (a *Agent) clockMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		syncer.ParseClock(a.clock, req.Header.Get(syncer.ClockHeader))
		next.ServeHTTP(w, req)
	})
}

// concurrencyLimit sheds requests above the limit with a 503 instead
// of queueing them.
func concurrencyLimit(route string, limit int) func(http.Handler) http.Handler {
	sem := make(chan struct{}, limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, req)
			default:
				syncer.RecordShed(route)
				http.Error(w, "max concurrency limit reached", http.StatusServiceUnavailable)
			}
		})
	}
}

// handleSyncPost streams back every change the caller is missing.
func (a *Agent) handleSyncPost(w http.ResponseWriter, req *http.Request) {
	var state types.SyncState
	if err := json.NewDecoder(req.Body).Decode(&state); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set(syncer.ClockHeader, a.clock.Now().String())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	server := &syncer.Server{
		SelfID: a.actorID,
		Bookie: a.bookie,
		Pool:   a.pool,
	}
	sent, err := server.Serve(req.Context(), &state, broadcast.NewFrameWriter(&flushWriter{w: w}))
	if err != nil {
		// Headers are gone; all we can do is drop the stream.
		log.WithError(err).Error("sync stream aborted")
		return
	}
	log.WithFields(log.Fields{
		"peer":    state.ActorID,
		"changes": sent,
	}).Debug("served sync")
}

// handleBroadcastPost accepts one reliably-delivered broadcast payload
// (the oversized-message path).
func (a *Agent) handleBroadcastPost(w http.ResponseWriter, req *http.Request) {
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.dispatcher.HandleIncoming(payload)
	w.WriteHeader(http.StatusOK)
}

// broadcastBody encodes one message as the /v1/broadcast request body.
func broadcastBody(msg types.Message) (io.Reader, error) {
	var buf bytes.Buffer
	if err := broadcast.EncodeFrame(&buf, msg); err != nil {
		return nil, err
	}
	return &buf, nil
}

// flushWriter pushes every frame to the client immediately so the
// caller can ingest while we read.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
