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

// Package agent assembles the corrosion replication pipeline: change
// ingest, buffered-change promotion, gossip dissemination, periodic
// anti-entropy sync, compaction, and the HTTP surfaces, all wired to a
// shared shutdown tripwire.
package agent

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/broadcast"
	"github.com/webclinic017/corrosion/internal/config"
	"github.com/webclinic017/corrosion/internal/gossip"
	"github.com/webclinic017/corrosion/internal/pubsub"
	"github.com/webclinic017/corrosion/internal/store"
	"github.com/webclinic017/corrosion/internal/syncer"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/hlc"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
	"github.com/webclinic017/corrosion/internal/util/tripwire"
)

const (
	// maxSyncBackoff caps the pause between sync cycles. Broadcasts
	// keep arriving in between; sync only repairs gaps.
	maxSyncBackoff = 60 * time.Second

	compactInterval     = 300 * time.Second
	walTruncateInterval = 15 * time.Minute
	metricsInterval     = 10 * time.Second

	applyChannelSize = 512

	shutdownGrace = 10 * time.Second
)

type applyRequest struct {
	actorID types.ActorID
	version int64
}

// Agent is one corrosion node: an embedded CRR store plus the
// replication pipeline around it.
type Agent struct {
	actorID types.ActorID
	pool    *store.Pool
	bookie  *bookie.Bookie
	clock   *hlc.Clock
	config  *config.Store

	matchers   *pubsub.Registry
	transport  *gossip.Transport
	membership *gossip.Membership
	dispatcher *broadcast.Dispatcher

	applyCh chan applyRequest
	tw      *tripwire.Tripwire

	apiListener net.Listener
}

// ActorID returns the node identity.
func (a *Agent) ActorID() types.ActorID { return a.actorID }

// Pool returns the database pool, mainly for tests and the CLI.
func (a *Agent) Pool() *store.Pool { return a.pool }

// Bookie returns the version bookkeeping.
func (a *Agent) Bookie() *bookie.Bookie { return a.bookie }

// GossipAddr returns the bound gossip address.
func (a *Agent) GossipAddr() *net.UDPAddr { return a.transport.Addr() }

// APIAddr returns the bound public API address.
func (a *Agent) APIAddr() net.Addr { return a.apiListener.Addr() }

// Setup opens the store, reconciles the actor identity, migrates the
// schema, rebuilds the bookkeeping cache, and binds the sockets. It
// does not start any loops; call Run.
func Setup(ctx context.Context, conf *config.Config, tw *tripwire.Tripwire) (*Agent, error) {
	if err := conf.Preflight(); err != nil {
		return nil, err
	}
	log.WithField("db", conf.DBPath).Debug("setting up corrosion")

	if parent := filepath.Dir(conf.DBPath); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	pool, err := store.Open(ctx, conf.DBPath, conf.CrsqlitePath)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx, pool); err != nil {
		_ = pool.Close()
		return nil, err
	}

	actorID, err := loadOrCreateActorID(ctx, pool)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	log.WithField("actor_id", actorID).Info("current actor id")

	a := &Agent{
		actorID:  actorID,
		pool:     pool,
		bookie:   bookie.New(),
		clock:    hlc.NewClock(),
		config:   config.NewStore(conf),
		matchers: pubsub.NewRegistry(),
		applyCh:  make(chan applyRequest, applyChannelSize),
		tw:       tw,
	}

	if err := a.loadBookkeeping(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}

	a.transport, err = gossip.NewTransport(conf.GossipAddr)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	a.apiListener, err = net.Listen("tcp", conf.APIAddr)
	if err != nil {
		_ = a.transport.Shutdown()
		_ = pool.Close()
		return nil, err
	}

	return a, nil
}

// loadOrCreateActorID reads the crsql site id, minting and persisting
// a fresh identity on first boot.
func loadOrCreateActorID(ctx context.Context, pool *store.Pool) (types.ActorID, error) {
	conn, release, err := pool.Write(ctx, store.WritePriority)
	if err != nil {
		return types.ActorID{}, err
	}
	defer release()

	siteID, err := store.SiteID(ctx, conn)
	if err != nil {
		return types.ActorID{}, err
	}
	if !siteID.IsZero() {
		return siteID, nil
	}

	actorID := types.ActorID(uuid.New())
	if err := store.ReconcileSiteID(ctx, conn, actorID); err != nil {
		return types.ActorID{}, err
	}
	return actorID, nil
}

// loadBookkeeping rebuilds the in-memory version map from the
// persisted tables. Partials that turn out to be fully buffered are
// scheduled for promotion right away.
func (a *Agent) loadBookkeeping(ctx context.Context) error {
	db := a.pool.Read()

	rows, err := db.QueryContext(ctx, `
        SELECT actor_id, start_version, end_version, db_version, last_seq, ts
            FROM __corro_bookkeeping`)
	if err != nil {
		return errors.WithStack(err)
	}
	for rows.Next() {
		var actorRaw, tsRaw string
		var startVersion int64
		var endVersion, dbVersion, lastSeq *int64
		var tsNull *string
		if err := rows.Scan(&actorRaw, &startVersion, &endVersion, &dbVersion, &lastSeq, &tsNull); err != nil {
			rows.Close()
			return errors.WithStack(err)
		}
		actorID, err := types.ParseActorID(actorRaw)
		if err != nil {
			rows.Close()
			return err
		}
		if tsNull != nil {
			tsRaw = *tsNull
		}

		a.bookie.ForActor(actorID).Write(func(v *bookie.BookedVersions) {
			if dbVersion != nil {
				ts, _ := hlc.Parse(tsRaw)
				var last int64
				if lastSeq != nil {
					last = *lastSeq
				}
				v.Insert(startVersion, types.KnownCurrentVersion(*dbVersion, last, ts))
				return
			}
			end := startVersion
			if endVersion != nil {
				end = *endVersion
			}
			v.InsertRange(rangeset.Range{Start: startVersion, End: end}, types.KnownClearedVersion())
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errors.WithStack(err)
	}
	rows.Close()

	// Partial state lives in the seq bookkeeping table.
	type partialKey struct {
		actor   types.ActorID
		version int64
	}
	type partialState struct {
		seqs    *rangeset.Set
		lastSeq int64
		ts      hlc.Time
	}
	partials := make(map[partialKey]*partialState)

	rows, err = db.QueryContext(ctx, `
        SELECT site_id, version, start_seq, end_seq, last_seq, ts
            FROM __corro_seq_bookkeeping`)
	if err != nil {
		return errors.WithStack(err)
	}
	for rows.Next() {
		var siteID []byte
		var version, startSeq, endSeq, lastSeq int64
		var tsRaw string
		if err := rows.Scan(&siteID, &version, &startSeq, &endSeq, &lastSeq, &tsRaw); err != nil {
			rows.Close()
			return errors.WithStack(err)
		}
		actorID, err := types.ActorIDFromBytes(siteID)
		if err != nil {
			rows.Close()
			return err
		}
		key := partialKey{actor: actorID, version: version}
		state, ok := partials[key]
		if !ok {
			state = &partialState{seqs: rangeset.NewSet()}
			partials[key] = state
		}
		state.seqs.Insert(rangeset.Range{Start: startSeq, End: endSeq})
		state.lastSeq = lastSeq
		state.ts, _ = hlc.Parse(tsRaw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errors.WithStack(err)
	}
	rows.Close()

	for key, state := range partials {
		log.WithFields(log.Fields{
			"actor":    key.actor,
			"version":  key.version,
			"seqs":     state.seqs.Ranges(),
			"last_seq": state.lastSeq,
		}).Info("rebuilding partial known version")

		a.bookie.ForActor(key.actor).Write(func(v *bookie.BookedVersions) {
			v.Insert(key.version, types.KnownPartialVersion(state.seqs, state.lastSeq, state.ts))
		})

		if len(state.seqs.Gaps(rangeset.Range{Start: 0, End: state.lastSeq})) == 0 {
			log.WithFields(log.Fields{
				"actor":   key.actor,
				"version": key.version,
			}).Info("found fully buffered, unapplied changes, scheduling apply")
			a.applyCh <- applyRequest{actorID: key.actor, version: key.version}
		}
	}

	return nil
}

// Run starts every long-running task and blocks until the tripwire
// fires and the grace period drains in-flight work.
func (a *Agent) Run(ctx context.Context) error {
	conf := a.config.Load()

	// Membership rides the shared transport; broadcast payloads flow
	// into the dispatcher.
	a.dispatcher = broadcast.NewDispatcher()
	a.transport.OnBroadcast = a.dispatcher.HandleIncoming
	a.transport.Run()

	membership, err := gossip.New(a.actorID, a.transport, a.pool)
	if err != nil {
		return err
	}
	a.membership = membership

	peerClient := syncer.NewHTTPClient()

	a.dispatcher.SelfID = a.actorID
	a.dispatcher.Bookie = a.bookie
	a.dispatcher.Process = a.ProcessMessages
	a.dispatcher.SendUDP = a.transport.SendRaw
	a.dispatcher.SendReliable = func(ctx context.Context, peer broadcast.Peer, msg types.Message) error {
		return a.sendReliableBroadcast(ctx, peerClient, peer, msg)
	}
	a.dispatcher.Members = func() []broadcast.Peer {
		members := a.membership.Members()
		peers := make([]broadcast.Peer, len(members))
		for i, m := range members {
			peers[i] = broadcast.Peer{ID: m.ID, Addr: m.Addr}
		}
		return peers
	}
	a.dispatcher.Run(ctx, a.tw)

	gossipAddr := a.transport.Addr()
	log.WithField("addr", gossipAddr).Info("started gossip listeners")

	a.tw.Go(func() {
		a.membership.BootstrapLoop(ctx, a.tw, conf.Bootstrap, gossipAddr)
	})

	memberEvents := a.membership.Subscribe()
	a.tw.Go(func() {
		for {
			select {
			case ev := <-memberEvents:
				log.WithFields(log.Fields{
					"id": ev.Member.ID,
					"up": ev.Up,
				}).Debug("membership event")
			case <-a.tw.Done():
				return
			}
		}
	})

	peerServer := &http.Server{Handler: a.peerRouter()}
	a.tw.Go(func() {
		if err := peerServer.Serve(a.transport.HTTPListener()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("peer api server failed")
		}
	})

	apiServer := &http.Server{Handler: a.apiRouter()}
	log.WithField("addr", a.apiListener.Addr()).Info("starting public api server")
	a.tw.Go(func() {
		if err := apiServer.Serve(a.apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("public api server failed")
		}
	})

	var adminServer *http.Server
	if conf.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		adminServer = &http.Server{Addr: conf.AdminAddr, Handler: mux}
		a.tw.Go(func() {
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("admin server failed")
			}
		})
	}

	syncClient := &syncer.Client{
		SelfID: a.actorID,
		Bookie: a.bookie,
		Clock:  a.clock,
		HTTP:   peerClient,
		Members: func() []gossip.Member {
			return a.membership.Members()
		},
		Ingest: func(ctx context.Context, change types.ChangeV1) error {
			_, err := a.ProcessSingleVersion(ctx, change)
			return err
		},
	}
	a.tw.Go(func() { a.syncLoop(ctx, syncClient) })
	a.tw.Go(func() { a.compactLoop(ctx) })
	a.tw.Go(func() { a.walTruncateLoop(ctx) })
	a.tw.Go(func() { a.metricsLoop() })

	<-a.tw.Done()
	log.Debug("tripped corrosion")

	// In-flight requests get a bounded grace; new sync cycles are
	// already cancelled by the tripwire.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	g, shutdownCtx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return apiServer.Shutdown(shutdownCtx) })
	g.Go(func() error { return peerServer.Shutdown(shutdownCtx) })
	if adminServer != nil {
		g.Go(func() error { return adminServer.Shutdown(shutdownCtx) })
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("http servers did not drain cleanly")
	}

	if err := a.membership.Leave(time.Second); err != nil {
		log.WithError(err).Warn("could not leave the cluster cleanly")
	}
	a.tw.Wait(shutdownGrace)
	return a.pool.Close()
}

// syncLoop drives periodic anti-entropy and drains the apply channel,
// preferring promotions over new sync cycles.
func (a *Agent) syncLoop(ctx context.Context, client *syncer.Client) {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = time.Second
	boff.MaxInterval = maxSyncBackoff
	boff.MaxElapsedTime = 0

	next := time.NewTimer(boff.NextBackOff())
	defer next.Stop()

	for {
		// Promotions unblock the most data for the least work; handle
		// any queued ones first.
		select {
		case req := <-a.applyCh:
			a.handleApply(ctx, req)
			continue
		default:
		}

		select {
		case req := <-a.applyCh:
			a.handleApply(ctx, req)
		case <-next.C:
			if _, err := client.Sync(ctx); err != nil {
				switch {
				case errors.Is(err, syncer.ErrNoGoodCandidate):
					// Logged inside; next cycle.
				case errors.Is(err, context.Canceled):
					return
				default:
					log.WithError(err).Error("sync cycle failed")
				}
			}
			next.Reset(boff.NextBackOff())
		case <-a.tw.Done():
			return
		}
	}
}

func (a *Agent) handleApply(ctx context.Context, req applyRequest) {
	log.WithFields(log.Fields{
		"actor":   req.actorID,
		"version": req.version,
	}).Debug("picked up background apply")
	if _, err := a.ProcessFullyBufferedChanges(ctx, req.actorID, req.version); err != nil {
		log.WithError(err).Error("could not apply fully buffered changes")
	}
}

// sendReliableBroadcast delivers one oversized message over the peer
// HTTP surface instead of UDP.
func (a *Agent) sendReliableBroadcast(ctx context.Context, client *http.Client, peer broadcast.Peer, msg types.Message) error {
	body, err := broadcastBody(msg)
	if err != nil {
		return err
	}
	url := "http://" + peer.Addr.String() + "/v1/broadcast"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set(syncer.ClockHeader, a.clock.Now().String())

	res, err := client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errors.Errorf("peer broadcast returned status %d", res.StatusCode)
	}
	return nil
}

func (a *Agent) metricsLoop() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pool.EmitMetrics()
			bookedActors.Set(float64(len(a.bookie.Actors())))
		case <-a.tw.Done():
			return
		}
	}
}
