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

package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/broadcast"
	"github.com/webclinic017/corrosion/internal/gossip"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/hlc"
)

const (
	// headerTimeout bounds how long we wait for a peer to start
	// responding.
	headerTimeout = 15 * time.Second

	// unavailableRetries is how many times a 503 is retried before
	// giving up on the cycle.
	unavailableRetries = 5
)

// ClockHeader carries the sender's HLC timestamp on peer requests.
const ClockHeader = "corro-clock"

// Sentinel errors for the caller's retry policy.
var (
	ErrNoGoodCandidate = errors.New("no good candidates found")
	ErrUnavailable     = errors.New("service unavailable right now")
)

// StatusError is returned for unexpected peer response codes.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status code: %d", e.Code)
}

// NewHTTPClient builds the peer HTTP client with the sync header
// timeout applied.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   1,
			IdleConnTimeout:       5 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}

// Client runs one pull-sync cycle at a time against a chosen peer.
type Client struct {
	SelfID types.ActorID
	Bookie *bookie.Bookie
	Clock  *hlc.Clock
	HTTP   *http.Client

	// Members returns the current live peer set.
	Members func() []gossip.Member

	// Ingest feeds one received change into the ingest path.
	Ingest func(ctx context.Context, change types.ChangeV1) error
}

// Sync performs one anti-entropy cycle: advertise local state to the
// most promising peer and ingest everything it streams back. It
// returns the number of changes ingested.
func (c *Client) Sync(ctx context.Context) (int64, error) {
	state := GenerateSyncState(c.SelfID, c.Bookie)
	for actor, need := range state.Need {
		neededGauge.WithLabelValues(actor.String()).Set(float64(len(need)))
	}
	for actor, head := range state.Heads {
		headGauge.WithLabelValues(actor.String()).Set(float64(head))
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 100 * time.Millisecond
	boff.MaxInterval = time.Second
	boff.MaxElapsedTime = 0

	for attempt := 0; ; attempt++ {
		peer, err := c.chooseCandidate(state)
		if err != nil {
			return 0, err
		}

		log.WithFields(log.Fields{
			"self":     c.SelfID,
			"peer":     peer.ID,
			"need_len": state.NeedLen(),
		}).Info("syncing with peer")
		requestCount.WithLabelValues(peer.ID.String()).Inc()

		start := time.Now()
		n, err := c.syncWith(ctx, peer, state)
		switch {
		case err == nil:
			elapsed := time.Since(start)
			responseTime.Observe(elapsed.Seconds())
			log.WithFields(log.Fields{
				"peer":    peer.ID,
				"changes": n,
				"elapsed": elapsed,
			}).Info("synced changes with peer")
			return n, nil
		case errors.Is(err, ErrUnavailable):
			if attempt >= unavailableRetries {
				return 0, ErrUnavailable
			}
			select {
			case <-time.After(boff.NextBackOff()):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		default:
			requestErrors.WithLabelValues(peer.ID.String()).Inc()
			return 0, err
		}
	}
}

// chooseCandidate picks 2 live members at random and keeps the one we
// likely need the most versions from.
func (c *Client) chooseCandidate(state *types.SyncState) (gossip.Member, error) {
	members := c.Members()
	if len(members) == 0 {
		log.Warn("could not find any good candidate for sync")
		return gossip.Member{}, ErrNoGoodCandidate
	}

	rand.Shuffle(len(members), func(i, j int) {
		members[i], members[j] = members[j], members[i]
	})
	if len(members) > 2 {
		members = members[:2]
	}
	sort.Slice(members, func(i, j int) bool {
		return state.NeedLenForActor(members[i].ID) > state.NeedLenForActor(members[j].ID)
	})
	return members[0], nil
}

func (c *Client) syncWith(ctx context.Context, peer gossip.Member, state *types.SyncState) (int64, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	url := fmt.Sprintf("http://%s/v1/sync", peer.Addr.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ClockHeader, c.Clock.Now().String())

	res, err := c.HTTP.Do(req)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return 0, ErrUnavailable
	default:
		return 0, &StatusError{Code: res.StatusCode}
	}

	if remote, err := hlc.Parse(res.Header.Get(ClockHeader)); err == nil {
		c.Clock.Update(remote)
	}

	var count int64
	fr := broadcast.NewFrameReader(res.Body)
	for {
		msg, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if err := c.Ingest(ctx, *msg.Change); err != nil {
			return count, err
		}
		count += int64(msg.Change.Changeset.Len())
	}
}
