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

package gossip

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/store"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/tripwire"
)

// bootstrapInterval is how often the bootstrap list is re-resolved and
// announced to.
const bootstrapInterval = 300 * time.Second

// A Member is a live peer in the cluster.
type Member struct {
	ID   types.ActorID
	Addr *net.UDPAddr
}

// MemberEvent notifies watchers of membership transitions. Slow
// consumers may miss events and must reconcile against Members, which
// is the source of truth.
type MemberEvent struct {
	Up     bool
	Member Member
}

// Membership runs SWIM failure detection over the shared transport and
// maintains the live member table, persisting state so a restarted
// node can rejoin without DNS.
type Membership struct {
	self types.ActorID
	list *memberlist.Memberlist
	pool *store.Pool

	mu struct {
		sync.RWMutex
		states map[types.ActorID]Member
	}

	events struct {
		sync.Mutex
		subs []chan MemberEvent
	}
}

// New starts the membership layer on the given transport.
func New(actorID types.ActorID, transport *Transport, pool *store.Pool) (*Membership, error) {
	m := &Membership{self: actorID, pool: pool}
	m.mu.states = make(map[types.ActorID]Member)

	bind := transport.Addr()
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = actorID.String()
	cfg.BindAddr = bind.IP.String()
	cfg.BindPort = bind.Port
	cfg.Transport = transport
	cfg.Events = (*eventDelegate)(m)
	cfg.Delegate = noopDelegate{}
	cfg.LogOutput = log.StandardLogger().WriterLevel(log.DebugLevel)

	list, err := memberlist.Create(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not start memberlist")
	}
	m.list = list
	return m, nil
}

// Join announces to the given "host:port" addresses.
func (m *Membership) Join(addrs []string) (int, error) {
	n, err := m.list.Join(addrs)
	return n, errors.WithStack(err)
}

// Members returns the live peers, excluding the local node.
func (m *Membership) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.mu.states))
	for _, member := range m.mu.states {
		out = append(out, member)
	}
	return out
}

// Subscribe returns a channel of membership events. The channel sheds
// when the subscriber lags.
func (m *Membership) Subscribe() <-chan MemberEvent {
	ch := make(chan MemberEvent, 512)
	m.events.Lock()
	defer m.events.Unlock()
	m.events.subs = append(m.events.subs, ch)
	return ch
}

func (m *Membership) publish(ev MemberEvent) {
	m.events.Lock()
	defer m.events.Unlock()
	for _, ch := range m.events.subs {
		select {
		case ch <- ev:
		default:
			// Lossy by design; the member table is authoritative.
		}
	}
}

// BootstrapLoop resolves and announces to the bootstrap set at startup
// and on an interval. The persisted member table is re-applied first
// so a restart can rejoin without DNS.
func (m *Membership) BootstrapLoop(ctx context.Context, tw *tripwire.Tripwire, entries []string, ourAddr *net.UDPAddr) {
	if saved, err := m.SavedAddrs(ctx, 0); err != nil {
		log.WithError(err).Error("could not load saved member states")
	} else if len(saved) > 0 {
		if n, err := m.Join(saved); err != nil {
			log.WithError(err).Debug("could not rejoin saved members")
		} else {
			log.WithField("joined", n).Info("rejoined saved members")
		}
	}

	ticker := time.NewTicker(bootstrapInterval)
	defer ticker.Stop()
	for {
		addrs, err := GenerateBootstrap(ctx, entries, ourAddr, func(limit int) ([]string, error) {
			return m.SavedAddrs(ctx, limit)
		})
		if err != nil {
			log.WithError(err).Error("could not find nodes to announce ourselves to")
		} else {
			for _, addr := range addrs {
				log.WithField("addr", addr).Debug("bootstrapping")
			}
			if len(addrs) > 0 {
				if _, err := m.Join(addrs); err != nil {
					log.WithError(err).Debug("bootstrap join failed")
				}
			}
		}

		select {
		case <-ticker.C:
		case <-tw.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// SavedAddrs returns member addresses persisted from earlier runs.
// A zero limit returns all of them.
func (m *Membership) SavedAddrs(ctx context.Context, limit int) ([]string, error) {
	query := "SELECT address FROM __corro_members"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := m.pool.Read().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, addr)
	}
	return out, errors.WithStack(rows.Err())
}

// Leave gracefully departs the cluster and stops failure detection.
func (m *Membership) Leave(timeout time.Duration) error {
	if err := m.list.Leave(timeout); err != nil {
		log.WithError(err).Warn("could not broadcast leave intent")
	}
	return errors.WithStack(m.list.Shutdown())
}

// persist records a member transition in __corro_members.
func (m *Membership) persist(member Member, state string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	meta, _ := json.Marshal(map[string]string{
		"id":      member.ID.String(),
		"address": member.Addr.String(),
		"state":   state,
	})

	conn, release, err := m.pool.Write(ctx, store.WriteLow)
	if err != nil {
		log.WithError(err).Warn("could not persist member state")
		return
	}
	defer release()
	_, err = conn.ExecContext(ctx, `
        INSERT INTO __corro_members (id, address, state, member_state)
            VALUES (?, ?, ?, ?)
            ON CONFLICT (id) DO UPDATE SET
                address = excluded.address,
                state = excluded.state,
                member_state = excluded.member_state`,
		member.ID.String(), member.Addr.String(), state, string(meta))
	if err != nil {
		log.WithError(err).Warn("could not persist member state")
	}
}

// eventDelegate adapts memberlist notifications onto the member table.
type eventDelegate Membership

var _ memberlist.EventDelegate = (*eventDelegate)(nil)

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	m := (*Membership)(d)
	member, ok := m.memberFromNode(n)
	if !ok || member.ID == m.self {
		return
	}

	m.mu.Lock()
	_, known := m.mu.states[member.ID]
	m.mu.states[member.ID] = member
	size := len(m.mu.states)
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"id":    member.ID,
		"addr":  member.Addr,
		"added": !known,
	}).Info("member up")

	if !known {
		memberAdded.Inc()
		clusterSize.Set(float64(size + 1))
		m.publish(MemberEvent{Up: true, Member: member})
	}
	go m.persist(member, "up")
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	m := (*Membership)(d)
	member, ok := m.memberFromNode(n)
	if !ok || member.ID == m.self {
		return
	}

	m.mu.Lock()
	_, known := m.mu.states[member.ID]
	delete(m.mu.states, member.ID)
	size := len(m.mu.states)
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"id":      member.ID,
		"addr":    member.Addr,
		"removed": known,
	}).Info("member down")

	if known {
		memberRemoved.Inc()
		clusterSize.Set(float64(size + 1))
		m.publish(MemberEvent{Up: false, Member: member})
	}
	go m.persist(member, "down")
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	m := (*Membership)(d)
	member, ok := m.memberFromNode(n)
	if !ok || member.ID == m.self {
		return
	}
	m.mu.Lock()
	m.mu.states[member.ID] = member
	m.mu.Unlock()
	go m.persist(member, "up")
}

func (m *Membership) memberFromNode(n *memberlist.Node) (Member, bool) {
	id, err := types.ParseActorID(n.Name)
	if err != nil {
		log.WithError(err).WithField("name", n.Name).Warn("member with unparseable actor id")
		return Member{}, false
	}
	return Member{
		ID:   id,
		Addr: &net.UDPAddr{IP: n.Addr, Port: int(n.Port)},
	}, true
}

// noopDelegate satisfies memberlist.Delegate; application broadcast
// rides its own payload kind instead of piggybacking on SWIM traffic.
type noopDelegate struct{}

var _ memberlist.Delegate = noopDelegate{}

func (noopDelegate) NodeMeta(limit int) []byte                  { return nil }
func (noopDelegate) NotifyMsg([]byte)                           {}
func (noopDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (noopDelegate) LocalState(join bool) []byte                { return nil }
func (noopDelegate) MergeRemoteState(buf []byte, join bool)     {}

// joinHostPort formats an address for memberlist.Join.
func joinHostPort(ip net.IP, port int) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}
