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

// Package broadcast carries application change messages between peers:
// the length-delimited wire codec, and the dispatcher that batches,
// de-duplicates, processes, and fans out messages over the gossip
// socket.
package broadcast

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/bookie"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
	"github.com/webclinic017/corrosion/internal/util/tripwire"
)

const (
	// Incoming messages are handed to the processor in batches of up
	// to batchSize, or whatever arrived within batchTimeout.
	batchSize    = 512
	batchTimeout = 500 * time.Millisecond

	// fanout is the number of random peers each outgoing message is
	// sent to.
	fanout = 10
)

// A Peer is a broadcast destination.
type Peer struct {
	ID   types.ActorID
	Addr *net.UDPAddr
}

// Input is one message queued for dissemination.
type Input struct {
	Msg types.Message
	// Priority marks rebroadcast output. It only selects payload kind
	// PayloadPriorityBroadcast; the message waits in the same FIFO queue
	// as normal traffic.
	Priority bool
}

// Dispatcher wires the broadcast pipeline together. All fields must be
// set before Run.
type Dispatcher struct {
	SelfID types.ActorID
	Bookie *bookie.Bookie

	// Process ingests a batch and returns the messages to rebroadcast.
	Process func(ctx context.Context, msgs []types.Message) []types.Message

	// SendUDP writes one datagram (kind byte already prepended).
	SendUDP func(addr *net.UDPAddr, payload []byte) error

	// SendReliable delivers one message to a chosen peer when the
	// encoded frame exceeds the UDP fragment limit.
	SendReliable func(ctx context.Context, peer Peer, msg types.Message) error

	// Members returns the current live peer set.
	Members func() []Peer

	incoming chan types.Message
	outgoing chan Input
}

// NewDispatcher sizes the internal channels.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		incoming: make(chan types.Message, 10240),
		outgoing: make(chan Input, 10240),
	}
}

// HandleIncoming decodes a raw broadcast payload received from the
// gossip socket or the peer HTTP endpoint, dropping messages already
// known and messages we originated. Accepted messages are queued for
// the processing loop; the queue sheds on overflow since the sender
// will repair via sync.
func (d *Dispatcher) HandleIncoming(payload []byte) {
	err := DecodeFrames(payload, func(msg types.Message) error {
		change := msg.Change
		recvCount.WithLabelValues("change").Inc()

		if change.ActorID == d.SelfID {
			return nil
		}
		versions := change.Changeset.Versions()
		seqs := changeSeqs(&change.Changeset)
		if d.Bookie.Contains(change.ActorID, versions, seqs) {
			log.Trace("already seen, stop disseminating")
			return nil
		}

		select {
		case d.incoming <- msg:
		default:
			droppedCount.WithLabelValues("incoming_full").Inc()
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("could not handle broadcast payload")
	}
}

// Enqueue queues one message for dissemination to peers. It sheds on
// overflow.
func (d *Dispatcher) Enqueue(in Input) {
	select {
	case d.outgoing <- in:
	default:
		droppedCount.WithLabelValues("outgoing_full").Inc()
	}
}

// Outgoing exposes the dissemination queue. The send loop drains it;
// tests use it to observe queued messages.
func (d *Dispatcher) Outgoing() <-chan Input {
	return d.outgoing
}

// Run drives the processing and send loops until the wire trips.
func (d *Dispatcher) Run(ctx context.Context, tw *tripwire.Tripwire) {
	tw.Go(func() { d.processLoop(ctx, tw) })
	tw.Go(func() { d.sendLoop(ctx, tw) })
}

// processLoop chunks incoming messages and hands each batch to the
// processor; impactful output is re-queued as priority traffic.
func (d *Dispatcher) processLoop(ctx context.Context, tw *tripwire.Tripwire) {
	timer := time.NewTimer(batchTimeout)
	defer timer.Stop()

	var batch []types.Message
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, msg := range d.Process(ctx, batch) {
			d.Enqueue(Input{Msg: msg, Priority: true})
		}
		batch = nil
	}

	for {
		select {
		case msg := <-d.incoming:
			batch = append(batch, msg)
			if len(batch) >= batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(batchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(batchTimeout)
		case <-tw.Done():
			flush()
			return
		}
	}
}

// sendLoop drains the outgoing queue in arrival order and fans each
// message out to random peers. Priority messages are not sent ahead of
// normal ones.
func (d *Dispatcher) sendLoop(ctx context.Context, tw *tripwire.Tripwire) {
	for {
		var in Input
		select {
		case in = <-d.outgoing:
		case <-tw.Done():
			return
		}
		d.disseminate(ctx, in)
	}
}

func (d *Dispatcher) disseminate(ctx context.Context, in Input) {
	var buf bytes.Buffer
	kind := PayloadBroadcast
	if in.Priority {
		kind = PayloadPriorityBroadcast
	}
	buf.WriteByte(byte(kind))
	if err := EncodeFrame(&buf, in.Msg); err != nil {
		log.WithError(err).Error("could not encode broadcast frame")
		return
	}

	members := d.Members()
	if len(members) == 0 {
		return
	}
	rand.Shuffle(len(members), func(i, j int) {
		members[i], members[j] = members[j], members[i]
	})
	if len(members) > fanout {
		members = members[:fanout]
	}

	// Oversized frames do not fit a datagram; deliver them reliably.
	if buf.Len() > FragmentsAt {
		for _, peer := range members {
			if err := d.SendReliable(ctx, peer, in.Msg); err != nil {
				log.WithError(err).WithField("peer", peer.ID).Warn("could not deliver large broadcast")
				sendErrors.Inc()
			}
		}
		return
	}

	payload := buf.Bytes()
	for _, peer := range members {
		if err := d.SendUDP(peer.Addr, payload); err != nil {
			// SWIM will notice a dead peer; no retry here.
			sendErrors.Inc()
			continue
		}
		sentBytes.Observe(float64(len(payload)))
	}
}

// changeSeqs returns the seq range of a non-empty changeset, nil for
// the empty form.
func changeSeqs(c *types.Changeset) *rangeset.Range {
	if c.IsEmpty() {
		return nil
	}
	seqs := c.Seqs
	return &seqs
}
