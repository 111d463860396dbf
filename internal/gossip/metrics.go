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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memberAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corro_gossip_member_added_total",
		Help: "the number of members added to the member table",
	})
	memberRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corro_gossip_member_removed_total",
		Help: "the number of members removed from the member table",
	})
	clusterSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corro_gossip_cluster_size",
		Help: "the current cluster size, this node included",
	})

	droppedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corro_gossip_dropped_packets_total",
		Help: "the number of gossip datagrams dropped",
	}, []string{"kind"})
	recvBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corro_gossip_recv_bytes",
		Help:    "the size of broadcast datagrams received",
		Buckets: prometheus.ExponentialBuckets(64, 2, 6),
	}, []string{"kind"})
)
