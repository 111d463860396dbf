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

package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recvCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corro_broadcast_recv_total",
		Help: "the number of broadcast messages received",
	}, []string{"kind"})

	droppedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corro_broadcast_dropped_total",
		Help: "the number of broadcast messages dropped",
	}, []string{"reason"})

	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corro_broadcast_send_errors_total",
		Help: "the number of times sending a broadcast to a peer failed",
	})

	sentBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corro_broadcast_sent_bytes",
		Help:    "the size of broadcast datagrams sent",
		Buckets: prometheus.ExponentialBuckets(64, 2, 6),
	})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corro_broadcast_decode_errors_total",
		Help: "the number of frames that could not be decoded",
	})

	unknownVersions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corro_broadcast_unknown_version_total",
		Help: "the number of envelopes dropped for an unknown wire version",
	})
)
