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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	neededGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corro_sync_client_needed",
		Help: "the number of needed version ranges per actor at the start of a sync cycle",
	}, []string{"actor_id"})
	headGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corro_sync_client_head",
		Help: "the highest known version per actor",
	}, []string{"actor_id"})

	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corro_sync_client_requests_total",
		Help: "the number of sync requests issued",
	}, []string{"peer"})
	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corro_sync_client_request_errors_total",
		Help: "the number of sync requests that failed",
	}, []string{"peer"})
	responseTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corro_sync_client_response_seconds",
		Help:    "the time a full sync cycle took",
		Buckets: prometheus.DefBuckets,
	})

	serverShedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corro_api_peer_shed_total",
		Help: "the number of peer and public API requests shed at the concurrency limit",
	}, []string{"route"})
)

// RecordShed counts a load-shed peer or public API request.
func RecordShed(route string) { serverShedCount.WithLabelValues(route).Inc() }
