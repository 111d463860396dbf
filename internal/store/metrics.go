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

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolReadConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corro_db_pool_read_connections",
		Help: "the number of open read connections",
	})
	poolWriteWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corro_db_pool_write_waiters",
		Help: "the number of writers queued for the write connection",
	})

	walTruncateBusy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corro_db_wal_truncate_busy_total",
		Help: "the number of times WAL truncation was skipped because the database was busy",
	})
	walTruncateDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corro_db_wal_truncate_duration_seconds",
		Help:    "the length of time it took to truncate the write-ahead log",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordWALTruncateBusy counts a skipped checkpoint.
func RecordWALTruncateBusy() { walTruncateBusy.Inc() }

// RecordWALTruncateSeconds records a successful checkpoint duration.
func RecordWALTruncateSeconds(seconds float64) { walTruncateDurations.Observe(seconds) }
