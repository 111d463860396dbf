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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bookedActors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corro_booked_actors",
		Help: "the number of actors with bookkeeping state",
	})

	bufferedPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corro_buffered_promotions_total",
		Help: "the number of fully buffered versions promoted to the live store",
	})

	compactedVersions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corro_compacted_versions_total",
		Help: "the number of versions transitioned to cleared by the compactor",
	})
)
