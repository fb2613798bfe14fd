// Copyright 2025, 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package groupmeta

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the gauges §6 requires be visible to collaborators, plus
// a couple of operational counters for the sweeper and load pipeline.
type Metrics struct {
	NumOffsets           prometheus.Gauge
	NumGroups            prometheus.Gauge
	TombstonesAppended   prometheus.Counter
	RecordsReplayed      prometheus.Counter
}

// NewMetrics builds unregistered collectors; call Register to attach them to
// a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		NumOffsets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offsetkeeper",
			Subsystem: "groupmeta",
			Name:      "num_offsets",
			Help:      "Number of committed offsets currently cached by this node.",
		}),
		NumGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offsetkeeper",
			Subsystem: "groupmeta",
			Name:      "num_groups",
			Help:      "Number of consumer groups currently cached by this node.",
		}),
		TombstonesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offsetkeeper",
			Subsystem: "groupmeta",
			Name:      "tombstones_appended_total",
			Help:      "Tombstone records appended by the expiration sweeper and StoreGroupTombstone.",
		}),
		RecordsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offsetkeeper",
			Subsystem: "groupmeta",
			Name:      "records_replayed_total",
			Help:      "Records replayed from the offsets topic during partition load.",
		}),
	}
}

// Register attaches every collector to reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(m.NumOffsets, m.NumGroups, m.TombstonesAppended, m.RecordsReplayed)
}
