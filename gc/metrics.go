// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package gc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of counters and gauges a Marker/Sweeper/Checker run
// reports progress through. Callers register it against their own
// registry (or prometheus.DefaultRegisterer) once per process.
type Metrics struct {
	RecordsScanned  *prometheus.CounterVec
	BadObjects      *prometheus.GaugeVec
	Promotions      *prometheus.CounterVec
	Deleted         *prometheus.CounterVec
	SweepBatchSize  *prometheus.GaugeVec
	CheckDiagnostics *prometheus.CounterVec
}

// NewMetrics constructs and registers a Metrics set. namespace is
// prepended to every metric name (e.g. "multidbgc").
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		RecordsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marker",
			Name:      "records_scanned_total",
			Help:      "Transaction records consumed by the marker, by database and pass.",
		}, []string{"db", "pass"}),
		BadObjects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "marker",
			Name:      "bad_objects",
			Help:      "Current count of candidate-garbage objects recorded in BadIndex, by database.",
		}, []string{"db"}),
		Promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marker",
			Name:      "promotions_total",
			Help:      "Bad-to-good promotions performed during resurrection cascades, by database.",
		}, []string{"db"}),
		Deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "deleted_total",
			Help:      "Objects successfully tombstoned by the sweeper, by database.",
		}, []string{"db"}),
		SweepBatchSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "batch_size",
			Help:      "Current adaptive batch size, by database.",
		}, []string{"db"}),
		CheckDiagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checker",
			Name:      "diagnostics_total",
			Help:      "Diagnostics emitted during a reachability walk, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.RecordsScanned, m.BadObjects, m.Promotions, m.Deleted, m.SweepBatchSize, m.CheckDiagnostics)
	return m
}
