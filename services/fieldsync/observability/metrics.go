// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus collectors for the sync
// subsystem.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drain outcome label values.
const (
	OutcomeApplied    = "applied"
	OutcomeSuperseded = "superseded"
	OutcomeReplayed   = "replayed"
	OutcomeFailed     = "failed"
	OutcomeDead       = "dead_lettered"
)

// Metrics bundles the sync collectors. A nil *Metrics is valid and
// records nothing, so library code never has to branch on wiring.
type Metrics struct {
	QueueDepth     prometheus.Gauge
	DeadLetters    prometheus.Gauge
	EnqueuedTotal  prometheus.Counter
	DrainOutcomes  *prometheus.CounterVec
	ConflictsTotal prometheus.Counter
	DrainDuration  prometheus.Histogram
}

// New creates and registers the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thermalog",
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Mutations staged in the sync queue awaiting remote confirmation.",
		}),
		DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thermalog",
			Subsystem: "sync",
			Name:      "dead_letters",
			Help:      "Mutations parked after a permanent validation failure.",
		}),
		EnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thermalog",
			Subsystem: "sync",
			Name:      "enqueued_total",
			Help:      "Mutations staged since process start.",
		}),
		DrainOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thermalog",
			Subsystem: "sync",
			Name:      "drain_outcomes_total",
			Help:      "Per-item drain outcomes.",
		}, []string{"outcome"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thermalog",
			Subsystem: "sync",
			Name:      "conflicts_resolved_total",
			Help:      "Concurrent-edit conflicts resolved deterministically.",
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "thermalog",
			Subsystem: "sync",
			Name:      "drain_cycle_seconds",
			Help:      "Wall time of one drain cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.QueueDepth, m.DeadLetters, m.EnqueuedTotal,
			m.DrainOutcomes, m.ConflictsTotal, m.DrainDuration,
		)
	}
	return m
}

// RecordOutcome bumps the per-outcome drain counter. Nil-safe.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.DrainOutcomes.WithLabelValues(outcome).Inc()
}

// RecordConflict bumps the conflict counter. Nil-safe.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

// RecordEnqueue bumps the enqueue counter. Nil-safe.
func (m *Metrics) RecordEnqueue() {
	if m == nil {
		return
	}
	m.EnqueuedTotal.Inc()
}

// SetQueueGauges updates the depth gauges from a queue scan. Nil-safe.
func (m *Metrics) SetQueueGauges(pending, dead int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(pending))
	m.DeadLetters.Set(float64(dead))
}

// ObserveDrain records one drain cycle's duration in seconds. Nil-safe.
func (m *Metrics) ObserveDrain(seconds float64) {
	if m == nil {
		return
	}
	m.DrainDuration.Observe(seconds)
}
