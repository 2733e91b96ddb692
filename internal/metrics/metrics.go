// Copyright 2024 Google LLC
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

// Package metrics exposes the pipeline's in-process counters and
// duration histograms via a prometheus registry. No HTTP handler is
// registered here — scraping belongs to the peripheral HTTP surface,
// which spec.md §1 places out of scope for the core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the registry every stage's counters are registered
// against. A dedicated registry (rather than prometheus.DefaultRegisterer)
// keeps the core importable without side-effecting a process-wide
// singleton, per spec.md §9's "avoid ambient singletons" note.
var Registry = prometheus.NewRegistry()

var (
	FlowsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaywatch_flows_ingested_total",
		Help: "Distinct flows persisted by the ingestor.",
	})

	PacketsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaywatch_packets_skipped_total",
		Help: "Packets skipped for lacking a supported L3/L4 layer.",
	})

	FlowsClassified = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaywatch_flows_classified_total",
		Help: "Flows with at least one classifier indicator set.",
	})

	CorrelationsFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaywatch_correlations_found_total",
		Help: "Correlation rows persisted by the correlator.",
	})

	FlowsScored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaywatch_flows_scored_total",
		Help: "Flows with a confidence score computed.",
	})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaywatch_stage_duration_seconds",
		Help:    "Wall-clock duration of a full stage pass.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

func init() {
	Registry.MustRegister(
		FlowsIngested,
		PacketsSkipped,
		FlowsClassified,
		CorrelationsFound,
		FlowsScored,
		StageDuration,
	)
}
