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

// Package correlate is the pipeline's third stage: it pairs candidate
// Flows within a sliding time window, scores each pair, persists
// qualifying Correlations, and maintains an in-memory undirected
// weighted graph for connected-component and neighbour queries.
package correlate

import (
	"context"
	"time"

	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/metrics"
	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/store"
)

const stageName = "correlate"

// Correlator is the pipeline's third stage.
type Correlator struct {
	store  *store.Store
	logger *zap.Logger
	opts   config.CorrelateOptions

	// graph is rebuilt fresh on every Run; it holds the last successful
	// Run's graph and is reset to empty when a Run fails to persist.
	graph *Graph
}

// New builds a Correlator against st, defaulting Window and MinWeight
// when unset.
func New(st *store.Store, logger *zap.Logger, opts config.CorrelateOptions) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Window <= 0 {
		opts.Window = config.DefaultWindow
	}
	if opts.MinWeight <= 0 {
		opts.MinWeight = config.DefaultMinWeight
	}
	return &Correlator{store: st, logger: logger, opts: opts, graph: NewGraph()}
}

// Run pairs the candidate set within the configured window, persists
// qualifying Correlations, and returns the count persisted. On
// persistence failure the entire pass rolls back and the in-memory
// graph is discarded (spec.md §4.4).
func (corr *Correlator) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	candidates, err := corr.store.CandidateFlows(ctx)
	if err != nil {
		return 0, err
	}

	nodes, err := corr.store.AllRelayNodes(ctx)
	if err != nil {
		return 0, err
	}
	flags := newRelayFlags(nodes)

	graph := NewGraph()
	var correlations []*model.Correlation

	window := corr.opts.Window.Seconds()
	for i, a := range candidates {
		if !isPrivateAddr(a.Key.SrcAddr) {
			continue
		}

		for j := i + 1; j < len(candidates); j++ {
			b := candidates[j]

			delta := b.TsStart.Sub(a.TsStart).Seconds()
			if delta < 0 {
				delta = -delta
			}
			if delta > window {
				break
			}
			if !isPrivateAddr(b.Key.SrcAddr) {
				continue
			}

			weight, evidence := pairWeight(a, b, delta, flags)
			if weight < corr.opts.MinWeight {
				continue
			}

			flowA, flowB := a.ID, b.ID
			if flowA > flowB {
				flowA, flowB = flowB, flowA
			}
			c := &model.Correlation{
				FlowA:    flowA,
				FlowB:    flowB,
				Weight:   weight,
				Type:     correlationType(evidence),
				Evidence: evidence,
			}
			correlations = append(correlations, c)
			graph.AddEdge(a.ID, b.ID, weight)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}

	err = corr.store.WithWriteUnit(ctx, "correlate-replace", func(u *store.WriteUnit) error {
		return u.ReplaceCorrelationsForRun(ctx, correlations)
	})
	if err != nil {
		corr.graph = NewGraph()
		return 0, err
	}

	corr.graph = graph

	metrics.CorrelationsFound.Add(float64(len(correlations)))
	metrics.StageDuration.WithLabelValues(stageName).Observe(time.Since(start).Seconds())
	corr.logger.Info(sf.Format("correlate complete: {0} correlations over {1} candidates",
		len(correlations), len(candidates)))

	return int64(len(correlations)), nil
}

// Graph returns the in-memory graph built by the most recent Run. It
// is only meaningful immediately after a successful Run within the
// same process — a fresh process must re-run to reproduce it.
func (corr *Correlator) Graph() *Graph { return corr.graph }
