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

// Package score is the pipeline's fourth stage: for each Flow it sums
// four bounded components into a confidence score in [0,100] and
// derives a category, per spec.md §4.5.
package score

import (
	"context"
	"fmt"
	"time"

	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/metrics"
	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/pipeline"
	"github.com/relaywatch/relaywatch/internal/store"
)

const stageName = "score"

// Weight budgets per component.
const (
	maxRelayComponent   = 40
	maxTimingComponent  = 30
	maxPayloadComponent = 20
	maxShapeComponent   = 10
)

// Scorer is the pipeline's fourth stage.
type Scorer struct {
	store  *store.Store
	logger *zap.Logger
	opts   config.ScoreOptions
}

// New builds a Scorer against st.
func New(st *store.Store, logger *zap.Logger, opts config.ScoreOptions) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{store: st, logger: logger, opts: opts}
}

// Components breaks a computed score down by the four weight budgets
// spec.md §4.5 defines, for the `score --flow-id` single-flow surface.
type Components struct {
	RelayNodeMatch   float64
	TimingCorrelation float64
	PayloadPatterns  float64
	UnusualShape     float64
	Total            float64
	Category         model.ConfidenceCategory
}

// Run scores either a single Flow (opts.HasFlowID) or every persisted
// Flow, writing score and category back transactionally, and returns
// the count of Flows scored. Two consecutive passes over unchanged
// input produce bit-identical scores, since every component is a pure
// function of the Flow, its Correlations and the relay-port set.
func (s *Scorer) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	var flows []*model.Flow
	if s.opts.HasFlowID {
		f, err := s.store.FlowByID(ctx, model.FlowID(s.opts.FlowID))
		if err != nil {
			return 0, err
		}
		if f == nil {
			return 0, nil
		}
		flows = []*model.Flow{f}
	} else {
		var err error
		flows, err = s.store.AllFlows(ctx)
		if err != nil {
			return 0, err
		}
	}

	patterns := config.DefaultPatternTable()
	relayPorts := make(map[uint16]bool, len(patterns.RelayPorts))
	for _, p := range patterns.RelayPorts {
		relayPorts[p] = true
	}

	var scored int64
	err := s.store.WithWriteUnit(ctx, "score-batch", func(u *store.WriteUnit) error {
		for _, f := range flows {
			node, err := s.store.RelayNodeByAddress(ctx, f.Key.DstAddr)
			if err != nil {
				return err
			}
			correlations, err := s.store.CorrelationsForFlow(ctx, f.ID)
			if err != nil {
				return err
			}

			comp := Compute(f, node, correlations, relayPorts)
			f.ConfidenceScore = comp.Total
			f.ConfidenceCategory = comp.Category
			f.HasScore = true

			if err := u.UpdateScore(ctx, f); err != nil {
				return err
			}
			scored++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.FlowsScored.Add(float64(scored))
	metrics.StageDuration.WithLabelValues(stageName).Observe(time.Since(start).Seconds())
	s.logger.Info(sf.Format("score complete: {0} flows scored", scored))

	return scored, nil
}

// ComputeOne returns the four-component breakdown for a single Flow by
// ID, without writing anything back. It reuses the same RelayNodeByAddress
// / CorrelationsForFlow / Compute sequence Run uses internally, so a
// call immediately after Run reproduces the score Run just persisted —
// this is what `score --flow-id` prints instead of a bare count.
func (s *Scorer) ComputeOne(ctx context.Context, id model.FlowID) (Components, error) {
	f, err := s.store.FlowByID(ctx, id)
	if err != nil {
		return Components{}, err
	}
	if f == nil {
		return Components{}, pipeline.NewError(stageName, "compute-one", pipeline.KindInput,
			fmt.Errorf("flow %d not found", id))
	}

	node, err := s.store.RelayNodeByAddress(ctx, f.Key.DstAddr)
	if err != nil {
		return Components{}, err
	}
	correlations, err := s.store.CorrelationsForFlow(ctx, f.ID)
	if err != nil {
		return Components{}, err
	}

	patterns := config.DefaultPatternTable()
	relayPorts := make(map[uint16]bool, len(patterns.RelayPorts))
	for _, p := range patterns.RelayPorts {
		relayPorts[p] = true
	}

	return Compute(f, node, correlations, relayPorts), nil
}

// Compute derives the four bounded components and the clamped total
// for f, per spec.md §4.5.
func Compute(f *model.Flow, node *model.RelayNode, correlations []*model.Correlation, relayPorts map[uint16]bool) Components {
	var c Components

	c.RelayNodeMatch = relayNodeComponent(f, node)
	c.TimingCorrelation = timingComponent(correlations)
	c.PayloadPatterns = payloadComponent(f)
	c.UnusualShape = shapeComponent(f, relayPorts)

	c.Total = clamp(c.RelayNodeMatch+c.TimingCorrelation+c.PayloadPatterns+c.UnusualShape, 0, 100)
	c.Category = model.CategoryForScore(c.Total)
	return c
}

func relayNodeComponent(f *model.Flow, node *model.RelayNode) float64 {
	var v float64
	if node != nil {
		v += 20
		if node.HasFlag(model.FlagGuard) {
			v += 8
		}
		if node.HasFlag(model.FlagExit) {
			v += 8
		}
		if node.HasFlag(model.FlagFast) {
			v += 4
		}
	}
	if f.RelayComm {
		v += 12
	}
	if f.DirectoryFetch {
		v += 8
	}
	if f.PossibleHandshake {
		v += 12
	}
	if f.ObfuscatedCandidate {
		v += 16
	}
	return clamp(v, 0, maxRelayComponent)
}

func timingComponent(correlations []*model.Correlation) float64 {
	if len(correlations) == 0 {
		return 0
	}

	var sum float64
	for _, c := range correlations {
		sum += c.Weight
	}
	mean := sum / float64(len(correlations))

	var countTerm float64
	switch {
	case len(correlations) >= 5:
		countTerm = 15
	case len(correlations) >= 3:
		countTerm = 9
	case len(correlations) >= 1:
		countTerm = 6
	}

	return clamp(countTerm+15*mean, 0, maxTimingComponent)
}

func payloadComponent(f *model.Flow) float64 {
	var v float64
	if f.PossibleHandshake {
		v += 12
	}
	if f.ObfuscatedCandidate {
		v += 16
	}
	if f.ByteCount > 10000 {
		v += 4
	}
	return clamp(v, 0, maxPayloadComponent)
}

func shapeComponent(f *model.Flow, relayPorts map[uint16]bool) float64 {
	var v float64
	if relayPorts[f.Key.DstPort] {
		v += 5
	}
	if f.PktCount > 100 {
		v += 3
	}
	if f.TsEnd.Sub(f.TsStart) > 60*time.Second {
		v += 2
	}
	return clamp(v, 0, maxShapeComponent)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
