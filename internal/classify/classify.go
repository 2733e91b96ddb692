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

// Package classify is the pipeline's second stage: it walks persisted
// Flows and sets the four classifier booleans per spec.md §4.3's rule
// table (R1-R5), consulting the RelayNode directory and the
// configurable pattern table.
package classify

import (
	"bytes"
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/metrics"
	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/store"
)

const stageName = "classify"

// Classifier is the pipeline's second stage.
type Classifier struct {
	store  *store.Store
	logger *zap.Logger
	opts   config.ClassifyOptions
}

// New builds a Classifier against st, defaulting BatchSize and
// Patterns when unset.
func New(st *store.Store, logger *zap.Logger, opts config.ClassifyOptions) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultClassifyBatchSize
	}
	if opts.Patterns == nil {
		opts.Patterns = config.DefaultPatternTable()
	}
	return &Classifier{store: st, logger: logger, opts: opts}
}

// Run evaluates R1-R5 against every persisted Flow, committing
// annotated batches of opts.BatchSize, and returns the number of Flows
// with at least one indicator set. Rules are pure functions of the
// Flow and the RelayNode snapshot (spec.md §4.3), so running twice
// over the same Flow set is idempotent.
func (c *Classifier) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	flows, err := c.store.AllFlows(ctx)
	if err != nil {
		return 0, err
	}

	relayAddrs, err := c.loadRelayAddrs(ctx)
	if err != nil {
		return 0, err
	}

	relayPorts := mapset.NewThreadUnsafeSet[uint16]()
	for _, p := range c.opts.Patterns.RelayPorts {
		relayPorts.Add(p)
	}

	var annotated int64
	for batchStart := 0; batchStart < len(flows); batchStart += c.opts.BatchSize {
		batchEnd := min(batchStart+c.opts.BatchSize, len(flows))
		batch := flows[batchStart:batchEnd]

		err := c.store.WithWriteUnit(ctx, "classify-batch", func(u *store.WriteUnit) error {
			for _, f := range batch {
				applyRules(f, relayAddrs, relayPorts, c.opts.Patterns)
				if err := u.UpdateClassification(ctx, f); err != nil {
					return err
				}
				if f.AnyIndicator() {
					annotated++
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	metrics.FlowsClassified.Add(float64(annotated))
	metrics.StageDuration.WithLabelValues(stageName).Observe(time.Since(start).Seconds())
	c.logger.Info(sf.Format("classify complete: {0}/{1} flows annotated", annotated, len(flows)))

	return annotated, nil
}

// loadRelayAddrs builds the RelayNode lookup set R1 consults.
func (c *Classifier) loadRelayAddrs(ctx context.Context) (mapset.Set[string], error) {
	nodes, err := c.store.AllRelayNodes(ctx)
	if err != nil {
		return nil, err
	}

	addrs := mapset.NewThreadUnsafeSet[string]()
	for _, n := range nodes {
		addrs.Add(n.Address)
	}
	return addrs, nil
}

// applyRules evaluates R1-R5 against f and sets its four booleans in
// place.
func applyRules(f *model.Flow, relayAddrs mapset.Set[string], relayPorts mapset.Set[uint16], patterns *config.PatternTable) {
	// R1: known relay.
	if relayAddrs.Contains(f.Key.DstAddr) {
		f.RelayComm = true
	}
	// R2: relay port.
	if relayPorts.Contains(f.Key.DstPort) {
		f.RelayComm = true
	}
	// R3: directory port.
	if f.Key.DstPort == patterns.DirectoryPort {
		f.DirectoryFetch = true
	}
	// R4: handshake marker.
	if matchesHandshake(f.PayloadPrefix, patterns) {
		f.PossibleHandshake = true
	}
	// R5: obfuscated payload.
	if matchesObfuscation(f.PayloadPrefix, patterns) {
		f.ObfuscatedCandidate = true
	}
}

// matchesHandshake implements R4. A decode failure (here: a prefix too
// short to hold the marker) silently leaves the rule unfired rather
// than erroring, per spec.md §4.3.
func matchesHandshake(payload []byte, patterns *config.PatternTable) bool {
	if len(payload) == 0 || len(patterns.HandshakeMarker) == 0 {
		return false
	}
	if !bytes.HasPrefix(payload, patterns.HandshakeMarker) {
		return false
	}
	for _, pattern := range patterns.HandshakePatterns {
		if len(pattern) > 0 && bytes.Contains(payload, pattern) {
			return true
		}
	}
	return false
}

// matchesObfuscation implements R5.
func matchesObfuscation(payload []byte, patterns *config.PatternTable) bool {
	if len(payload) < patterns.ObfuscationMinLen {
		return false
	}

	window := payload
	if len(window) > patterns.ObfuscationWindow {
		window = window[:patterns.ObfuscationWindow]
	}

	for _, marker := range patterns.ProtocolMarkers {
		if bytes.Contains(window, []byte(marker)) {
			return false
		}
	}

	var seen [256]bool
	distinct := 0
	for _, b := range window {
		if !seen[b] {
			seen[b] = true
			distinct++
		}
	}
	return distinct > patterns.ObfuscationMinDistinct
}
