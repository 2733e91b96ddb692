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

package correlate

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/relaywatch/relaywatch/internal/model"
)

// relayFlags answers "is this address a RelayNode" and "does this
// RelayNode address carry this flag", the shape the entry/exit check
// needs.
type relayFlags struct {
	nodes map[string]mapset.Set[model.RelayNodeFlag]
}

func newRelayFlags(nodes []*model.RelayNode) *relayFlags {
	index := make(map[string]mapset.Set[model.RelayNodeFlag], len(nodes))
	for _, n := range nodes {
		s := mapset.NewThreadUnsafeSet[model.RelayNodeFlag]()
		for _, f := range n.Flags {
			s.Add(f)
		}
		index[n.Address] = s
	}
	return &relayFlags{nodes: index}
}

func (r *relayFlags) isRelay(addr string) bool {
	_, ok := r.nodes[addr]
	return ok
}

func (r *relayFlags) has(addr string, flag model.RelayNodeFlag) bool {
	flags, ok := r.nodes[addr]
	return ok && flags.Contains(flag)
}

// entryExit implements spec.md §4.4's entry/exit pattern match.
func entryExit(a, b *model.Flow, flags *relayFlags) bool {
	if flags.has(a.Key.DstAddr, model.FlagGuard) && flags.has(b.Key.DstAddr, model.FlagExit) {
		return true
	}
	if flags.isRelay(a.Key.DstAddr) && !flags.isRelay(b.Key.DstAddr) {
		return true
	}
	return false
}

// avgPacketSize returns byte/pkt for f, or 0 when pkt_count is 0.
func avgPacketSize(f *model.Flow) float64 {
	if f.PktCount <= 0 {
		return 0
	}
	return float64(f.ByteCount) / float64(f.PktCount)
}

// pairWeight computes the additive weight and evidence for the
// ordered pair (a, b), per spec.md §4.4's weighting table.
func pairWeight(a, b *model.Flow, deltaSeconds float64, flags *relayFlags) (float64, model.Evidence) {
	var evidence model.Evidence
	evidence.TimingDiffSeconds = deltaSeconds

	var weight float64

	switch {
	case deltaSeconds < 1:
		evidence.TimingScore = 0.4
	case deltaSeconds < 5:
		evidence.TimingScore = 0.3
	case deltaSeconds < 10:
		evidence.TimingScore = 0.2
	default:
		evidence.TimingScore = 0.1
	}
	weight += evidence.TimingScore

	matched := entryExit(a, b, flags)
	if matched {
		evidence.EntryExitPattern = true
		weight += 0.3
	}

	avgA, avgB := avgPacketSize(a), avgPacketSize(b)
	if avgA > 0 && avgB > 0 {
		var ratio float64
		if avgA < avgB {
			ratio = avgA / avgB
		} else {
			ratio = avgB / avgA
		}
		evidence.HasSizeSimilarity = true
		evidence.SizeSimilarity = ratio
		weight += 0.2 * ratio
	}

	if a.Key.SrcAddr == b.Key.SrcAddr {
		evidence.SameSource = true
		weight += 0.1
	}

	return weight, evidence
}

// correlationType derives the spec's evidence.type default: "timing"
// unless the entry/exit pattern matched.
func correlationType(evidence model.Evidence) model.CorrelationType {
	if evidence.EntryExitPattern {
		return model.CorrelationEntryExit
	}
	return model.CorrelationTiming
}
