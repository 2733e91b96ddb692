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

// Package model holds the four persisted entity kinds that the pipeline
// stages read and write through the Store: Flow, RelayNode, Correlation
// and Report.
package model

import "time"

type (
	// Transport identifies the L4 protocol of a Flow.
	Transport string

	// ConfidenceCategory is the coarse label derived from a Flow's
	// confidence score.
	ConfidenceCategory string

	// FlowID is the Store-assigned primary key of a Flow.
	FlowID int64

	// FlowKey is the unique 5-tuple that identifies one bidirectional
	// conversation, as observed (no symmetric canonicalisation).
	FlowKey struct {
		SrcAddr   string
		SrcPort   uint16
		DstAddr   string
		DstPort   uint16
		Transport Transport
	}

	// Flow is one bidirectional conversation keyed by FlowKey.
	Flow struct {
		ID      FlowID
		Key     FlowKey
		TsStart time.Time
		TsEnd   time.Time

		PktCount  int64
		ByteCount int64

		// PayloadPrefix holds the first non-empty transport payload
		// observed for the flow, truncated to PayloadPrefixMax bytes.
		PayloadPrefix []byte

		RelayComm           bool
		DirectoryFetch      bool
		PossibleHandshake   bool
		ObfuscatedCandidate bool

		ConfidenceScore    float64
		ConfidenceCategory ConfidenceCategory
		HasScore           bool
	}
)

const (
	TransportTCP Transport = "TCP"
	TransportUDP Transport = "UDP"

	CategoryLow      ConfidenceCategory = "Low"
	CategoryMedium   ConfidenceCategory = "Medium"
	CategoryHigh     ConfidenceCategory = "High"
	CategoryCritical ConfidenceCategory = "Critical"

	// PayloadPrefixMax is the maximum number of payload bytes retained
	// per Flow (spec.md §3).
	PayloadPrefixMax = 512
)

// AnyIndicator reports whether any classifier boolean is set.
func (f *Flow) AnyIndicator() bool {
	return f.RelayComm || f.DirectoryFetch || f.PossibleHandshake || f.ObfuscatedCandidate
}

// CategoryForScore derives the categorical label from a clamped score,
// per spec.md §4.5's half-open intervals.
func CategoryForScore(score float64) ConfidenceCategory {
	switch {
	case score < 30:
		return CategoryLow
	case score < 60:
		return CategoryMedium
	case score < 85:
		return CategoryHigh
	default:
		return CategoryCritical
	}
}
