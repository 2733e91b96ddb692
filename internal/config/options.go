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

package config

import "time"

type (
	// IngestOptions configures one `ingest` invocation (spec.md §6).
	IngestOptions struct {
		File      string
		BatchSize int
		Streaming bool
	}

	// ClassifyOptions configures one `classify` invocation.
	ClassifyOptions struct {
		BatchSize int
		Patterns  *PatternTable
	}

	// CorrelateOptions configures one `correlate` invocation.
	CorrelateOptions struct {
		Window       time.Duration
		MinWeight    float64
	}

	// ScoreOptions configures one `score` invocation.
	ScoreOptions struct {
		FlowID      int64
		HasFlowID   bool
	}
)

const (
	// DefaultBatchSize is the Ingestor's flush threshold in distinct
	// flows; it bounds the in-memory accumulator set in streaming mode.
	DefaultBatchSize = 1000

	// DefaultClassifyBatchSize matches spec.md §4.3's default.
	DefaultClassifyBatchSize = 100

	// DefaultWindow is the Correlator's default sliding time window.
	DefaultWindow = 10 * time.Second

	// DefaultMinWeight is the Correlator's default persistence threshold.
	DefaultMinWeight = 0.3

	// DefaultHighConfidenceThreshold matches model.CategoryForScore's
	// High/Critical boundary, used by the `score` command's summary
	// output (SPEC_FULL.md's "high-confidence flow listing" supplement).
	DefaultHighConfidenceThreshold = 85.0
)
