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

// Package pipeline holds the error kinds and small scaffolding shared
// across the Ingestor, Classifier, Correlator and Scorer stages
// (spec.md §7).
package pipeline

import (
	"errors"
	"fmt"
)

// Kind distinguishes the four error kinds spec.md §7 names.
type Kind string

const (
	// KindInput marks a malformed capture, unreadable directory, or
	// missing file. Surfaced to the caller; nothing commits.
	KindInput Kind = "input"

	// KindParse marks a per-packet / per-flow payload decode failure.
	// Recovered locally: logged at debug, never surfaced.
	KindParse Kind = "parse"

	// KindStore marks a persistence failure. The in-progress batch is
	// rolled back; earlier committed batches remain.
	KindStore Kind = "store"

	// KindContract marks an invariant violation — a programming bug.
	// The stage aborts and surfaces the error.
	KindContract Kind = "contract"
)

// StageError wraps an underlying cause with the stage and operation
// that failed, per spec.md §7's propagation policy: "the error is
// surfaced to the caller with the stage name and the operation that
// failed."
type StageError struct {
	Stage     string
	Operation string
	Kind      Kind
	Cause     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %s: %v", e.Stage, e.Operation, e.Kind, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

// NewError constructs a StageError for the given stage/operation/kind.
func NewError(stage, operation string, kind Kind, cause error) *StageError {
	return &StageError{Stage: stage, Operation: operation, Kind: kind, Cause: cause}
}

// IsKind reports whether err is a StageError of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
