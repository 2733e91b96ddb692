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

package model

import "time"

// ReportType distinguishes the kind of external report artifact this
// metadata row describes. The artifact body itself is produced by a
// peripheral collaborator (spec.md §1), out of scope here.
type ReportType string

const (
	ReportForensic ReportType = "forensic"
	ReportSummary  ReportType = "summary"
	ReportDetailed ReportType = "detailed"
)

// Report is append-only metadata about an external report artifact.
type Report struct {
	ID        int64
	Title     string
	Type      ReportType
	FilePath  string
	Summary   string
	CreatedAt time.Time

	TotalFlows     int64
	SuspectFlows   int64
	CriticalAlerts int64
}
