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

package store

import "time"

// SQLite has no native timestamp type; timestamps are stored as
// fractional Unix seconds (REAL columns), matching
// original_source's use of SQLAlchemy Float columns for packet
// timestamps.

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func secondsToTime(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*1e9)).UTC()
}
