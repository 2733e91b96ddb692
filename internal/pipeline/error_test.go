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

package pipeline_test

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/internal/pipeline"
)

func TestStageErrorUnwrap(t *testing.T) {
	cause := sql.ErrNoRows
	err := pipeline.NewError("store", "flow-by-id", pipeline.KindStore, cause)

	require.True(t, errors.Is(err, sql.ErrNoRows))

	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "store", se.Stage)
	require.Equal(t, "flow-by-id", se.Operation)
	require.Equal(t, pipeline.KindStore, se.Kind)
}

func TestIsKind(t *testing.T) {
	err := pipeline.NewError("ingest", "open-file", pipeline.KindInput, errors.New("boom"))

	require.True(t, pipeline.IsKind(err, pipeline.KindInput))
	require.False(t, pipeline.IsKind(err, pipeline.KindStore))
	require.False(t, pipeline.IsKind(errors.New("plain"), pipeline.KindInput))
}

func TestStageErrorMessage(t *testing.T) {
	err := pipeline.NewError("classify", "apply-rules", pipeline.KindContract, errors.New("bad invariant"))
	require.Contains(t, err.Error(), "classify")
	require.Contains(t, err.Error(), "apply-rules")
	require.Contains(t, err.Error(), "contract")
	require.Contains(t, err.Error(), "bad invariant")
}
