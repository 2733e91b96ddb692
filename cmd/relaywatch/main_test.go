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

package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/store"
)

func TestRunNoArgsReturnsUsageError(t *testing.T) {
	err := run(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "usage")
}

func TestRunUnknownVerb(t *testing.T) {
	err := run([]string{"bogus"})
	require.Error(t, err)
}

func TestRunLoadDirectoryThenResetRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relaywatch.db")
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.yaml")
	require.NoError(t, os.WriteFile(snapshotPath, []byte("- address: 9.9.9.9\n  flags: [Guard]\n"), 0o600))

	err := run([]string{"-db", dbPath, "load-directory", "-file", snapshotPath})
	require.NoError(t, err)

	err = run([]string{"-db", dbPath, "reset"})
	require.NoError(t, err)
}

func TestRunLoadDirectoryMissingFileFlag(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relaywatch.db")
	err := run([]string{"-db", dbPath, "load-directory"})
	require.Error(t, err)
}

func TestRunScoreSingleFlowPrintsComponentBreakdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relaywatch.db")

	st, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)
	f := &model.Flow{
		Key: model.FlowKey{
			SrcAddr: "10.0.0.1", SrcPort: 1111,
			DstAddr: "1.2.3.4", DstPort: 9001,
			Transport: model.TransportTCP,
		},
		TsStart:   time.Unix(1000, 0).UTC(),
		TsEnd:     time.Unix(1001, 0).UTC(),
		PktCount:  1,
		ByteCount: 60,
		RelayComm: true,
	}
	require.NoError(t, st.WithWriteUnit(context.Background(), "seed", func(u *store.WriteUnit) error {
		return u.UpsertFlows(context.Background(), []*model.Flow{f})
	}))
	flows, err := st.AllFlows(context.Background())
	require.NoError(t, err)
	require.Len(t, flows, 1)
	flowID := flows[0].ID
	require.NoError(t, st.Close())

	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w

	runErr := run([]string{"-db", dbPath, "score", "-flow-id", strconv.FormatInt(int64(flowID), 10)})

	require.NoError(t, w.Close())
	os.Stdout = origStdout
	require.NoError(t, runErr)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Contains(t, string(out), "relay_node_match=")
	require.Contains(t, string(out), "category=")
	require.NotContains(t, string(out), "high-confidence threshold",
		"single-flow mode prints a component breakdown, not the all-flows summary")
}
