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

package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaywatch.db")
	st, err := store.Open(path, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenAcquiresExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaywatch.db")
	first, err := store.Open(path, store.Options{})
	require.NoError(t, err)
	defer first.Close()

	_, err = store.Open(path, store.Options{})
	require.Error(t, err, "a second writer must not be able to open the same store")
}

func TestReadOnlyOpenSkipsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaywatch.db")
	writer, err := store.Open(path, store.Options{})
	require.NoError(t, err)
	defer writer.Close()

	reader, err := store.Open(path, store.Options{ReadOnly: true})
	require.NoError(t, err)
	defer reader.Close()
}

func sampleFlow(srcPort uint16) *model.Flow {
	return &model.Flow{
		Key: model.FlowKey{
			SrcAddr: "10.0.0.1", SrcPort: srcPort,
			DstAddr: "1.2.3.4", DstPort: 9001,
			Transport: model.TransportTCP,
		},
		TsStart:   time.Unix(1000, 0).UTC(),
		TsEnd:     time.Unix(1001, 0).UTC(),
		PktCount:  1,
		ByteCount: 60,
	}
}

func TestUpsertFlowsMergesSharedTuple(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	f1 := sampleFlow(1234)
	f2 := sampleFlow(1234)
	f2.TsStart = time.Unix(990, 0).UTC()
	f2.TsEnd = time.Unix(1010, 0).UTC()
	f2.PktCount = 2
	f2.ByteCount = 120

	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{f1})
	}))
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{f2})
	}))

	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 1, "shared 5-tuple merges into one row across two ingest flushes")

	merged := flows[0]
	require.Equal(t, int64(3), merged.PktCount)
	require.Equal(t, int64(180), merged.ByteCount)
	require.True(t, merged.TsStart.Equal(time.Unix(990, 0).UTC()))
	require.True(t, merged.TsEnd.Equal(time.Unix(1010, 0).UTC()))

	wantKey := model.FlowKey{
		SrcAddr: "10.0.0.1", SrcPort: 1234,
		DstAddr: "1.2.3.4", DstPort: 9001,
		Transport: model.TransportTCP,
	}
	if diff := cmp.Diff(wantKey, merged.Key); diff != "" {
		t.Errorf("merged flow key mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertFlowsRejectsInvariantViolations(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	bad := sampleFlow(1)
	bad.PktCount = 0

	err := st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{bad})
	})
	require.Error(t, err)
}

func TestUpsertFlowsTruncatesOversizedPayload(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	f := sampleFlow(1)
	f.PayloadPrefix = make([]byte, model.PayloadPrefixMax+50)

	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{f})
	}))

	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)
	require.Len(t, flows[0].PayloadPrefix, model.PayloadPrefixMax)
}

func TestFlowByIDReturnsNilForMissing(t *testing.T) {
	st := openTestStore(t)
	f, err := st.FlowByID(context.Background(), model.FlowID(9999))
	require.NoError(t, err)
	require.Nil(t, f)
}

func TestUpdateScoreValidatesRange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{sampleFlow(1)})
	}))
	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)
	f := flows[0]
	f.ConfidenceScore = 150

	err = st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpdateScore(ctx, f)
	})
	require.Error(t, err)
}

func TestCandidateFlowsFiltersByIndicator(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	plain := sampleFlow(1)
	flagged := sampleFlow(2)

	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{plain, flagged})
	}))

	all, err := st.AllFlows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	for _, f := range all {
		if f.Key.SrcPort == 2 {
			f.RelayComm = true
		}
	}
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		for _, f := range all {
			if err := u.UpdateClassification(ctx, f); err != nil {
				return err
			}
		}
		return nil
	}))

	candidates, err := st.CandidateFlows(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, uint16(2), candidates[0].Key.SrcPort)
}

func TestFlowsWithMinScoreOrdersHighestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	low, high := sampleFlow(1), sampleFlow(2)
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{low, high})
	}))
	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)
	scores := map[uint16]float64{1: 40, 2: 92}
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		for _, f := range flows {
			f.ConfidenceScore = scores[f.Key.SrcPort]
			f.ConfidenceCategory = model.CategoryForScore(f.ConfidenceScore)
			if err := u.UpdateScore(ctx, f); err != nil {
				return err
			}
		}
		return nil
	}))

	matches, err := st.FlowsWithMinScore(ctx, 85)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, uint16(2), matches[0].Key.SrcPort)
}

func TestRelayNodeUpsertAndFlagQuery(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	node := &model.RelayNode{Address: "1.2.3.4", Port: 9001, Flags: []model.RelayNodeFlag{model.FlagGuard, model.FlagFast}}
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertRelayNode(ctx, node)
	}))

	fetched, err := st.RelayNodeByAddress(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.True(t, fetched.HasFlag(model.FlagGuard))

	guards, err := st.RelayNodesWithFlag(ctx, model.FlagGuard)
	require.NoError(t, err)
	require.Len(t, guards, 1)

	exits, err := st.RelayNodesWithFlag(ctx, model.FlagExit)
	require.NoError(t, err)
	require.Empty(t, exits)
}

func TestRelayNodeByAddressMissingReturnsNil(t *testing.T) {
	st := openTestStore(t)
	node, err := st.RelayNodeByAddress(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, node)
}

func TestReplaceCorrelationsForRunIsDestructive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, b := sampleFlow(1), sampleFlow(2)
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{a, b})
	}))
	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 2)

	first := []*model.Correlation{{FlowA: flows[0].ID, FlowB: flows[1].ID, Weight: 0.5, Type: model.CorrelationTiming}}
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.ReplaceCorrelationsForRun(ctx, first)
	}))

	all, err := st.AllCorrelations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.ReplaceCorrelationsForRun(ctx, nil)
	}))
	all, err = st.AllCorrelations(ctx)
	require.NoError(t, err)
	require.Empty(t, all, "a later run with no correlations must clear the table, not append to it")
}

func TestReplaceCorrelationsRejectsNegativeWeight(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, b := sampleFlow(1), sampleFlow(2)
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{a, b})
	}))
	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)

	bad := []*model.Correlation{{FlowA: flows[0].ID, FlowB: flows[1].ID, Weight: -0.1, Type: model.CorrelationTiming}}
	err = st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.ReplaceCorrelationsForRun(ctx, bad)
	})
	require.Error(t, err)
}

func TestReplaceCorrelationsAllowsWeightAboveOne(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, b := sampleFlow(1), sampleFlow(2)
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{a, b})
	}))
	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)

	big := []*model.Correlation{{FlowA: flows[0].ID, FlowB: flows[1].ID, Weight: 1.5, Type: model.CorrelationTiming}}
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.ReplaceCorrelationsForRun(ctx, big)
	}), "spec.md permits weights above 1.0 and forbids renormalising them")

	all, err := st.AllCorrelations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 1.5, all[0].Weight)
}

func TestSummarizeFlows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	low, suspect, critical := sampleFlow(1), sampleFlow(2), sampleFlow(3)
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{low, suspect, critical})
	}))

	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)
	scores := map[uint16]float64{1: 10, 2: 55, 3: 90}
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		for _, f := range flows {
			f.ConfidenceScore = scores[f.Key.SrcPort]
			f.ConfidenceCategory = model.CategoryForScore(f.ConfidenceScore)
			if err := u.UpdateScore(ctx, f); err != nil {
				return err
			}
		}
		return nil
	}))

	total, suspectCount, criticalCount, err := st.SummarizeFlows(ctx, 30, 85)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Equal(t, int64(2), suspectCount, "suspect threshold counts both the 55 and the 90 score flows")
	require.Equal(t, int64(1), criticalCount)
}

func TestNewReportSummaryPersists(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	f := sampleFlow(1)
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{f})
	}))
	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		flows[0].ConfidenceScore = 90
		flows[0].ConfidenceCategory = model.CategoryForScore(90)
		return u.UpdateScore(ctx, flows[0])
	}))

	rep, err := st.NewReportSummary(ctx, "nightly scan", model.ReportSummary)
	require.NoError(t, err)
	require.NotZero(t, rep.ID)
	require.Equal(t, int64(1), rep.TotalFlows)
	require.Equal(t, int64(1), rep.CriticalAlerts)

	reports, err := st.AllReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "nightly scan", reports[0].Title)
}

func TestInsertReportRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var id int64
	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		var err error
		id, err = u.InsertReport(ctx, &model.Report{
			Title:      "nightly scan",
			Type:       model.ReportSummary,
			TotalFlows: 10,
		})
		return err
	}))
	require.NotZero(t, id)

	reports, err := st.AllReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "nightly scan", reports[0].Title)
}

func TestResetClearsAllTables(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.WithWriteUnit(ctx, "test", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, []*model.Flow{sampleFlow(1)})
	}))
	flows, err := st.AllFlows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 1)

	require.NoError(t, st.Reset(ctx))

	flows, err = st.AllFlows(ctx)
	require.NoError(t, err)
	require.Empty(t, flows)
}
