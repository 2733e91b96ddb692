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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/internal/model"
)

func TestAvgPacketSize(t *testing.T) {
	require.Equal(t, 0.0, avgPacketSize(&model.Flow{PktCount: 0, ByteCount: 100}))
	require.Equal(t, 50.0, avgPacketSize(&model.Flow{PktCount: 2, ByteCount: 100}))
}

func TestEntryExitGuardToExit(t *testing.T) {
	flags := newRelayFlags([]*model.RelayNode{
		{Address: "1.1.1.1", Flags: []model.RelayNodeFlag{model.FlagGuard}},
		{Address: "2.2.2.2", Flags: []model.RelayNodeFlag{model.FlagExit}},
	})

	a := &model.Flow{Key: model.FlowKey{DstAddr: "1.1.1.1"}}
	b := &model.Flow{Key: model.FlowKey{DstAddr: "2.2.2.2"}}
	require.True(t, entryExit(a, b, flags))
}

func TestEntryExitRelayToNonRelay(t *testing.T) {
	flags := newRelayFlags([]*model.RelayNode{
		{Address: "1.1.1.1"},
	})

	a := &model.Flow{Key: model.FlowKey{DstAddr: "1.1.1.1"}}
	b := &model.Flow{Key: model.FlowKey{DstAddr: "9.9.9.9"}}
	require.True(t, entryExit(a, b, flags))
	require.False(t, entryExit(b, a, flags), "only fires when a is the relay side")
}

func TestPairWeightTimingBuckets(t *testing.T) {
	flags := newRelayFlags(nil)
	a := &model.Flow{Key: model.FlowKey{SrcAddr: "10.0.0.1"}}
	b := &model.Flow{Key: model.FlowKey{SrcAddr: "10.0.0.2"}}

	w, ev := pairWeight(a, b, 0.5, flags)
	require.InDelta(t, 0.4, w, 1e-9)
	require.Equal(t, 0.4, ev.TimingScore)

	w, _ = pairWeight(a, b, 7, flags)
	require.InDelta(t, 0.2, w, 1e-9)

	w, _ = pairWeight(a, b, 60, flags)
	require.InDelta(t, 0.1, w, 1e-9)
}

func TestPairWeightAccumulatesEvidence(t *testing.T) {
	flags := newRelayFlags([]*model.RelayNode{
		{Address: "1.1.1.1", Flags: []model.RelayNodeFlag{model.FlagGuard}},
		{Address: "2.2.2.2", Flags: []model.RelayNodeFlag{model.FlagExit}},
	})

	a := &model.Flow{
		Key:       model.FlowKey{SrcAddr: "10.0.0.1", DstAddr: "1.1.1.1"},
		PktCount:  10,
		ByteCount: 1000,
	}
	b := &model.Flow{
		Key:       model.FlowKey{SrcAddr: "10.0.0.1", DstAddr: "2.2.2.2"},
		PktCount:  10,
		ByteCount: 1000,
	}

	w, ev := pairWeight(a, b, 0.2, flags)
	require.True(t, ev.EntryExitPattern)
	require.True(t, ev.SameSource)
	require.True(t, ev.HasSizeSimilarity)
	require.InDelta(t, 1.0, ev.SizeSimilarity, 1e-9)
	require.InDelta(t, 0.4+0.3+0.2+0.1, w, 1e-9)
	require.Equal(t, model.CorrelationEntryExit, correlationType(ev))
}

func TestCorrelationTypeDefaultsToTiming(t *testing.T) {
	require.Equal(t, model.CorrelationTiming, correlationType(model.Evidence{}))
}
