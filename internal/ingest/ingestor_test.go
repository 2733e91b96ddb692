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

package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/store"
)

type fakeSource struct {
	packets []gopacket.Packet
	closed  bool
}

func (s *fakeSource) Packets() <-chan gopacket.Packet {
	ch := make(chan gopacket.Packet, len(s.packets))
	for _, p := range s.packets {
		ch <- p
	}
	close(ch)
	return ch
}

func (s *fakeSource) Close() { s.closed = true }

func TestIngestorRunPersistsFlows(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relaywatch.db"), store.Options{})
	require.NoError(t, err)
	defer st.Close()

	src := &fakeSource{packets: []gopacket.Packet{
		buildTCPPacket(t, []byte("one")),
		buildTCPPacket(t, []byte("two")),
	}}

	ingestor := New(st, nil, config.IngestOptions{})
	res, err := ingestor.Run(context.Background(), src)
	require.NoError(t, err)
	require.True(t, src.closed)

	require.Equal(t, int64(2), res.PacketsProcessed)
	require.Equal(t, int64(0), res.PacketsSkipped)
	require.Equal(t, int64(1), res.FlowsPersisted, "both packets share one 5-tuple")

	flows, err := st.AllFlows(context.Background())
	require.NoError(t, err)
	require.Len(t, flows, 1)
	require.Equal(t, int64(2), flows[0].PktCount)
}

func TestIngestorStreamingFlushesAtBatchSize(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relaywatch.db"), store.Options{})
	require.NoError(t, err)
	defer st.Close()

	src := &fakeSource{packets: []gopacket.Packet{
		buildTCPPacket(t, nil),
		buildTCPPacket(t, nil),
	}}

	ingestor := New(st, nil, config.IngestOptions{BatchSize: 1, Streaming: true})
	res, err := ingestor.Run(context.Background(), src)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Flushes, 1)
}
