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
	"hash/fnv"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/relaywatch/relaywatch/internal/model"
)

// accumulatorEntry mirrors model.Flow minus its Store-assigned ID and
// the Classifier/Scorer's fields, which later stages populate.
type accumulatorEntry struct {
	key       model.FlowKey
	tsStart   time.Time
	tsEnd     time.Time
	pktCount  int64
	byteCount int64
	payload   []byte
}

// flowAccumulator is the Ingestor's bounded in-memory map from 5-tuple
// to running totals, backed by haxmap the way the teacher's flowMutex
// backs MutexMap in flow_mutex.go: a concurrent map keyed by a hashed
// uint64 rather than the struct key itself, since haxmap's generic
// instantiations in the pack are all over scalar key types.
type flowAccumulator struct {
	entries *haxmap.Map[uint64, *accumulatorEntry]
}

func newFlowAccumulator() *flowAccumulator {
	return &flowAccumulator{entries: haxmap.New[uint64, *accumulatorEntry]()}
}

func hashFlowKey(k model.FlowKey) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.SrcAddr))
	_, _ = h.Write([]byte{byte(k.SrcPort >> 8), byte(k.SrcPort)})
	_, _ = h.Write([]byte(k.DstAddr))
	_, _ = h.Write([]byte{byte(k.DstPort >> 8), byte(k.DstPort)})
	_, _ = h.Write([]byte(k.Transport))
	return h.Sum64()
}

// Add folds one decoded packet into its flow's running totals,
// creating the entry on first sight (spec.md §3: merge packets sharing
// a 5-tuple into one record).
func (a *flowAccumulator) Add(d decoded) {
	id := hashFlowKey(d.key)

	entry, ok := a.entries.Get(id)
	if !ok {
		entry = &accumulatorEntry{key: d.key, tsStart: d.ts, tsEnd: d.ts}
		a.entries.Set(id, entry)
	}

	entry.pktCount++
	entry.byteCount += int64(d.length)
	if d.ts.Before(entry.tsStart) {
		entry.tsStart = d.ts
	}
	if d.ts.After(entry.tsEnd) {
		entry.tsEnd = d.ts
	}
	if len(entry.payload) == 0 && len(d.payload) > 0 {
		entry.payload = append([]byte(nil), d.payload...)
	}
}

// Len reports how many distinct flows are currently accumulated.
func (a *flowAccumulator) Len() int { return int(a.entries.Len()) }

// Drain converts every accumulated entry to a model.Flow and clears
// the map — the flush policy that, combined with internal/store's
// upsert-merge, keeps a 5-tuple unique per ingest run even though the
// map itself is emptied on every flush.
func (a *flowAccumulator) Drain() []*model.Flow {
	flows := make([]*model.Flow, 0, a.entries.Len())
	var ids []uint64

	a.entries.ForEach(func(id uint64, entry *accumulatorEntry) bool {
		flows = append(flows, &model.Flow{
			Key:           entry.key,
			TsStart:       entry.tsStart,
			TsEnd:         entry.tsEnd,
			PktCount:      entry.pktCount,
			ByteCount:     entry.byteCount,
			PayloadPrefix: entry.payload,
		})
		ids = append(ids, id)
		return true
	})

	for _, id := range ids {
		a.entries.Del(id)
	}
	return flows
}
