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
	"time"

	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/metrics"
	"github.com/relaywatch/relaywatch/internal/pipeline"
	"github.com/relaywatch/relaywatch/internal/store"
)

// Ingestor is the pipeline's first stage (spec.md §4.2): it decodes
// packets from a Source into Flow accumulators and persists them to
// the Store in bounded batches.
type Ingestor struct {
	store  *store.Store
	logger *zap.Logger
	opts   config.IngestOptions
	accum  *flowAccumulator
}

// New builds an Ingestor against st, defaulting BatchSize when unset.
func New(st *store.Store, logger *zap.Logger, opts config.IngestOptions) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultBatchSize
	}
	return &Ingestor{store: st, logger: logger, opts: opts, accum: newFlowAccumulator()}
}

// Result summarizes one ingest run.
type Result struct {
	FlowsPersisted   int64
	PacketsProcessed int64
	PacketsSkipped   int64
	Flushes          int
}

// Run consumes every packet from src, accumulating and periodically
// flushing to the Store. In streaming mode (opts.Streaming) a flush
// fires as soon as the accumulator reaches BatchSize distinct flows;
// in eager mode the entire capture is accumulated before one final
// flush, trading memory for fewer, larger write units.
func (ing *Ingestor) Run(ctx context.Context, src Source) (Result, error) {
	var res Result
	defer src.Close()

	for pkt := range src.Packets() {
		select {
		case <-ctx.Done():
			return res, pipeline.NewError(stageName, "run", pipeline.KindInput, ctx.Err())
		default:
		}

		d, ok := decodePacket(pkt)
		if !ok {
			res.PacketsSkipped++
			metrics.PacketsSkipped.Inc()
			continue
		}

		ing.accum.Add(d)
		res.PacketsProcessed++

		if ing.opts.Streaming && ing.accum.Len() >= ing.opts.BatchSize {
			n, err := ing.flush(ctx)
			if err != nil {
				return res, err
			}
			res.FlowsPersisted += n
			res.Flushes++
		}
	}

	if ing.accum.Len() > 0 {
		n, err := ing.flush(ctx)
		if err != nil {
			return res, err
		}
		res.FlowsPersisted += n
		res.Flushes++
	}

	ing.logger.Info(sf.Format("ingest complete: {0} packets, {1} skipped, {2} flows, {3} flushes",
		res.PacketsProcessed, res.PacketsSkipped, res.FlowsPersisted, res.Flushes))

	return res, nil
}

// flush persists every accumulated Flow and clears the in-memory map,
// returning the number of flows written.
func (ing *Ingestor) flush(ctx context.Context) (int64, error) {
	start := time.Now()

	flows := ing.accum.Drain()
	if len(flows) == 0 {
		return 0, nil
	}

	err := ing.store.WithWriteUnit(ctx, "ingest-flush", func(u *store.WriteUnit) error {
		return u.UpsertFlows(ctx, flows)
	})
	if err != nil {
		return 0, err
	}

	metrics.FlowsIngested.Add(float64(len(flows)))
	metrics.StageDuration.WithLabelValues(stageName).Observe(time.Since(start).Seconds())
	return int64(len(flows)), nil
}
