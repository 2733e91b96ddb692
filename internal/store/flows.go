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

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/pipeline"
)

const selectFlowColumns = `SELECT
	id, src_addr, src_port, dst_addr, dst_port, transport,
	ts_start, ts_end, pkt_count, byte_count, payload_prefix,
	relay_comm, directory_fetch, possible_handshake, obfuscated_candidate,
	confidence_score, confidence_category`

// FlowIterator streams Flow rows ordered by ts_start, per spec.md
// §4.1's "iterator over Flows ordered by ts_start for streaming
// consumers."
type FlowIterator struct {
	rows *sql.Rows
}

// Next advances the iterator. It returns (nil, false, nil) when
// exhausted.
func (it *FlowIterator) Next() (*model.Flow, bool, error) {
	if !it.rows.Next() {
		return nil, false, it.rows.Err()
	}
	f, err := scanFlow(it.rows)
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// Close releases the underlying cursor.
func (it *FlowIterator) Close() error { return it.rows.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(r rowScanner) (*model.Flow, error) {
	var (
		f              model.Flow
		transport      string
		tsStart, tsEnd float64
		payload        []byte
		relayComm      int
		directoryFetch int
		handshake      int
		obfuscated     int
		score          sql.NullFloat64
		category       sql.NullString
	)

	if err := r.Scan(
		&f.ID, &f.Key.SrcAddr, &f.Key.SrcPort, &f.Key.DstAddr, &f.Key.DstPort, &transport,
		&tsStart, &tsEnd, &f.PktCount, &f.ByteCount, &payload,
		&relayComm, &directoryFetch, &handshake, &obfuscated,
		&score, &category,
	); err != nil {
		return nil, pipeline.NewError(stageName, "scan-flow", pipeline.KindStore, err)
	}

	f.Key.Transport = model.Transport(transport)
	f.TsStart = secondsToTime(tsStart)
	f.TsEnd = secondsToTime(tsEnd)
	f.PayloadPrefix = payload
	f.RelayComm = relayComm != 0
	f.DirectoryFetch = directoryFetch != 0
	f.PossibleHandshake = handshake != 0
	f.ObfuscatedCandidate = obfuscated != 0
	if score.Valid {
		f.ConfidenceScore = score.Float64
		f.HasScore = true
	}
	if category.Valid {
		f.ConfidenceCategory = model.ConfidenceCategory(category.String)
	}
	return &f, nil
}

func scanFlows(rows *sql.Rows) ([]*model.Flow, error) {
	defer rows.Close()
	var flows []*model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.NewError(stageName, "scan-flows", pipeline.KindStore, err)
	}
	return flows, nil
}

// UpsertFlows merges a batch of Flow accumulators into the Store. A
// row sharing the 5-tuple with one already persisted, whether by this
// run or an earlier one, is merged (ts_start/ts_end extended, counters
// summed, payload prefix kept if already set) rather than duplicated —
// this is what makes
// spec.md §3's "Flow 5-tuple is unique per ingest run" hold even though
// the Ingestor's flush policy clears its in-memory map on every flush
// (so the same tuple can recur across batches within one run).
func (u *WriteUnit) UpsertFlows(ctx context.Context, flows []*model.Flow) error {
	const stmt = `
INSERT INTO flows (
	src_addr, src_port, dst_addr, dst_port, transport,
	ts_start, ts_end, pkt_count, byte_count, payload_prefix
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(src_addr, src_port, dst_addr, dst_port, transport) DO UPDATE SET
	ts_start = MIN(ts_start, excluded.ts_start),
	ts_end = MAX(ts_end, excluded.ts_end),
	pkt_count = pkt_count + excluded.pkt_count,
	byte_count = byte_count + excluded.byte_count,
	payload_prefix = CASE
		WHEN payload_prefix IS NULL OR length(payload_prefix) = 0 THEN excluded.payload_prefix
		ELSE payload_prefix
	END
`
	prepared, err := u.tx.PrepareContext(ctx, stmt)
	if err != nil {
		return pipeline.NewError(stageName, "upsert-flows", pipeline.KindStore, err)
	}
	defer prepared.Close()

	for _, f := range flows {
		if f.PktCount < 1 {
			return pipeline.NewError(stageName, "upsert-flows", pipeline.KindContract,
				errInvariant("pkt_count must be >= 1"))
		}
		if f.ByteCount < f.PktCount {
			return pipeline.NewError(stageName, "upsert-flows", pipeline.KindContract,
				errInvariant("byte_count must be >= pkt_count"))
		}
		if f.TsStart.After(f.TsEnd) {
			return pipeline.NewError(stageName, "upsert-flows", pipeline.KindContract,
				errInvariant("ts_start must be <= ts_end"))
		}
		if len(f.PayloadPrefix) > model.PayloadPrefixMax {
			f.PayloadPrefix = f.PayloadPrefix[:model.PayloadPrefixMax]
		}

		if _, err := prepared.ExecContext(ctx,
			f.Key.SrcAddr, f.Key.SrcPort, f.Key.DstAddr, f.Key.DstPort, string(f.Key.Transport),
			timeToSeconds(f.TsStart), timeToSeconds(f.TsEnd), f.PktCount, f.ByteCount, f.PayloadPrefix,
		); err != nil {
			return pipeline.NewError(stageName, "upsert-flows", pipeline.KindStore, err)
		}
	}
	return nil
}

// UpdateClassification writes back the four classifier booleans for a
// Flow (§4.3).
func (u *WriteUnit) UpdateClassification(ctx context.Context, f *model.Flow) error {
	const stmt = `UPDATE flows SET
		relay_comm = ?, directory_fetch = ?, possible_handshake = ?, obfuscated_candidate = ?
		WHERE id = ?`
	_, err := u.tx.ExecContext(ctx, stmt,
		boolToInt(f.RelayComm), boolToInt(f.DirectoryFetch),
		boolToInt(f.PossibleHandshake), boolToInt(f.ObfuscatedCandidate), f.ID)
	if err != nil {
		return pipeline.NewError(stageName, "update-classification", pipeline.KindStore, err)
	}
	return nil
}

// UpdateScore writes back a Flow's confidence score and category
// (§4.5).
func (u *WriteUnit) UpdateScore(ctx context.Context, f *model.Flow) error {
	if f.ConfidenceScore < 0 || f.ConfidenceScore > 100 {
		return pipeline.NewError(stageName, "update-score", pipeline.KindContract,
			errInvariant("confidence_score must be in [0,100]"))
	}
	const stmt = `UPDATE flows SET confidence_score = ?, confidence_category = ? WHERE id = ?`
	_, err := u.tx.ExecContext(ctx, stmt, f.ConfidenceScore, string(f.ConfidenceCategory), f.ID)
	if err != nil {
		return pipeline.NewError(stageName, "update-score", pipeline.KindStore, err)
	}
	return nil
}

// FlowByID looks up a single Flow, returning (nil, nil) if absent.
func (s *Store) FlowByID(ctx context.Context, id model.FlowID) (*model.Flow, error) {
	row := s.db.QueryRowContext(ctx, selectFlowColumns+" FROM flows WHERE id = ?", id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FlowsBySrcAddr returns all Flows originating from addr.
func (s *Store) FlowsBySrcAddr(ctx context.Context, addr string) ([]*model.Flow, error) {
	rows, err := s.db.QueryContext(ctx, selectFlowColumns+" FROM flows WHERE src_addr = ? ORDER BY ts_start ASC, id ASC", addr)
	if err != nil {
		return nil, pipeline.NewError(stageName, "flows-by-src", pipeline.KindStore, err)
	}
	return scanFlows(rows)
}

// FlowsByDstAddr returns all Flows destined to addr.
func (s *Store) FlowsByDstAddr(ctx context.Context, addr string) ([]*model.Flow, error) {
	rows, err := s.db.QueryContext(ctx, selectFlowColumns+" FROM flows WHERE dst_addr = ? ORDER BY ts_start ASC, id ASC", addr)
	if err != nil {
		return nil, pipeline.NewError(stageName, "flows-by-dst", pipeline.KindStore, err)
	}
	return scanFlows(rows)
}

// FlowsByTimeRange returns Flows whose ts_start falls in [from, to].
func (s *Store) FlowsByTimeRange(ctx context.Context, from, to time.Time) ([]*model.Flow, error) {
	rows, err := s.db.QueryContext(ctx,
		selectFlowColumns+" FROM flows WHERE ts_start >= ? AND ts_start <= ? ORDER BY ts_start ASC, id ASC",
		timeToSeconds(from), timeToSeconds(to))
	if err != nil {
		return nil, pipeline.NewError(stageName, "flows-by-time-range", pipeline.KindStore, err)
	}
	return scanFlows(rows)
}

// FlowsWithMinScore returns Flows at or above minScore, highest first
// (original_source's get_high_confidence_flows, per SPEC_FULL.md).
func (s *Store) FlowsWithMinScore(ctx context.Context, minScore float64) ([]*model.Flow, error) {
	rows, err := s.db.QueryContext(ctx,
		selectFlowColumns+" FROM flows WHERE confidence_score >= ? ORDER BY confidence_score DESC", minScore)
	if err != nil {
		return nil, pipeline.NewError(stageName, "flows-with-min-score", pipeline.KindStore, err)
	}
	return scanFlows(rows)
}

// CandidateFlows returns Flows with at least one classifier indicator
// set, ordered by ts_start (the Correlator's candidate set, §4.4).
func (s *Store) CandidateFlows(ctx context.Context) ([]*model.Flow, error) {
	rows, err := s.db.QueryContext(ctx, selectFlowColumns+` FROM flows
		WHERE relay_comm = 1 OR directory_fetch = 1 OR possible_handshake = 1 OR obfuscated_candidate = 1
		ORDER BY ts_start ASC, id ASC`)
	if err != nil {
		return nil, pipeline.NewError(stageName, "candidate-flows", pipeline.KindStore, err)
	}
	return scanFlows(rows)
}

// AllFlows returns every persisted Flow (the Scorer and Classifier's
// full-table pass).
func (s *Store) AllFlows(ctx context.Context) ([]*model.Flow, error) {
	rows, err := s.db.QueryContext(ctx, selectFlowColumns+" FROM flows ORDER BY id ASC")
	if err != nil {
		return nil, pipeline.NewError(stageName, "all-flows", pipeline.KindStore, err)
	}
	return scanFlows(rows)
}

// DeleteFlow removes a Flow; ON DELETE CASCADE removes its
// Correlations (spec.md §3).
func (u *WriteUnit) DeleteFlow(ctx context.Context, id model.FlowID) error {
	if _, err := u.tx.ExecContext(ctx, "DELETE FROM flows WHERE id = ?", id); err != nil {
		return pipeline.NewError(stageName, "delete-flow", pipeline.KindStore, err)
	}
	return nil
}

func errInvariant(msg string) error { return invariantError(msg) }

type invariantError string

func (e invariantError) Error() string { return string(e) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
