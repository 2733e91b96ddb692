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
	"encoding/json"

	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/pipeline"
)

const selectCorrelationColumns = `SELECT id, flow_a, flow_b, weight, type, evidence`

func scanCorrelation(r rowScanner) (*model.Correlation, error) {
	var (
		c        model.Correlation
		typ      string
		evidence sql.NullString
	)
	if err := r.Scan(&c.ID, &c.FlowA, &c.FlowB, &c.Weight, &typ, &evidence); err != nil {
		return nil, pipeline.NewError(stageName, "scan-correlation", pipeline.KindStore, err)
	}
	c.Type = model.CorrelationType(typ)
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &c.Evidence); err != nil {
			return nil, pipeline.NewError(stageName, "scan-correlation", pipeline.KindStore, err)
		}
	}
	return &c, nil
}

func scanCorrelations(rows *sql.Rows) ([]*model.Correlation, error) {
	defer rows.Close()
	var correlations []*model.Correlation
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, err
		}
		correlations = append(correlations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.NewError(stageName, "scan-correlations", pipeline.KindStore, err)
	}
	return correlations, nil
}

// ReplaceCorrelationsForRun deletes every Correlation row and inserts
// the freshly computed set. The Correlator's pass is a full
// recomputation over the candidate set each run (spec.md §4.4), so its
// output destructively replaces rather than merges — unlike the
// Ingestor's Flow upsert.
func (u *WriteUnit) ReplaceCorrelationsForRun(ctx context.Context, correlations []*model.Correlation) error {
	if _, err := u.tx.ExecContext(ctx, "DELETE FROM correlations"); err != nil {
		return pipeline.NewError(stageName, "replace-correlations", pipeline.KindStore, err)
	}

	const stmt = `INSERT INTO correlations (flow_a, flow_b, weight, type, evidence) VALUES (?, ?, ?, ?, ?)`
	prepared, err := u.tx.PrepareContext(ctx, stmt)
	if err != nil {
		return pipeline.NewError(stageName, "replace-correlations", pipeline.KindStore, err)
	}
	defer prepared.Close()

	for _, c := range correlations {
		// Correlation weights are stored as given and never
		// renormalised, so values above 1.0 are accepted; only a
		// negative weight is a contract violation.
		if c.Weight < 0 {
			return pipeline.NewError(stageName, "replace-correlations", pipeline.KindContract,
				errInvariant("correlation weight must be non-negative"))
		}
		evidence, err := json.Marshal(c.Evidence)
		if err != nil {
			return pipeline.NewError(stageName, "replace-correlations", pipeline.KindStore, err)
		}
		if _, err := prepared.ExecContext(ctx, c.FlowA, c.FlowB, c.Weight, string(c.Type), string(evidence)); err != nil {
			return pipeline.NewError(stageName, "replace-correlations", pipeline.KindStore, err)
		}
	}
	return nil
}

// CorrelationsForFlow returns every Correlation touching id, in either
// position (spec.md §4.4's neighbour query, extended by the
// supplemented connected-component surface).
func (s *Store) CorrelationsForFlow(ctx context.Context, id model.FlowID) ([]*model.Correlation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCorrelationColumns+" FROM correlations WHERE flow_a = ? OR flow_b = ? ORDER BY weight DESC", id, id)
	if err != nil {
		return nil, pipeline.NewError(stageName, "correlations-for-flow", pipeline.KindStore, err)
	}
	return scanCorrelations(rows)
}

// AllCorrelations returns every persisted Correlation, ordered by ID.
func (s *Store) AllCorrelations(ctx context.Context) ([]*model.Correlation, error) {
	rows, err := s.db.QueryContext(ctx, selectCorrelationColumns+" FROM correlations ORDER BY id ASC")
	if err != nil {
		return nil, pipeline.NewError(stageName, "all-correlations", pipeline.KindStore, err)
	}
	return scanCorrelations(rows)
}
