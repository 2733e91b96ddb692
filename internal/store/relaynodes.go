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
	"strings"

	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/pipeline"
)

const selectRelayNodeColumns = `SELECT
	id, address, port, fingerprint, nickname, flags, country_code, asn, bandwidth, last_seen`

func scanRelayNode(r rowScanner) (*model.RelayNode, error) {
	var (
		n         model.RelayNode
		flags     sql.NullString
		fprint    sql.NullString
		nickname  sql.NullString
		country   sql.NullString
		asn       sql.NullString
		bandwidth sql.NullInt64
		lastSeen  float64
	)
	if err := r.Scan(&n.ID, &n.Address, &n.Port, &fprint, &nickname, &flags, &country, &asn, &bandwidth, &lastSeen); err != nil {
		return nil, pipeline.NewError(stageName, "scan-relay-node", pipeline.KindStore, err)
	}
	n.Fingerprint = fprint.String
	n.Nickname = nickname.String
	n.CountryCode = country.String
	n.ASN = asn.String
	n.Bandwidth = bandwidth.Int64
	n.LastSeen = secondsToTime(lastSeen)
	if flags.Valid && flags.String != "" {
		for _, part := range strings.Split(flags.String, ",") {
			n.Flags = append(n.Flags, model.RelayNodeFlag(part))
		}
	}
	return &n, nil
}

func scanRelayNodes(rows *sql.Rows) ([]*model.RelayNode, error) {
	defer rows.Close()
	var nodes []*model.RelayNode
	for rows.Next() {
		n, err := scanRelayNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.NewError(stageName, "scan-relay-nodes", pipeline.KindStore, err)
	}
	return nodes, nil
}

func joinFlags(flags []model.RelayNodeFlag) string {
	parts := make([]string, 0, len(flags))
	for _, f := range flags {
		parts = append(parts, string(f))
	}
	return strings.Join(parts, ",")
}

// UpsertRelayNode inserts or refreshes a RelayNode keyed by address, the
// directory snapshot's natural key (spec.md §4.2 and SPEC_FULL.md's
// directory hot-reload supplement).
func (u *WriteUnit) UpsertRelayNode(ctx context.Context, n *model.RelayNode) error {
	const stmt = `
INSERT INTO relay_nodes (address, port, fingerprint, nickname, flags, country_code, asn, bandwidth, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(address) DO UPDATE SET
	port = excluded.port,
	fingerprint = excluded.fingerprint,
	nickname = excluded.nickname,
	flags = excluded.flags,
	country_code = excluded.country_code,
	asn = excluded.asn,
	bandwidth = excluded.bandwidth,
	last_seen = excluded.last_seen
`
	_, err := u.tx.ExecContext(ctx, stmt,
		n.Address, n.Port, nullableString(n.Fingerprint), nullableString(n.Nickname), joinFlags(n.Flags),
		nullableString(n.CountryCode), nullableString(n.ASN), n.Bandwidth, timeToSeconds(n.LastSeen))
	if err != nil {
		return pipeline.NewError(stageName, "upsert-relay-node", pipeline.KindStore, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RelayNodeByAddress looks up a RelayNode, returning (nil, nil) if
// absent.
func (s *Store) RelayNodeByAddress(ctx context.Context, addr string) (*model.RelayNode, error) {
	row := s.db.QueryRowContext(ctx, selectRelayNodeColumns+" FROM relay_nodes WHERE address = ?", addr)
	n, err := scanRelayNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// RelayNodesWithFlag returns every RelayNode carrying flag, the
// supplemented "RelayNode flag query" surface from SPEC_FULL.md.
func (s *Store) RelayNodesWithFlag(ctx context.Context, flag model.RelayNodeFlag) ([]*model.RelayNode, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRelayNodeColumns+" FROM relay_nodes WHERE ',' || flags || ',' LIKE '%,' || ? || ',%'", string(flag))
	if err != nil {
		return nil, pipeline.NewError(stageName, "relay-nodes-with-flag", pipeline.KindStore, err)
	}
	return scanRelayNodes(rows)
}

// AllRelayNodes returns the full directory snapshot.
func (s *Store) AllRelayNodes(ctx context.Context) ([]*model.RelayNode, error) {
	rows, err := s.db.QueryContext(ctx, selectRelayNodeColumns+" FROM relay_nodes ORDER BY address ASC")
	if err != nil {
		return nil, pipeline.NewError(stageName, "all-relay-nodes", pipeline.KindStore, err)
	}
	return scanRelayNodes(rows)
}
