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

// Package store is the durable relational Store of spec.md §4.1: the
// only inter-stage channel, holding Flow, RelayNode, Correlation and
// Report rows behind a scoped, commit-or-rollback write unit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/relaywatch/relaywatch/internal/pipeline"
)

const stageName = "store"

// Store is a single-file, embedded relational store. Open one per
// process; it owns an exclusive file lock for the lifetime of the
// handle so that concurrent writer processes cannot race (§5).
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	path   string
	logger *zap.Logger
}

// WriteUnit is a scoped transaction handed to a stage's mutating
// operations. It is always released (committed or rolled back) by
// WithWriteUnit, including on panic.
type WriteUnit struct {
	tx *sql.Tx
}

// Options configures Open.
type Options struct {
	Logger *zap.Logger

	// ReadOnly skips acquiring the exclusive file lock, for concurrent
	// read-only consumers (§5: "concurrent readers are permitted").
	ReadOnly bool
}

// Open creates the database file (if absent), runs schema migration,
// and acquires the process-level exclusive write lock unless ReadOnly
// is set. Grounded on original_source's DatabaseManager.__init__ /
// create_tables, with the exclusive-lock addition per DOMAIN STACK.
func Open(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var fl *flock.Flock
	if !opts.ReadOnly {
		fl = flock.New(path + ".lock")
		locked, err := fl.TryLock()
		if err != nil {
			return nil, pipeline.NewError(stageName, "open", pipeline.KindStore, err)
		}
		if !locked {
			return nil, pipeline.NewError(stageName, "open", pipeline.KindStore,
				fmt.Errorf("store %q is locked by another writer", path))
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		if fl != nil {
			_ = fl.Unlock()
		}
		return nil, pipeline.NewError(stageName, "open", pipeline.KindStore, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, lock: fl, path: path, logger: logger}

	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database handle and the file lock.
func (s *Store) Close() error {
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

const schema = `
CREATE TABLE IF NOT EXISTS flows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	src_addr TEXT NOT NULL,
	src_port INTEGER NOT NULL,
	dst_addr TEXT NOT NULL,
	dst_port INTEGER NOT NULL,
	transport TEXT NOT NULL,
	ts_start REAL NOT NULL,
	ts_end REAL NOT NULL,
	pkt_count INTEGER NOT NULL DEFAULT 0,
	byte_count INTEGER NOT NULL DEFAULT 0,
	payload_prefix BLOB,
	relay_comm INTEGER NOT NULL DEFAULT 0,
	directory_fetch INTEGER NOT NULL DEFAULT 0,
	possible_handshake INTEGER NOT NULL DEFAULT 0,
	obfuscated_candidate INTEGER NOT NULL DEFAULT 0,
	confidence_score REAL,
	confidence_category TEXT,
	UNIQUE(src_addr, src_port, dst_addr, dst_port, transport)
);
CREATE INDEX IF NOT EXISTS idx_flows_src_addr ON flows(src_addr);
CREATE INDEX IF NOT EXISTS idx_flows_dst_addr ON flows(dst_addr);
CREATE INDEX IF NOT EXISTS idx_flows_ts_start ON flows(ts_start);
CREATE INDEX IF NOT EXISTS idx_flows_confidence_score ON flows(confidence_score);
CREATE INDEX IF NOT EXISTS idx_flows_confidence_category ON flows(confidence_category);

CREATE TABLE IF NOT EXISTS relay_nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	address TEXT NOT NULL UNIQUE,
	port INTEGER NOT NULL DEFAULT 9001,
	fingerprint TEXT UNIQUE,
	nickname TEXT,
	flags TEXT,
	country_code TEXT,
	asn TEXT,
	bandwidth INTEGER,
	last_seen REAL
);

CREATE TABLE IF NOT EXISTS correlations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	flow_a INTEGER NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
	flow_b INTEGER NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
	weight REAL NOT NULL,
	type TEXT NOT NULL,
	evidence TEXT
);
CREATE INDEX IF NOT EXISTS idx_correlations_flow_a ON correlations(flow_a);
CREATE INDEX IF NOT EXISTS idx_correlations_flow_b ON correlations(flow_b);

CREATE TABLE IF NOT EXISTS reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	report_type TEXT,
	file_path TEXT,
	summary TEXT,
	total_flows INTEGER NOT NULL DEFAULT 0,
	suspect_flows INTEGER NOT NULL DEFAULT 0,
	critical_alerts INTEGER NOT NULL DEFAULT 0,
	created_at REAL NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return pipeline.NewError(stageName, "migrate", pipeline.KindStore, err)
		}
	}
	return nil
}

// Reset drops and recreates all tables (spec.md §6's `reset` verb),
// holding the write lock for the duration so no other stage observes a
// half-dropped schema.
func (s *Store) Reset(ctx context.Context) error {
	const dropStmts = `
DROP TABLE IF EXISTS correlations;
DROP TABLE IF EXISTS flows;
DROP TABLE IF EXISTS relay_nodes;
DROP TABLE IF EXISTS reports;
`
	for _, stmt := range strings.Split(dropStmts, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return pipeline.NewError(stageName, "reset", pipeline.KindStore, err)
		}
	}
	return s.migrate(ctx)
}

// retryPolicy retries a whole write unit when its error text mentions
// a locked or busy database (a transient SQLITE_BUSY), per DOMAIN
// STACK's wiring of retry-go against the teacher's go.mod.
func retryPolicy() []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(25 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return strings.Contains(err.Error(), "locked") || strings.Contains(err.Error(), "busy")
		}),
	}
}

// WithWriteUnit runs fn inside a transaction, guaranteeing commit on
// success and rollback on error or panic — the "scoped write unit with
// guaranteed commit-or-rollback on exit" spec.md §4.1 requires. A
// panic in fn is returned as a contract error. Under retryPolicy a
// failed unit is retried from a fresh transaction, so fn may run more
// than once.
func (s *Store) WithWriteUnit(ctx context.Context, operation string, fn func(*WriteUnit) error) (err error) {
	return retry.Do(func() (unitErr error) {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return pipeline.NewError(stageName, operation, pipeline.KindStore, txErr)
		}

		unit := &WriteUnit{tx: tx}

		defer func() {
			if r := recover(); r != nil {
				_ = tx.Rollback()
				unitErr = pipeline.NewError(stageName, operation, pipeline.KindContract, fmt.Errorf("panic: %v", r))
			}
		}()

		if fnErr := fn(unit); fnErr != nil {
			_ = tx.Rollback()
			return fnErr
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return pipeline.NewError(stageName, operation, pipeline.KindStore, commitErr)
		}
		return nil
	}, retryPolicy()...)
}

// Flows returns an iterator over all persisted Flows ordered by
// ts_start, ties broken by Flow ID ascending (spec.md §5), for
// streaming consumers. The Correlator reads its candidate set through
// CandidateFlows, which uses the same ordering.
func (s *Store) Flows(ctx context.Context) (*FlowIterator, error) {
	rows, err := s.db.QueryContext(ctx, selectFlowColumns+" FROM flows ORDER BY ts_start ASC, id ASC")
	if err != nil {
		return nil, pipeline.NewError(stageName, "flows", pipeline.KindStore, err)
	}
	return &FlowIterator{rows: rows}, nil
}
