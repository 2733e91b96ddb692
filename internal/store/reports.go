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
	"time"

	sf "github.com/wissance/stringFormatter"

	"github.com/relaywatch/relaywatch/internal/model"
	"github.com/relaywatch/relaywatch/internal/pipeline"
)

const selectReportColumns = `SELECT
	id, title, report_type, file_path, summary, total_flows, suspect_flows, critical_alerts, created_at`

func scanReport(r rowScanner) (*model.Report, error) {
	var (
		rep      model.Report
		typ      sql.NullString
		filePath sql.NullString
		summary  sql.NullString
		created  float64
	)
	if err := r.Scan(&rep.ID, &rep.Title, &typ, &filePath, &summary,
		&rep.TotalFlows, &rep.SuspectFlows, &rep.CriticalAlerts, &created); err != nil {
		return nil, pipeline.NewError(stageName, "scan-report", pipeline.KindStore, err)
	}
	rep.Type = model.ReportType(typ.String)
	rep.FilePath = filePath.String
	rep.Summary = summary.String
	rep.CreatedAt = secondsToTime(created)
	return &rep, nil
}

// InsertReport appends a Report row. Reports are append-only metadata
// (spec.md §4's Report entity) — there is no update or delete path.
func (u *WriteUnit) InsertReport(ctx context.Context, rep *model.Report) (int64, error) {
	const stmt = `INSERT INTO reports
		(title, report_type, file_path, summary, total_flows, suspect_flows, critical_alerts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := u.tx.ExecContext(ctx, stmt,
		rep.Title, string(rep.Type), nullableString(rep.FilePath), nullableString(rep.Summary),
		rep.TotalFlows, rep.SuspectFlows, rep.CriticalAlerts, timeToSeconds(rep.CreatedAt))
	if err != nil {
		return 0, pipeline.NewError(stageName, "insert-report", pipeline.KindStore, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, pipeline.NewError(stageName, "insert-report", pipeline.KindStore, err)
	}
	return id, nil
}

// AllReports returns every Report, newest first.
func (s *Store) AllReports(ctx context.Context) ([]*model.Report, error) {
	rows, err := s.db.QueryContext(ctx, selectReportColumns+" FROM reports ORDER BY created_at DESC")
	if err != nil {
		return nil, pipeline.NewError(stageName, "all-reports", pipeline.KindStore, err)
	}
	defer rows.Close()

	var reports []*model.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.NewError(stageName, "all-reports", pipeline.KindStore, err)
	}
	return reports, nil
}

// SummarizeFlows computes the counters a Report summary needs directly
// from the flows table (SPEC_FULL.md's "Report summary helper"
// supplement, grounded on original_source's generate_summary_report).
func (s *Store) SummarizeFlows(ctx context.Context, suspectThreshold, criticalThreshold float64) (total, suspect, critical int64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE confidence_score >= ?),
		COUNT(*) FILTER (WHERE confidence_score >= ?)
		FROM flows`, suspectThreshold, criticalThreshold)
	if scanErr := row.Scan(&total, &suspect, &critical); scanErr != nil {
		return 0, 0, 0, pipeline.NewError(stageName, "summarize-flows", pipeline.KindStore, scanErr)
	}
	return total, suspect, critical, nil
}

// NewReportSummary computes flow counters via SummarizeFlows and
// persists them as a Report row in one step (SPEC_FULL.md's "Report
// creation helper" supplement, grounded on original_source's
// generate_summary_report). Suspect/critical thresholds are the
// model.CategoryForScore boundaries for Medium and Critical, so the
// counters agree with the categories a Scorer run assigns.
func (s *Store) NewReportSummary(ctx context.Context, title string, reportType model.ReportType) (*model.Report, error) {
	total, suspect, critical, err := s.SummarizeFlows(ctx, 30, 85)
	if err != nil {
		return nil, err
	}

	rep := &model.Report{
		Title:          title,
		Type:           reportType,
		Summary:        sf.Format("{0} flows, {1} suspect, {2} critical", total, suspect, critical),
		CreatedAt:      time.Now().UTC(),
		TotalFlows:     total,
		SuspectFlows:   suspect,
		CriticalAlerts: critical,
	}

	err = s.WithWriteUnit(ctx, "new-report-summary", func(u *WriteUnit) error {
		id, insertErr := u.InsertReport(ctx, rep)
		if insertErr != nil {
			return insertErr
		}
		rep.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}
