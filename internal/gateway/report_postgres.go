package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"workledger/internal/domain"
)

// Errors returned by the PostgreSQL report store.
var (
	ErrReportNotFound = errors.New("report not found")
	ErrReportExists   = errors.New("report already stored")
)

// ReportSchema creates the tables used by PostgresReportStore.
const ReportSchema = `
CREATE TABLE IF NOT EXISTS audit_reports (
	run_id        UUID PRIMARY KEY,
	generated_at  TIMESTAMPTZ NOT NULL,
	digest        TEXT NOT NULL,
	groups_total  INTEGER NOT NULL,
	unresolved    INTEGER NOT NULL,
	needs_review  INTEGER NOT NULL,
	summary       JSONB NOT NULL,
	payload       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_report_groups (
	run_id           UUID NOT NULL REFERENCES audit_reports (run_id),
	position         INTEGER NOT NULL,
	subject_id       TEXT NOT NULL,
	work_item_id     TEXT NOT NULL,
	period_bucket    DATE NOT NULL,
	status           TEXT NOT NULL,
	duplicate        BOOLEAN NOT NULL,
	needs_review     BOOLEAN NOT NULL,
	unit             TEXT NOT NULL,
	variance         DOUBLE PRECISION NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	severity         TEXT NOT NULL,
	missing_sources  TEXT[] NOT NULL,
	member_ids       TEXT[] NOT NULL,
	PRIMARY KEY (run_id, position)
);
`

// PostgresReportStore persists audit reports. Reports are append-only: a run
// id can be written once and is never updated.
type PostgresReportStore struct {
	db *sql.DB
}

// NewPostgresReportStore creates a new PostgreSQL report store.
func NewPostgresReportStore(db *sql.DB) *PostgresReportStore {
	return &PostgresReportStore{db: db}
}

// Migrate creates the report tables if they do not exist.
func (s *PostgresReportStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ReportSchema); err != nil {
		return fmt.Errorf("create report schema: %w", err)
	}
	return nil
}

// reportRow is the persistence shape of an audit report header.
type reportRow struct {
	RunID       string
	GeneratedAt time.Time
	Digest      string
	Groups      int
	Unresolved  int
	NeedsReview int
	Summary     []byte
	Payload     []byte
}

// groupRow is the persistence shape of one reconciliation group.
type groupRow struct {
	Position       int
	SubjectID      string
	WorkItemID     string
	PeriodBucket   string
	Status         string
	Duplicate      bool
	NeedsReview    bool
	Unit           string
	Variance       float64
	Confidence     float64
	Severity       string
	MissingSources []string
	MemberIDs      []string
}

func toReportRow(report *domain.AuditReport) (reportRow, error) {
	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return reportRow{}, fmt.Errorf("marshal summary: %w", err)
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return reportRow{}, fmt.Errorf("marshal report: %w", err)
	}
	return reportRow{
		RunID:       report.RunID,
		GeneratedAt: report.GeneratedAt,
		Digest:      report.Digest,
		Groups:      report.Summary.Groups,
		Unresolved:  report.Summary.RecordsUnresolved,
		NeedsReview: report.Summary.NeedsReview,
		Summary:     summary,
		Payload:     payload,
	}, nil
}

func toGroupRows(groups []domain.ReconciliationGroup) []groupRow {
	rows := make([]groupRow, len(groups))
	for i, g := range groups {
		missing := make([]string, len(g.MissingSources))
		for j, s := range g.MissingSources {
			missing[j] = string(s)
		}
		members := make([]string, len(g.Members))
		for j, m := range g.Members {
			members[j] = m.ProvenanceID()
		}
		rows[i] = groupRow{
			Position:       i,
			SubjectID:      g.Key.SubjectID,
			WorkItemID:     g.Key.WorkItemID,
			PeriodBucket:   g.Key.PeriodBucket,
			Status:         string(g.Status),
			Duplicate:      g.Duplicate,
			NeedsReview:    g.NeedsReview,
			Unit:           string(g.Unit),
			Variance:       g.VarianceMagnitude,
			Confidence:     g.Confidence,
			Severity:       string(g.Severity),
			MissingSources: missing,
			MemberIDs:      members,
		}
	}
	return rows
}

// Save implements report.ReportStore. The report header and its groups are
// written in one transaction.
func (s *PostgresReportStore) Save(ctx context.Context, report *domain.AuditReport) error {
	row, err := toReportRow(report)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin report tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_reports (run_id, generated_at, digest, groups_total, unresolved, needs_review, summary, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO NOTHING
	`, row.RunID, row.GeneratedAt, row.Digest, row.Groups, row.Unresolved, row.NeedsReview, row.Summary, row.Payload)
	if err != nil {
		return fmt.Errorf("insert audit report: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrReportExists, row.RunID)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_report_groups (
			run_id, position, subject_id, work_item_id, period_bucket, status,
			duplicate, needs_review, unit, variance, confidence, severity,
			missing_sources, member_ids
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	if err != nil {
		return fmt.Errorf("prepare group insert: %w", err)
	}
	defer stmt.Close()

	for _, g := range toGroupRows(report.Groups) {
		_, err := stmt.ExecContext(ctx,
			row.RunID,
			g.Position,
			g.SubjectID,
			g.WorkItemID,
			g.PeriodBucket,
			g.Status,
			g.Duplicate,
			g.NeedsReview,
			g.Unit,
			g.Variance,
			g.Confidence,
			g.Severity,
			pq.Array(g.MissingSources),
			pq.Array(g.MemberIDs),
		)
		if err != nil {
			return fmt.Errorf("insert group %d: %w", g.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

// Load returns a stored report by run id.
func (s *PostgresReportStore) Load(ctx context.Context, runID string) (*domain.AuditReport, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM audit_reports WHERE run_id = $1`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit report: %w", err)
	}
	var report domain.AuditReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("unmarshal audit report: %w", err)
	}
	return &report, nil
}

// RunSummary is a row of the run history.
type RunSummary struct {
	RunID       string
	GeneratedAt time.Time
	Digest      string
	Groups      int
	Unresolved  int
	NeedsReview int
}

// ListRuns returns the most recent runs, newest first.
func (s *PostgresReportStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, generated_at, digest, groups_total, unresolved, needs_review
		FROM audit_reports
		ORDER BY generated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit reports: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.GeneratedAt, &r.Digest, &r.Groups, &r.Unresolved, &r.NeedsReview); err != nil {
			return nil, fmt.Errorf("scan audit report: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit reports: %w", err)
	}
	return runs, nil
}
