package report

import (
	"context"

	"workledger/internal/domain"
)

// ReportStore persists or emits a finished audit report. The builder calls it
// exactly once per completed run.
//
//go:generate mockgen -destination=mocks/mock_report_store.go -source=interface.go ReportStore
type ReportStore interface {
	Save(ctx context.Context, report *domain.AuditReport) error
}
