package repository

import (
	"context"

	"github.com/crowfox/homestats/internal/domain"
)

// ReportRepository persists usage reports.
type ReportRepository interface {
	// InsertReport appends a single report. Reports are never updated or
	// deleted through this interface.
	InsertReport(ctx context.Context, report *domain.UsageReport) error
	// ListReportsBefore returns up to limit reports strictly older than the
	// cursor, ordered by received_at descending then id descending. A nil
	// cursor starts from the newest report.
	ListReportsBefore(ctx context.Context, cursor *domain.ReportCursor, limit int) ([]domain.UsageReport, error)
	// CountReports returns the total number of stored reports.
	CountReports(ctx context.Context) (int64, error)
}
