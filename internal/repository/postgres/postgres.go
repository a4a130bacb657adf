package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crowfox/homestats/internal/domain"
	"github.com/crowfox/homestats/internal/repository"
)

// Repository implements report persistence on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.ReportRepository = (*Repository)(nil)

const reportColumns = `id, received_at, homeserver, server_context, total_users, total_room_count,
	daily_active_users, monthly_active_users, daily_messages, daily_sent_messages, daily_active_rooms, payload`

// InsertReport appends a usage report.
func (r *Repository) InsertReport(ctx context.Context, report *domain.UsageReport) error {
	const query = `INSERT INTO usage_reports (` + reportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		report.ID, report.ReceivedAt.UnixMilli(), report.Homeserver, report.ServerContext,
		report.TotalUsers, report.TotalRoomCount, report.DailyActiveUsers, report.MonthlyActiveUsers,
		report.DailyMessages, report.DailySentMessages, report.DailyActiveRooms, report.Payload)
	return err
}

// ListReportsBefore returns reports strictly older than the cursor, newest first.
func (r *Repository) ListReportsBefore(ctx context.Context, cursor *domain.ReportCursor, limit int) ([]domain.UsageReport, error) {
	query := `SELECT ` + reportColumns + ` FROM usage_reports
		ORDER BY received_at DESC, id DESC LIMIT $1`
	args := []any{limit}
	if cursor != nil {
		query = `SELECT ` + reportColumns + ` FROM usage_reports
			WHERE received_at < $1 OR (received_at = $1 AND id < $2)
			ORDER BY received_at DESC, id DESC LIMIT $3`
		args = []any{cursor.ReceivedAt.UnixMilli(), cursor.ID, limit}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]domain.UsageReport, 0, limit)
	for rows.Next() {
		var report domain.UsageReport
		var receivedAt int64
		if err := rows.Scan(&report.ID, &receivedAt, &report.Homeserver, &report.ServerContext,
			&report.TotalUsers, &report.TotalRoomCount, &report.DailyActiveUsers, &report.MonthlyActiveUsers,
			&report.DailyMessages, &report.DailySentMessages, &report.DailyActiveRooms, &report.Payload); err != nil {
			return nil, err
		}
		report.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// CountReports returns the total number of stored reports.
func (r *Repository) CountReports(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(1) FROM usage_reports`
	var count int64
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
