// Package sqlite provides an embedded report store for single-node
// deployments where running PostgreSQL is not worth the trouble.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crowfox/homestats/internal/domain"
	"github.com/crowfox/homestats/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

// Store implements report persistence on SQLite.
type Store struct {
	db *sql.DB
}

var _ repository.ReportRepository = (*Store)(nil)

// Open opens (creating if necessary) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	// WAL keeps concurrent ingestion writes from blocking page reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const reportColumns = `id, received_at, homeserver, server_context, total_users, total_room_count,
	daily_active_users, monthly_active_users, daily_messages, daily_sent_messages, daily_active_rooms, payload`

// InsertReport appends a usage report.
func (s *Store) InsertReport(ctx context.Context, report *domain.UsageReport) error {
	const query = `INSERT INTO usage_reports (` + reportColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		report.ID, report.ReceivedAt.UnixMilli(), report.Homeserver, report.ServerContext,
		report.TotalUsers, report.TotalRoomCount, report.DailyActiveUsers, report.MonthlyActiveUsers,
		report.DailyMessages, report.DailySentMessages, report.DailyActiveRooms, report.Payload)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// ListReportsBefore returns reports strictly older than the cursor, newest first.
func (s *Store) ListReportsBefore(ctx context.Context, cursor *domain.ReportCursor, limit int) ([]domain.UsageReport, error) {
	query := `SELECT ` + reportColumns + ` FROM usage_reports
		ORDER BY received_at DESC, id DESC LIMIT ?`
	args := []any{limit}
	if cursor != nil {
		query = `SELECT ` + reportColumns + ` FROM usage_reports
			WHERE received_at < ? OR (received_at = ? AND id < ?)
			ORDER BY received_at DESC, id DESC LIMIT ?`
		ms := cursor.ReceivedAt.UnixMilli()
		args = []any{ms, ms, cursor.ID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *Store) CountReports(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM usage_reports`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
