// Package ingest validates, normalizes and stores pushed usage reports.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crowfox/homestats/internal/domain"
	"github.com/crowfox/homestats/internal/repository"
	"github.com/crowfox/homestats/internal/service/reports"
	"github.com/crowfox/homestats/internal/ws"
)

// Service handles report ingestion.
type Service struct {
	repo   repository.ReportRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Service. The hub may be nil when live streaming is not wired.
func New(repo repository.ReportRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger, now: time.Now}
}

// Ingest validates the raw body, assigns server-side identity and timestamp,
// and appends exactly one report. Validation failures surface as
// *ValidationError before any write happens.
func (s Service) Ingest(ctx context.Context, rawBody []byte) (*domain.UsageReport, error) {
	record, err := ValidatePayload(rawBody)
	if err != nil {
		return nil, err
	}

	report := &domain.UsageReport{
		ID:         uuid.NewString(),
		ReceivedAt: s.now().UTC().Truncate(time.Millisecond),
		Payload:    string(rawBody),
	}
	if value, ok := record["homeserver"].(string); ok {
		report.Homeserver = &value
	}
	if value, ok := record["server_context"].(string); ok {
		report.ServerContext = &value
	}
	report.TotalUsers = extractNumber(record, "total_users")
	report.TotalRoomCount = extractNumber(record, "total_room_count")
	report.DailyActiveUsers = extractNumber(record, "daily_active_users")
	report.MonthlyActiveUsers = extractNumber(record, "monthly_active_users")
	report.DailyMessages = extractNumber(record, "daily_messages")
	report.DailySentMessages = extractNumber(record, "daily_sent_messages")
	report.DailyActiveRooms = extractNumber(record, "daily_active_rooms")

	if err := s.repo.InsertReport(ctx, report); err != nil {
		return nil, fmt.Errorf("insert report: %w", err)
	}
	s.logger.Info("usage report stored", "id", report.ID)
	s.publish(report)
	return report, nil
}

func (s Service) publish(report *domain.UsageReport) {
	if s.hub == nil {
		return
	}
	data, err := json.Marshal(reports.Expand(*report))
	if err != nil {
		s.logger.Warn("failed to marshal report for streaming", "error", err)
		return
	}
	s.hub.Broadcast(data)
}
