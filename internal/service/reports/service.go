// Package reports serves reverse-chronological pages of stored usage reports.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/crowfox/homestats/internal/domain"
	"github.com/crowfox/homestats/internal/repository"
)

const (
	// DefaultPageLimit applies when the caller sends no usable limit.
	DefaultPageLimit = 200
	// MaxPageLimit caps a single page.
	MaxPageLimit = 1000
)

// Service pages through stored reports.
type Service struct {
	repo   repository.ReportRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(repo repository.ReportRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// Page is one page of reports, oldest to newest, with the cursor for the
// next (older) page when more records may exist.
type Page struct {
	Latest     *Report    `json:"latest"`
	Reports    []Report   `json:"reports"`
	Pagination Pagination `json:"pagination"`
}

// Pagination carries paging metadata for a Page.
type Pagination struct {
	Limit      int     `json:"limit"`
	NextCursor *string `json:"nextCursor"`
}

// ClampLimit parses a raw limit query value, defaulting to DefaultPageLimit
// and clamping to [1, MaxPageLimit].
func ClampLimit(raw string) int {
	if strings.TrimSpace(raw) == "" {
		return DefaultPageLimit
	}
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return DefaultPageLimit
	}
	if limit < 1 {
		return 1
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// ParseCursor decodes an opaque "receivedAtMillis:id" token. Malformed tokens
// are treated as no cursor rather than an error.
func ParseCursor(raw string) *domain.ReportCursor {
	if raw == "" {
		return nil
	}
	tsPart, id, found := strings.Cut(raw, ":")
	if !found || id == "" {
		return nil
	}
	ms, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return nil
	}
	return &domain.ReportCursor{ReceivedAt: time.UnixMilli(ms).UTC(), ID: id}
}

// EncodeCursor renders the opaque token for a report boundary.
func EncodeCursor(report domain.UsageReport) string {
	return fmt.Sprintf("%d:%s", report.ReceivedAt.UnixMilli(), report.ID)
}

// List fetches one page of reports strictly older than the cursor. Rows come
// back from the store newest first and are reversed here so callers can append
// pages and keep time increasing within each page. NextCursor is set only when
// the page filled, i.e. older records may remain.
func (s Service) List(ctx context.Context, limit int, cursor *domain.ReportCursor) (Page, error) {
	if limit < 1 || limit > MaxPageLimit {
		limit = DefaultPageLimit
	}

	rows, err := s.repo.ListReportsBefore(ctx, cursor, limit)
	if err != nil {
		return Page{}, fmt.Errorf("list reports: %w", err)
	}

	reports := make([]Report, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		reports = append(reports, Expand(rows[i]))
	}

	page := Page{Reports: reports, Pagination: Pagination{Limit: limit}}
	if len(reports) > 0 {
		page.Latest = &reports[len(reports)-1]
	}
	if len(rows) == limit {
		next := EncodeCursor(rows[len(rows)-1])
		page.Pagination.NextCursor = &next
	}
	return page, nil
}

// Count returns the total number of stored reports.
func (s Service) Count(ctx context.Context) (int64, error) {
	return s.repo.CountReports(ctx)
}
