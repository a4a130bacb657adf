package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/crowfox/homestats/internal/domain"
)

// stubRepo pages over an in-memory slice held newest first, mirroring the
// ordering contract of the real stores.
type stubRepo struct {
	rows    []domain.UsageReport
	listErr error
}

func (s *stubRepo) InsertReport(_ context.Context, _ *domain.UsageReport) error {
	return nil
}

func (s *stubRepo) ListReportsBefore(_ context.Context, cursor *domain.ReportCursor, limit int) ([]domain.UsageReport, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.UsageReport
	for _, row := range s.rows {
		if cursor != nil {
			older := row.ReceivedAt.Before(cursor.ReceivedAt) ||
				(row.ReceivedAt.Equal(cursor.ReceivedAt) && row.ID < cursor.ID)
			if !older {
				continue
			}
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubRepo) CountReports(_ context.Context) (int64, error) {
	return int64(len(s.rows)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRows(n int) []domain.UsageReport {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]domain.UsageReport, 0, n)
	// Newest first, ids chosen so lexical order matches recency.
	for i := n - 1; i >= 0; i-- {
		rows = append(rows, domain.UsageReport{
			ID:         fmt.Sprintf("report-%03d", i),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
			Payload:    "{}",
		})
	}
	return rows
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", DefaultPageLimit},
		{"   ", DefaultPageLimit},
		{"abc", DefaultPageLimit},
		{"3.5", DefaultPageLimit},
		{"0", 1},
		{"-10", 1},
		{"1", 1},
		{"250", 250},
		{"1000", 1000},
		{"5000", MaxPageLimit},
	}
	for _, tc := range cases {
		if got := ClampLimit(tc.raw); got != tc.want {
			t.Fatalf("ClampLimit(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestParseCursor(t *testing.T) {
	cursor := ParseCursor("1700000000000:abc-123")
	if cursor == nil {
		t.Fatal("expected cursor")
	}
	if cursor.ReceivedAt.UnixMilli() != 1700000000000 || cursor.ID != "abc-123" {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}

	// Only the first colon splits; the id keeps any of its own.
	cursor = ParseCursor("1700000000000:id:with:colons")
	if cursor == nil || cursor.ID != "id:with:colons" {
		t.Fatalf("expected colons preserved in id, got %+v", cursor)
	}

	for _, raw := range []string{"", "notanumber:id", "1700000000000:", "1700000000000", ":id"} {
		if got := ParseCursor(raw); got != nil {
			t.Fatalf("ParseCursor(%q) = %+v, want nil", raw, got)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	report := domain.UsageReport{
		ID:         "some:id",
		ReceivedAt: time.Date(2026, 2, 1, 12, 30, 0, 250_000_000, time.UTC),
	}
	cursor := ParseCursor(EncodeCursor(report))
	if cursor == nil {
		t.Fatal("expected cursor")
	}
	if !cursor.ReceivedAt.Equal(report.ReceivedAt) || cursor.ID != report.ID {
		t.Fatalf("round trip lost data: %+v", cursor)
	}
}

func TestListReversesAndSetsLatest(t *testing.T) {
	svc := New(&stubRepo{rows: makeRows(5)}, testLogger())

	page, err := svc.List(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Reports) != 5 {
		t.Fatalf("expected 5 reports, got %d", len(page.Reports))
	}
	for i := 1; i < len(page.Reports); i++ {
		if page.Reports[i-1].ReceivedAt >= page.Reports[i].ReceivedAt {
			t.Fatalf("reports not in ascending time order at index %d", i)
		}
	}
	if page.Latest == nil || page.Latest.ReceivedAt != page.Reports[len(page.Reports)-1].ReceivedAt {
		t.Fatal("latest should be the newest report on the page")
	}
	if page.Pagination.NextCursor != nil {
		t.Fatalf("expected no next cursor on a short page, got %q", *page.Pagination.NextCursor)
	}
	if page.Pagination.Limit != 10 {
		t.Fatalf("expected limit echoed back, got %d", page.Pagination.Limit)
	}
}

func TestListPagesWithoutOverlap(t *testing.T) {
	svc := New(&stubRepo{rows: makeRows(7)}, testLogger())

	first, err := svc.List(context.Background(), 3, nil)
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(first.Reports) != 3 || first.Pagination.NextCursor == nil {
		t.Fatalf("expected full first page with cursor, got %d reports", len(first.Reports))
	}

	second, err := svc.List(context.Background(), 3, ParseCursor(*first.Pagination.NextCursor))
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(second.Reports) != 3 {
		t.Fatalf("expected full second page, got %d", len(second.Reports))
	}

	seen := make(map[int64]bool)
	for _, r := range append(first.Reports, second.Reports...) {
		if seen[r.ReceivedAt] {
			t.Fatalf("timestamp %d appears on both pages", r.ReceivedAt)
		}
		seen[r.ReceivedAt] = true
	}
	// Everything on page two predates everything on page one.
	if second.Reports[len(second.Reports)-1].ReceivedAt >= first.Reports[0].ReceivedAt {
		t.Fatal("second page must be strictly older than the first")
	}
}

func TestListTieBreaksOnID(t *testing.T) {
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := []domain.UsageReport{
		{ID: "ccc", ReceivedAt: ts, Payload: "{}"},
		{ID: "bbb", ReceivedAt: ts, Payload: "{}"},
		{ID: "aaa", ReceivedAt: ts, Payload: "{}"},
	}
	svc := New(&stubRepo{rows: rows}, testLogger())

	first, err := svc.List(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if first.Pagination.NextCursor == nil {
		t.Fatal("expected cursor after full page")
	}
	second, err := svc.List(context.Background(), 2, ParseCursor(*first.Pagination.NextCursor))
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(second.Reports) != 1 {
		t.Fatalf("expected only the remaining same-timestamp row, got %d", len(second.Reports))
	}
}

func TestListPropagatesStoreError(t *testing.T) {
	svc := New(&stubRepo{listErr: errors.New("query timeout")}, testLogger())
	if _, err := svc.List(context.Background(), 10, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestExpandRecoversPayloadFields(t *testing.T) {
	total := 120.0
	report := domain.UsageReport{
		ID:         "r1",
		ReceivedAt: time.UnixMilli(1700000000123).UTC(),
		TotalUsers: &total,
		Payload:    `{"total_users":120,"cpu_average":1.5,"stats":{"memory_rss":4096}}`,
	}

	wire := Expand(report)
	if wire.ReceivedAt != 1700000000123 {
		t.Fatalf("unexpected receivedAt: %d", wire.ReceivedAt)
	}
	if wire.TotalUsers == nil || *wire.TotalUsers != 120 {
		t.Fatalf("unexpected totalUsers: %v", wire.TotalUsers)
	}
	if wire.CPUAverage == nil || *wire.CPUAverage != 1.5 {
		t.Fatalf("expected cpu_average recovered from payload, got %v", wire.CPUAverage)
	}
	if wire.MemoryRSS == nil || *wire.MemoryRSS != 4096 {
		t.Fatalf("expected stats fallback for memory_rss, got %v", wire.MemoryRSS)
	}
	if wire.R30v2UsersWeb != nil {
		t.Fatal("absent payload field should be nil")
	}
}

func TestExpandToleratesBadPayload(t *testing.T) {
	report := domain.UsageReport{
		ID:         "r2",
		ReceivedAt: time.UnixMilli(1700000000000).UTC(),
		Payload:    "not json at all",
	}
	wire := Expand(report)
	if wire.CPUAverage != nil || wire.EventCacheSize != nil {
		t.Fatal("unparseable payload should yield nil derived fields")
	}
}
