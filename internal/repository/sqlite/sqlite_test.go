package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/crowfox/homestats/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "homestats.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ptr[T any](v T) *T {
	return &v
}

func TestInsertAndListRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	report := &domain.UsageReport{
		ID:               "r1",
		ReceivedAt:       time.Date(2026, 2, 1, 12, 0, 0, 250_000_000, time.UTC),
		Homeserver:       ptr("matrix.example.org"),
		TotalUsers:       ptr(120.0),
		DailyActiveRooms: ptr(7.5),
		Payload:          `{"total_users":120}`,
	}
	if err := store.InsertReport(ctx, report); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := store.ListReportsBefore(ctx, nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.ID != "r1" {
		t.Fatalf("unexpected id: %s", got.ID)
	}
	if !got.ReceivedAt.Equal(report.ReceivedAt) {
		t.Fatalf("timestamp lost millisecond precision: %v vs %v", got.ReceivedAt, report.ReceivedAt)
	}
	if got.Homeserver == nil || *got.Homeserver != "matrix.example.org" {
		t.Fatalf("unexpected homeserver: %v", got.Homeserver)
	}
	if got.ServerContext != nil {
		t.Fatal("absent server context should round-trip as nil")
	}
	if got.TotalUsers == nil || *got.TotalUsers != 120 {
		t.Fatalf("unexpected total users: %v", got.TotalUsers)
	}
	if got.MonthlyActiveUsers != nil {
		t.Fatal("absent metric should round-trip as nil")
	}
	if got.DailyActiveRooms == nil || *got.DailyActiveRooms != 7.5 {
		t.Fatalf("unexpected daily active rooms: %v", got.DailyActiveRooms)
	}
	if got.Payload != report.Payload {
		t.Fatalf("payload altered: %s", got.Payload)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		report := &domain.UsageReport{
			ID:         fmt.Sprintf("r%d", i),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
			Payload:    "{}",
		}
		if err := store.InsertReport(ctx, report); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	rows, err := store.ListReportsBefore(ctx, nil, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected limit respected, got %d rows", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if !rows[i].ReceivedAt.Before(rows[i-1].ReceivedAt) {
			t.Fatalf("rows not newest first at index %d", i)
		}
	}
	if rows[0].ID != "r4" {
		t.Fatalf("expected newest row first, got %s", rows[0].ID)
	}
}

func TestListCursorExcludesBoundary(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		report := &domain.UsageReport{
			ID:         fmt.Sprintf("r%d", i),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
			Payload:    "{}",
		}
		if err := store.InsertReport(ctx, report); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cursor := &domain.ReportCursor{ReceivedAt: base.Add(2 * time.Second), ID: "r2"}
	rows, err := store.ListReportsBefore(ctx, cursor, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows older than cursor, got %d", len(rows))
	}
	for _, row := range rows {
		if !row.ReceivedAt.Before(cursor.ReceivedAt) {
			t.Fatalf("row %s not older than cursor", row.ID)
		}
	}
}

func TestListCursorTieBreaksOnID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"aaa", "bbb", "ccc"} {
		report := &domain.UsageReport{ID: id, ReceivedAt: ts, Payload: "{}"}
		if err := store.InsertReport(ctx, report); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	cursor := &domain.ReportCursor{ReceivedAt: ts, ID: "bbb"}
	rows, err := store.ListReportsBefore(ctx, cursor, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "aaa" {
		t.Fatalf("expected only the lexically smaller id, got %+v", rows)
	}
}

func TestCountReports(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	count, err := store.CountReports(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected empty store, got %d (%v)", count, err)
	}

	for i := 0; i < 3; i++ {
		report := &domain.UsageReport{
			ID:         fmt.Sprintf("r%d", i),
			ReceivedAt: time.Now().UTC(),
			Payload:    "{}",
		}
		if err := store.InsertReport(ctx, report); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	count, err = store.CountReports(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 reports, got %d", count)
	}
}
