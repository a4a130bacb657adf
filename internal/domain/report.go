package domain

import "time"

// UsageReport is one telemetry push from a homeserver. Reports are immutable
// once written; ReceivedAt is assigned by the server at ingestion time with
// millisecond precision and ID breaks ordering ties between reports that
// arrive in the same millisecond.
type UsageReport struct {
	ID                 string
	ReceivedAt         time.Time
	Homeserver         *string
	ServerContext      *string
	TotalUsers         *float64
	TotalRoomCount     *float64
	DailyActiveUsers   *float64
	MonthlyActiveUsers *float64
	DailyMessages      *float64
	DailySentMessages  *float64
	DailyActiveRooms   *float64
	Payload            string
}

// ReportCursor marks a pagination boundary. Records qualify when they are
// strictly older: received before the cursor timestamp, or received in the
// same millisecond with a lexicographically smaller ID.
type ReportCursor struct {
	ReceivedAt time.Time
	ID         string
}
