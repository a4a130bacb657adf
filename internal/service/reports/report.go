package reports

import (
	"github.com/tidwall/gjson"

	"github.com/crowfox/homestats/internal/domain"
)

// Report is the wire representation of a usage report. Promoted columns come
// straight from the store; the remaining fields are recovered from the raw
// payload at read time so the schema never has to chase the reporting format.
type Report struct {
	ReceivedAt            int64    `json:"receivedAt"`
	Homeserver            *string  `json:"homeserver"`
	ServerContext         *string  `json:"serverContext"`
	TotalUsers            *float64 `json:"totalUsers"`
	TotalRoomCount        *float64 `json:"totalRoomCount"`
	DailyActiveUsers      *float64 `json:"dailyActiveUsers"`
	MonthlyActiveUsers    *float64 `json:"monthlyActiveUsers"`
	DailyMessages         *float64 `json:"dailyMessages"`
	DailySentMessages     *float64 `json:"dailySentMessages"`
	DailyActiveRooms      *float64 `json:"dailyActiveRooms"`
	DailyE2eeMessages     *float64 `json:"dailyE2eeMessages"`
	DailySentE2eeMessages *float64 `json:"dailySentE2eeMessages"`
	DailyActiveE2eeRooms  *float64 `json:"dailyActiveE2eeRooms"`
	DailyUserTypeNative   *float64 `json:"dailyUserTypeNative"`
	DailyUserTypeBridged  *float64 `json:"dailyUserTypeBridged"`
	DailyUserTypeGuest    *float64 `json:"dailyUserTypeGuest"`
	CPUAverage            *float64 `json:"cpuAverage"`
	MemoryRSS             *float64 `json:"memoryRss"`
	CacheFactor           *float64 `json:"cacheFactor"`
	EventCacheSize        *float64 `json:"eventCacheSize"`
	R30v2UsersAll         *float64 `json:"r30v2UsersAll"`
	R30v2UsersAndroid     *float64 `json:"r30v2UsersAndroid"`
	R30v2UsersElectron    *float64 `json:"r30v2UsersElectron"`
	R30v2UsersIos         *float64 `json:"r30v2UsersIos"`
	R30v2UsersWeb         *float64 `json:"r30v2UsersWeb"`
}

// Expand converts a stored report to its wire shape. Fields not promoted to
// columns are read from the raw payload; an unparseable payload simply yields
// nulls for those fields.
func Expand(report domain.UsageReport) Report {
	payload := []byte(report.Payload)
	return Report{
		ReceivedAt:            report.ReceivedAt.UnixMilli(),
		Homeserver:            report.Homeserver,
		ServerContext:         report.ServerContext,
		TotalUsers:            report.TotalUsers,
		TotalRoomCount:        report.TotalRoomCount,
		DailyActiveUsers:      report.DailyActiveUsers,
		MonthlyActiveUsers:    report.MonthlyActiveUsers,
		DailyMessages:         report.DailyMessages,
		DailySentMessages:     report.DailySentMessages,
		DailyActiveRooms:      report.DailyActiveRooms,
		DailyE2eeMessages:     payloadNumber(payload, "daily_e2ee_messages"),
		DailySentE2eeMessages: payloadNumber(payload, "daily_sent_e2ee_messages"),
		DailyActiveE2eeRooms:  payloadNumber(payload, "daily_active_e2ee_rooms"),
		DailyUserTypeNative:   payloadNumber(payload, "daily_user_type_native"),
		DailyUserTypeBridged:  payloadNumber(payload, "daily_user_type_bridged"),
		DailyUserTypeGuest:    payloadNumber(payload, "daily_user_type_guest"),
		CPUAverage:            payloadNumber(payload, "cpu_average"),
		MemoryRSS:             payloadNumber(payload, "memory_rss"),
		CacheFactor:           payloadNumber(payload, "cache_factor"),
		EventCacheSize:        payloadNumber(payload, "event_cache_size"),
		R30v2UsersAll:         payloadNumber(payload, "r30v2_users_all"),
		R30v2UsersAndroid:     payloadNumber(payload, "r30v2_users_android"),
		R30v2UsersElectron:    payloadNumber(payload, "r30v2_users_electron"),
		R30v2UsersIos:         payloadNumber(payload, "r30v2_users_ios"),
		R30v2UsersWeb:         payloadNumber(payload, "r30v2_users_web"),
	}
}

// payloadNumber reads a numeric field from the raw payload, preferring the
// top-level occurrence over the nested stats occurrence, matching the
// precedence used when columns are promoted at write time.
func payloadNumber(payload []byte, key string) *float64 {
	result := gjson.GetBytes(payload, key)
	if result.Type != gjson.Number {
		result = gjson.GetBytes(payload, "stats."+key)
	}
	if result.Type != gjson.Number {
		return nil
	}
	value := result.Num
	return &value
}
