package ingest

import (
	"encoding/json"
	"fmt"
)

// knownNumericKeys are the counters and gauges a homeserver may report,
// either at the top level of the payload or nested under "stats".
var knownNumericKeys = []string{
	"total_users",
	"total_room_count",
	"daily_active_users",
	"monthly_active_users",
	"daily_messages",
	"daily_sent_messages",
	"daily_active_rooms",
	"daily_e2ee_messages",
	"daily_sent_e2ee_messages",
	"daily_active_e2ee_rooms",
	"daily_user_type_native",
	"daily_user_type_bridged",
	"daily_user_type_guest",
	"cpu_average",
	"memory_rss",
	"cache_factor",
	"event_cache_size",
	"r30v2_users_all",
	"r30v2_users_android",
	"r30v2_users_electron",
	"r30v2_users_ios",
	"r30v2_users_web",
}

// ValidationError describes a payload the gateway refuses to store. The
// reason is returned verbatim to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ValidatePayload checks a raw report body against the expected shape and
// returns the decoded object. It is a pure function of the payload: the same
// body always produces the same accept/reject decision. A payload is accepted
// only when at least one known numeric field is present, top-level or under
// "stats"; unrecognized keys are ignored.
func ValidatePayload(raw []byte) (map[string]any, error) {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ValidationError{Reason: "Invalid JSON"}
	}
	record, ok := parsed.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: "Payload must be an object"}
	}

	statsRaw, hasStats := record["stats"]
	var stats map[string]any
	if hasStats {
		if stats, ok = statsRaw.(map[string]any); !ok {
			return nil, &ValidationError{Reason: "Payload stats must be an object"}
		}
	}

	for _, key := range []string{"homeserver", "server_context"} {
		if value, present := record[key]; present {
			if _, ok := value.(string); !ok {
				return nil, &ValidationError{Reason: fmt.Sprintf("Payload %s must be a string", key)}
			}
		}
	}

	hasKnownNumber := false
	for _, key := range knownNumericKeys {
		if value, present := record[key]; present {
			if _, ok := value.(float64); !ok {
				return nil, &ValidationError{Reason: fmt.Sprintf("Payload %s must be a number", key)}
			}
			hasKnownNumber = true
		}
		if value, present := stats[key]; present {
			if _, ok := value.(float64); !ok {
				return nil, &ValidationError{Reason: fmt.Sprintf("Payload stats.%s must be a number", key)}
			}
			hasKnownNumber = true
		}
	}
	if !hasKnownNumber {
		return nil, &ValidationError{Reason: "Payload is missing known usage fields"}
	}

	return record, nil
}

// extractNumber resolves a known numeric field, preferring the top-level
// occurrence over the nested stats occurrence when both are present.
func extractNumber(record map[string]any, key string) *float64 {
	if value, ok := record[key].(float64); ok {
		return &value
	}
	if stats, ok := record["stats"].(map[string]any); ok {
		if value, ok := stats[key].(float64); ok {
			return &value
		}
	}
	return nil
}
