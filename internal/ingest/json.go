package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"honeyguard/internal/normalize"
)

var fieldAliases = map[string][]string{
	"id":            {"id", "event_id"},
	"user_id":       {"user_id", "user", "userid", "subject"},
	"activity_type": {"activity_type", "activity", "action", "event_type"},
	"resource":      {"resource", "path", "object", "file"},
	"ip_address":    {"ip_address", "ip", "src_ip", "client_ip"},
	"user_agent":    {"user_agent", "ua"},
	"session_id":    {"session_id", "session"},
	"timestamp":     {"timestamp", "time", "ts"},
}

var aliasOf = func() map[string]string {
	out := map[string]string{}
	for field, aliases := range fieldAliases {
		for _, a := range aliases {
			out[a] = field
		}
	}
	return out
}()

func ParseJSONBytes(data []byte) (*normalize.Submission, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap maps known keys and their aliases onto the submission. A nested
// "details" object is merged with every unrecognised top-level key.
func ParseJSONMap(obj map[string]any) *normalize.Submission {
	sub := &normalize.Submission{Details: map[string]any{}}
	for key, val := range obj {
		k := strings.ToLower(strings.TrimSpace(key))
		if k == "details" {
			if nested, ok := val.(map[string]any); ok {
				for dk, dv := range nested {
					sub.Details[dk] = dv
				}
				continue
			}
		}
		if field, ok := aliasOf[k]; ok {
			if assignField(sub, field, stringValue(val)) {
				continue
			}
		}
		sub.Details[key] = val
	}
	if len(sub.Details) == 0 {
		sub.Details = nil
	}
	return sub
}

// assignField sets a known field unless an earlier alias already did.
func assignField(sub *normalize.Submission, field, value string) bool {
	target := map[string]*string{
		"id":            &sub.ID,
		"user_id":       &sub.UserID,
		"activity_type": &sub.ActivityType,
		"resource":      &sub.Resource,
		"ip_address":    &sub.IPAddress,
		"user_agent":    &sub.UserAgent,
		"session_id":    &sub.SessionID,
		"timestamp":     &sub.Timestamp,
	}[field]
	if target == nil {
		return false
	}
	if *target == "" {
		*target = strings.TrimSpace(value)
	}
	return true
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
