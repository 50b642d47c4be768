package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"honeyguard/internal/model"
)

// Submission is an activity as received from a transport, before validation.
type Submission struct {
	ID           string         `json:"id,omitempty"`
	UserID       string         `json:"user_id"`
	ActivityType string         `json:"activity_type"`
	Resource     string         `json:"resource,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    string         `json:"timestamp,omitempty"`
	Source       string         `json:"-"`
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Normalize validates a submission and turns it into an immutable event.
// Timestamps without a zone are read in loc; a missing timestamp means now.
func Normalize(s Submission, loc *time.Location, now time.Time) (model.ActivityEvent, error) {
	if loc == nil {
		loc = time.UTC
	}
	user := strings.TrimSpace(s.UserID)
	if user == "" {
		return model.ActivityEvent{}, invalid("user_id", "required")
	}
	activity := strings.TrimSpace(s.ActivityType)
	if activity == "" {
		return model.ActivityEvent{}, invalid("activity_type", "required")
	}
	ip := strings.TrimSpace(s.IPAddress)
	if ip != "" && net.ParseIP(ip) == nil {
		return model.ActivityEvent{}, invalid("ip_address", fmt.Sprintf("%q is not an IP address", ip))
	}
	ts := now.UTC()
	if strings.TrimSpace(s.Timestamp) != "" {
		parsed, err := ParseTimestamp(s.Timestamp, loc)
		if err != nil {
			return model.ActivityEvent{}, invalid("timestamp", err.Error())
		}
		ts = parsed.UTC()
	}
	details, err := normalizeDetails(s.Details)
	if err != nil {
		return model.ActivityEvent{}, err
	}
	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return model.ActivityEvent{
		ID:           id,
		UserID:       user,
		ActivityType: activity,
		Resource:     strings.TrimSpace(s.Resource),
		IPAddress:    ip,
		UserAgent:    s.UserAgent,
		SessionID:    strings.TrimSpace(s.SessionID),
		Details:      details,
		Timestamp:    ts,
		Source:       s.Source,
	}, nil
}

// normalizeDetails keeps primitives as they are. Nested values are kept as
// their JSON text so nothing submitted is lost.
func normalizeDetails(in map[string]any) (model.Details, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(model.Details, len(in))
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			return nil, invalid("details", "empty key")
		}
		switch val := v.(type) {
		case nil, string, bool, float64:
			out[key] = val
		case int:
			out[key] = float64(val)
		case int64:
			out[key] = float64(val)
		case json.Number:
			if f, err := val.Float64(); err == nil {
				out[key] = f
			} else {
				out[key] = val.String()
			}
		default:
			data, err := json.Marshal(val)
			if err != nil {
				return nil, invalid("details."+key, err.Error())
			}
			out[key] = string(data)
		}
	}
	return out, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix reads seconds, or milliseconds for 13+ digit values.
func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
