package features

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"honeyguard/internal/model"
)

const (
	TimeOfDay        = "time_of_day"
	DayOfWeek        = "day_of_week"
	ResourceType     = "resource_type"
	ActivityType     = "activity_type"
	ActivityDuration = "activity_duration"
	BytesTransferred = "bytes_transferred"
	AccessCount      = "access_count"
)

// optional maps detail keys to the feature they feed.
var optional = []struct {
	key     string
	feature string
}{
	{"duration", ActivityDuration},
	{"bytes_transferred", BytesTransferred},
	{"access_count", AccessCount},
}

type Set map[string]float64

func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CategoricalHash maps a label into [0, 1). The value is fixed by murmur3 and
// must not change between releases, baselines depend on it.
func CategoricalHash(value string) float64 {
	return float64(murmur3.Sum32([]byte(value))%1000) / 1000
}

func Extract(ev model.ActivityEvent, loc *time.Location) Set {
	if loc == nil {
		loc = time.UTC
	}
	ts := ev.Timestamp.In(loc)
	set := Set{
		TimeOfDay:    float64(ts.Hour()),
		DayOfWeek:    float64((int(ts.Weekday()) + 6) % 7),
		ActivityType: CategoricalHash(ev.ActivityType),
		ResourceType: CategoricalHash(resourceCategory(ev.Resource)),
	}
	for _, opt := range optional {
		raw, ok := ev.Details[opt.key]
		if !ok {
			continue
		}
		if v, ok := Numeric(raw); ok {
			set[opt.feature] = v
		}
	}
	return set
}

func resourceCategory(resource string) string {
	if i := strings.IndexByte(resource, '/'); i >= 0 {
		return resource[:i]
	}
	return resource
}

// Numeric coerces a detail value to a finite float. Booleans and anything
// non-numeric are rejected.
func Numeric(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
