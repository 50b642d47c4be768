package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/model"
)

func event(ts time.Time, details model.Details) model.ActivityEvent {
	return model.ActivityEvent{
		ID:           "ev-1",
		UserID:       "alice",
		ActivityType: "file_read",
		Resource:     "finance/q3.xlsx",
		Timestamp:    ts,
		Details:      details,
	}
}

func TestAlwaysPresentFeatures(t *testing.T) {
	// 2026-03-02 is a Monday.
	ts := time.Date(2026, 3, 2, 14, 5, 0, 0, time.UTC)
	set := Extract(event(ts, nil), time.UTC)
	require.Len(t, set, 4)
	require.Equal(t, 14.0, set[TimeOfDay])
	require.Equal(t, 0.0, set[DayOfWeek])
	require.Equal(t, CategoricalHash("finance"), set[ResourceType])
	require.Equal(t, CategoricalHash("file_read"), set[ActivityType])
}

func TestSundayIsSix(t *testing.T) {
	ts := time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC)
	set := Extract(event(ts, nil), time.UTC)
	require.Equal(t, 6.0, set[DayOfWeek])
}

func TestTimezoneApplied(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	set := Extract(event(ts, nil), loc)
	require.Equal(t, 1.0, set[TimeOfDay])
	require.Equal(t, 1.0, set[DayOfWeek])
}

func TestResourceWithoutSlashUsesWholeIdentifier(t *testing.T) {
	ev := event(time.Now(), nil)
	ev.Resource = "payroll_db"
	require.Equal(t, CategoricalHash("payroll_db"), Extract(ev, nil)[ResourceType])
}

func TestOptionalFeatures(t *testing.T) {
	set := Extract(event(time.Now(), model.Details{
		"duration":          "12.5",
		"bytes_transferred": 2048.0,
		"access_count":      "lots",
		"unrelated":         7.0,
	}), nil)
	require.Equal(t, 12.5, set[ActivityDuration])
	require.Equal(t, 2048.0, set[BytesTransferred])
	_, ok := set[AccessCount]
	require.False(t, ok, "unparseable value must be omitted, not zero-filled")
	require.Len(t, set, 6)
}

func TestNumericRejectsBoolAndNonFinite(t *testing.T) {
	for _, v := range []any{true, "NaN", "+Inf", nil, []int{1}} {
		_, ok := Numeric(v)
		require.False(t, ok, "value %v", v)
	}
}

func TestCategoricalHashStableAndBounded(t *testing.T) {
	for _, s := range []string{"", "login", "file_read", "a/b/c", "日本"} {
		h := CategoricalHash(s)
		require.GreaterOrEqual(t, h, 0.0)
		require.Less(t, h, 1.0)
		require.Equal(t, h, CategoricalHash(s))
	}
}
