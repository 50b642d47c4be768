package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

func TestComputeNoAlerts(t *testing.T) {
	r := Compute(nil, 0)
	require.Equal(t, 20.0, r.NormalizedScore)
	require.Equal(t, "low", r.Category)
	require.Equal(t, 0.0, r.RawScore)

	r = Compute(map[model.Severity]int{}, 0.5)
	require.InDelta(t, 35.0, r.NormalizedScore, 1e-12)
	require.InDelta(t, 15.0, r.RawScore, 1e-12)
}

func TestComputeWeightsAndLog(t *testing.T) {
	counts := map[model.Severity]int{model.SeverityHigh: 1, model.SeverityMedium: 2}
	r := Compute(counts, 0.4)
	// alertScore = 5 + 6 = 11
	want := 20 + 50*math.Log10(12) + 12
	require.InDelta(t, want, r.NormalizedScore, 1e-9)
	require.InDelta(t, 0.7*11+12, r.RawScore, 1e-9)
	require.Equal(t, 3, r.AlertCount)
	require.Equal(t, "critical", r.Category)
}

func TestComputeUnknownSeverityWeighsOne(t *testing.T) {
	a := Compute(map[model.Severity]int{"weird": 2}, 0)
	b := Compute(map[model.Severity]int{model.SeverityLow: 2}, 0)
	require.Equal(t, b.NormalizedScore, a.NormalizedScore)
}

func TestComputeCapsAtHundred(t *testing.T) {
	r := Compute(map[model.Severity]int{model.SeverityCritical: 1000}, 1)
	require.Equal(t, 100.0, r.NormalizedScore)
}

func TestCategoryBoundaries(t *testing.T) {
	require.Equal(t, "high", Category(80.0))
	require.Equal(t, "critical", Category(80.01))
	require.Equal(t, "medium", Category(60.0))
	require.Equal(t, "high", Category(60.5))
	require.Equal(t, "low", Category(40.0))
	require.Equal(t, "medium", Category(40.001))
}

func TestServiceUserRiskAndRanking(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.SaveAlert(ctx, model.Alert{ID: "a1", UserID: "eve", Type: model.AlertAccess, Severity: model.SeverityHigh, State: model.StateResolved, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, store.SaveAlert(ctx, model.Alert{ID: "a2", UserID: "eve", Type: model.AlertBehavior, Severity: model.SeverityMedium, State: model.StateOpen, CreatedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, store.SaveAlert(ctx, model.Alert{ID: "a3", UserID: "eve", Type: model.AlertBehavior, Severity: model.SeverityCritical, State: model.StateOpen, CreatedAt: now.Add(-40 * 24 * time.Hour)}))
	_, err := store.SaveActivity(ctx, model.ActivityEvent{ID: "e1", UserID: "bob", ActivityType: "login", Timestamp: now})
	require.NoError(t, err)
	require.NoError(t, store.SaveAnomalyScores(ctx, []model.AnomalyScore{
		{ID: "s1", UserID: "eve", EventID: "x", Feature: "f", Score: 0.2, Timestamp: now.Add(-time.Hour)},
		{ID: "s2", UserID: "eve", EventID: "x", Feature: "g", Score: 0.6, Timestamp: now.Add(-time.Hour)},
	}))

	svc := NewService(store, 30*24*time.Hour)
	r, err := svc.UserRisk(ctx, "eve")
	require.NoError(t, err)
	require.Equal(t, "eve", r.UserID)
	require.Equal(t, 2, r.AlertCount)
	require.InDelta(t, 0.4, r.AvgAnomalyScore, 1e-12)
	require.InDelta(t, 20+50*math.Log10(9)+12, r.NormalizedScore, 1e-9)

	top, err := svc.TopRisky(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, "eve", top[0].UserID)
}
