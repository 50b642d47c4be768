package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/baseline"
	"honeyguard/internal/config"
	"honeyguard/internal/features"
	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

type stubBaselines struct {
	entries map[string]model.BaselineEntry
	failGet map[string]bool
	updates []string
}

func newStub() *stubBaselines {
	return &stubBaselines{entries: map[string]model.BaselineEntry{}, failGet: map[string]bool{}}
}

func (s *stubBaselines) Get(_ context.Context, userID, feature string) (model.BaselineEntry, bool, error) {
	if s.failGet[feature] {
		return model.BaselineEntry{}, false, errors.New("backend down")
	}
	e, ok := s.entries[userID+"|"+feature]
	return e, ok, nil
}

func (s *stubBaselines) Update(_ context.Context, userID, feature string, observed float64, p baseline.Params) (model.BaselineEntry, error) {
	s.updates = append(s.updates, feature)
	prev, ok := s.entries[userID+"|"+feature]
	var prevPtr *model.BaselineEntry
	if ok {
		prevPtr = &prev
	}
	next := baseline.Next(prevPtr, userID, feature, observed, p, time.Now())
	s.entries[userID+"|"+feature] = next
	return next, nil
}

func defaultParams() Params {
	return ParamsFrom(config.DefaultDetection())
}

func TestFeatureScoreZeroExpected(t *testing.T) {
	require.Equal(t, 0.0, FeatureScore(0, 0.8, 0))
	require.Equal(t, 0.8, FeatureScore(0, 0.8, 3))
	require.Equal(t, 0.8, FeatureScore(0, 0.8, -0.001))
}

func TestFeatureScoreRelativeDiff(t *testing.T) {
	require.InDelta(t, 0.25, FeatureScore(10, 0.5, 15), 1e-12)
	// |expected| below 1 divides by 1.
	require.InDelta(t, 0.3, FeatureScore(0.5, 0.6, 1), 1e-12)
	require.Equal(t, 1.0, FeatureScore(10, 0.9, 22))
}

func TestAnalyzeWithoutBaselineScoresHalf(t *testing.T) {
	stub := newStub()
	s := NewScorer(stub, nil, defaultParams(), nil)
	ev := model.ActivityEvent{ID: "e1", UserID: "u1", ActivityType: "login", Resource: "r1", Timestamp: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	set := features.Extract(ev, time.UTC)

	a := s.Analyze(context.Background(), ev, set)
	require.Len(t, a.FeatureScores, len(set))
	for name, score := range a.FeatureScores {
		require.Equal(t, 0.5, score, name)
	}
	require.InDelta(t, 0.5, a.OverallScore, 1e-12)
	for _, name := range set.Names() {
		e, ok := stub.entries["u1|"+name]
		require.True(t, ok, name)
		require.Equal(t, 0.5, e.Confidence)
		require.Equal(t, set[name], e.Expected)
	}
}

func TestAnalyzeEstablishedBaselineDeviation(t *testing.T) {
	stub := newStub()
	stub.entries["u2|"+features.TimeOfDay] = model.BaselineEntry{UserID: "u2", Feature: features.TimeOfDay, Expected: 10, Confidence: 0.9, Version: 40}
	s := NewScorer(stub, nil, defaultParams(), nil)
	ev := model.ActivityEvent{ID: "e2", UserID: "u2", Timestamp: time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC)}

	a := s.Analyze(context.Background(), ev, features.Set{features.TimeOfDay: 22})
	require.Equal(t, 1.0, a.FeatureScores[features.TimeOfDay])
	require.Equal(t, 1.0, a.OverallScore)
	require.Empty(t, stub.updates, "anomalous observation must not feed the baseline")
	require.Equal(t, 10.0, stub.entries["u2|"+features.TimeOfDay].Expected)
}

func TestAnalyzeEmptySet(t *testing.T) {
	s := NewScorer(newStub(), nil, defaultParams(), nil)
	a := s.Analyze(context.Background(), model.ActivityEvent{ID: "e", UserID: "u"}, features.Set{})
	require.Equal(t, 0.0, a.OverallScore)
	require.Empty(t, a.FeatureScores)
}

func TestAnalyzeSkipsFeatureOnReadFailure(t *testing.T) {
	stub := newStub()
	stub.failGet[features.DayOfWeek] = true
	stub.entries["u|"+features.TimeOfDay] = model.BaselineEntry{Expected: 9, Confidence: 0.9}
	s := NewScorer(stub, nil, defaultParams(), nil)

	a := s.Analyze(context.Background(), model.ActivityEvent{ID: "e", UserID: "u"}, features.Set{
		features.TimeOfDay: 9,
		features.DayOfWeek: 3,
	})
	require.NotContains(t, a.FeatureScores, features.DayOfWeek)
	require.Equal(t, 0.0, a.OverallScore)
}

func TestAnalyzePersistsScores(t *testing.T) {
	store := storage.NewMemory()
	ts := time.Now().UTC().Add(-time.Minute)
	s := NewScorer(newStub(), store, defaultParams(), nil)
	ev := model.ActivityEvent{ID: "e9", UserID: "u9", ActivityType: "read", Timestamp: ts}

	s.Analyze(context.Background(), ev, features.Extract(ev, time.UTC))
	top, err := store.TopAnomalies(context.Background(), "u9", ts.Add(-time.Hour), ts, 10)
	require.NoError(t, err)
	require.Len(t, top, 4)
	for _, d := range top {
		require.Equal(t, "e9", d.EventID)
		require.Nil(t, d.Expected)
	}
}

func TestSetParamsChangesThresholds(t *testing.T) {
	stub := newStub()
	p := defaultParams()
	p.NoBaselineScore = 0.2
	s := NewScorer(stub, nil, defaultParams(), nil)
	s.SetParams(p)
	a := s.Analyze(context.Background(), model.ActivityEvent{ID: "e", UserID: "u"}, features.Set{features.TimeOfDay: 3})
	require.Equal(t, 0.2, a.OverallScore)
}
