package evidence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

func defaultParams() Params {
	return ParamsFrom(config.DefaultConfig().Evidence)
}

func seedAccess(t *testing.T, store storage.Store, at time.Time) model.Alert {
	t.Helper()
	ctx := context.Background()
	token := model.Honeytoken{ID: "tok-1", Name: "payroll", Type: model.TokenFile, Value: "v", Location: "/tmp/honeyfiles/payroll.xlsx", Active: true, CreatedAt: at.Add(-time.Hour)}
	require.NoError(t, store.SaveHoneytoken(ctx, token))
	access := model.HoneytokenAccess{ID: "acc-1", TokenID: token.ID, UserID: "mallory", IPAddress: "203.0.113.7", UserAgent: "curl/8", Method: "read", AccessTime: at}
	require.NoError(t, store.SaveAccess(ctx, access))
	require.NoError(t, store.AppendForensicLog(ctx, model.ForensicLog{ID: "f2", AccessID: access.ID, Action: model.ActionHoneytokenAccess, Source: "honeytoken_system", Data: "{}", Timestamp: at.Add(time.Second)}))
	require.NoError(t, store.AppendForensicLog(ctx, model.ForensicLog{ID: "f1", AccessID: access.ID, Action: model.ActionHoneytokenAccess, Source: "honeytoken_system", Data: "{}", Timestamp: at}))
	return model.Alert{ID: "al-1", UserID: "mallory", TokenID: token.ID, AccessID: access.ID, Type: model.AlertAccess, Severity: model.SeverityHigh, CreatedAt: at}
}

func TestCollectAccessEvidence(t *testing.T) {
	store := storage.NewMemory()
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	alert := seedAccess(t, store, at)
	a := NewAssembler(store, defaultParams())

	b, err := a.Collect(context.Background(), alert)
	require.NoError(t, err)
	require.NotNil(t, b.AccessDetails)
	require.Equal(t, "/tmp/honeyfiles/payroll.xlsx", b.AccessDetails.TokenLocation)
	require.Equal(t, "file", b.AccessDetails.TokenType)
	require.Equal(t, "203.0.113.7", b.AccessDetails.IPAddress)
	require.Len(t, b.ForensicLogs, 2)
	require.Equal(t, "f1", b.ForensicLogs[0].ID)
	require.NoError(t, Verify(b))
}

func TestCollectIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	alert := seedAccess(t, store, at)
	a := NewAssembler(store, defaultParams())
	ctx := context.Background()

	first, err := a.Collect(ctx, alert)
	require.NoError(t, err)
	// The manager logs each collection; that entry must not feed the next bundle.
	require.NoError(t, store.AppendForensicLog(ctx, model.ForensicLog{ID: "f3", AccessID: alert.AccessID, AlertID: alert.ID, Action: model.ActionEvidenceCollection, Data: first.Hash, Timestamp: at.Add(time.Minute)}))
	a.now = func() time.Time { return at.Add(time.Hour) }
	second, err := a.Collect(ctx, alert)
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)
	require.NotEqual(t, first.CollectedAt, second.CollectedAt)
}

func TestCollectBehaviorEvidence(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	created := time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
	saveActivity(t, store, model.ActivityEvent{ID: "e1", UserID: "u", ActivityType: "login", Timestamp: created.Add(-2 * time.Hour)})
	saveActivity(t, store, model.ActivityEvent{ID: "e2", UserID: "u", ActivityType: "download", Timestamp: created.Add(-time.Hour)})
	saveActivity(t, store, model.ActivityEvent{ID: "e3", UserID: "u", ActivityType: "login", Timestamp: created.Add(-30 * time.Minute)})
	var scores []model.AnomalyScore
	for i, s := range []float64{0.2, 0.95, 0.6} {
		scores = append(scores, model.AnomalyScore{ID: string(rune('a' + i)), EventID: "e2", UserID: "u", Feature: []string{"time_of_day", "day_of_week", "activity_type"}[i], Score: s, Timestamp: created.Add(-time.Hour)})
	}
	scores = append(scores, model.AnomalyScore{ID: "old", EventID: "e0", UserID: "u", Feature: "time_of_day", Score: 1, Timestamp: created.Add(-48 * time.Hour)})
	require.NoError(t, store.SaveAnomalyScores(ctx, scores))

	p := defaultParams()
	p.TopAnomalies = 2
	a := NewAssembler(store, p)
	b, err := a.Collect(ctx, model.Alert{ID: "al-2", UserID: "u", Type: model.AlertBehavior, CreatedAt: created})
	require.NoError(t, err)
	require.Len(t, b.AnomalyDetails, 2)
	require.Equal(t, 0.95, b.AnomalyDetails[0].Score)
	require.Equal(t, "download", b.AnomalyDetails[0].ActivityType)
	require.Len(t, b.ActivityPatterns, 2)
	require.Equal(t, "login", b.ActivityPatterns[0].ActivityType)
	require.Equal(t, 2, b.ActivityPatterns[0].Count)
	require.Equal(t, created.Add(-2*time.Hour), b.ActivityPatterns[0].FirstSeen)
}

func TestVerifyDetectsTampering(t *testing.T) {
	b := model.EvidenceBundle{
		AlertID:   "x",
		AlertType: model.AlertBehavior,
		AnomalyDetails: []model.AnomalyDetail{
			{EventID: "e", Feature: "time_of_day", Score: 0.9, Observed: 22},
		},
		CollectedAt: time.Now(),
	}
	require.NoError(t, Seal(&b))
	require.NoError(t, Verify(b))

	b.AnomalyDetails[0].Score = 0.1
	err := Verify(b)
	require.True(t, errors.Is(err, ErrIntegrity))
}

func TestHashExcludesCollectionTime(t *testing.T) {
	b := model.EvidenceBundle{AlertID: "x", AlertType: model.AlertBehavior, CollectedAt: time.Now()}
	require.NoError(t, Seal(&b))

	b.CollectedAt = b.CollectedAt.Add(-72 * time.Hour)
	require.NoError(t, Verify(b))

	b.AlertID = "y"
	require.ErrorIs(t, Verify(b), ErrIntegrity)
}

func TestHashIgnoresTimezoneRepresentation(t *testing.T) {
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	b := model.EvidenceBundle{AlertID: "x", ActivityPatterns: []model.ActivityPattern{{ActivityType: "login", Count: 1, FirstSeen: at, LastSeen: at}}}
	h1, err := Hash(b)
	require.NoError(t, err)
	loc := time.FixedZone("CEST", 2*3600)
	b.ActivityPatterns = []model.ActivityPattern{{ActivityType: "login", Count: 1, FirstSeen: at.In(loc), LastSeen: at.In(loc)}}
	h2, err := Hash(b)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestCollectMissingAccessFails(t *testing.T) {
	a := NewAssembler(storage.NewMemory(), defaultParams())
	_, err := a.Collect(context.Background(), model.Alert{ID: "a", Type: model.AlertAccess, AccessID: "nope"})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func saveActivity(t *testing.T, store storage.Store, ev model.ActivityEvent) {
	t.Helper()
	_, err := store.SaveActivity(context.Background(), ev)
	require.NoError(t, err)
}
