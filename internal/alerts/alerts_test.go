package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/config"
	"honeyguard/internal/evidence"
	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

func defaultParams() Params {
	return ParamsFrom(config.DefaultDetection())
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Alert
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, a model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return r.err
}

func newManagerForTest(t *testing.T, eager bool) (*Manager, storage.Store, *recordingNotifier) {
	t.Helper()
	store := storage.NewMemory()
	asm := evidence.NewAssembler(store, evidence.ParamsFrom(config.DefaultConfig().Evidence))
	n := &recordingNotifier{}
	m := NewManager(store, asm, LifecycleParams{EagerEvidence: eager, CollectAttempts: 2}, nil, WithNotifier(n))
	return m, store, n
}

func seedToken(t *testing.T, store storage.Store) (model.Honeytoken, model.HoneytokenAccess) {
	t.Helper()
	ctx := context.Background()
	token := model.Honeytoken{ID: "tok", Name: "prod-db-creds", Type: model.TokenCredentials, Location: "vault:prod/db", Active: true, CreatedAt: time.Now().UTC()}
	access := model.HoneytokenAccess{ID: "acc", TokenID: "tok", UserID: "mallory", IPAddress: "198.51.100.4", Method: "read", AccessTime: time.Now().UTC()}
	require.NoError(t, store.SaveHoneytoken(ctx, token))
	require.NoError(t, store.SaveAccess(ctx, access))
	return token, access
}

func TestDecideThresholds(t *testing.T) {
	p := defaultParams()
	require.False(t, Decide(model.Analysis{OverallScore: 0.8}, p).Raise)
	d := Decide(model.Analysis{OverallScore: 0.85}, p)
	require.True(t, d.Raise)
	require.Equal(t, model.SeverityMedium, d.Severity)
	d = Decide(model.Analysis{OverallScore: 0.95}, p)
	require.Equal(t, model.SeverityHigh, d.Severity)
	d = Decide(model.Analysis{OverallScore: 0.1, Flags: model.ContextFlags{UnusualResource: true}}, p)
	require.True(t, d.Raise)
	require.Equal(t, model.SeverityMedium, d.Severity)
}

func TestDescribeGolden(t *testing.T) {
	a := model.Analysis{
		UserID:       "alice",
		OverallScore: 0.8125,
		FeatureScores: map[string]float64{
			"time_of_day":   0.99,
			"activity_type": 0.5,
			"day_of_week":   0.71,
			"resource_type": 0.7,
		},
		Flags: model.ContextFlags{MultipleIPs: true, UnusualResource: true},
	}
	want := "Unusual behavior detected for user alice:\n" +
		"Overall anomaly score: 0.81\n" +
		"Anomalous features:\n" +
		"- day_of_week: 0.71\n" +
		"- time_of_day: 0.99\n" +
		"- Multiple IP addresses used in a short time window\n" +
		"- Access to unusual resources detected"
	require.Equal(t, want, Describe(a, defaultParams()))
	require.Equal(t, want, Describe(a, defaultParams()))
}

func TestAccessAlertIsHighWithEvidence(t *testing.T) {
	m, store, n := newManagerForTest(t, true)
	token, access := seedToken(t, store)
	ctx := context.Background()

	alert, err := m.CreateAccessAlert(ctx, token, access)
	require.NoError(t, err)
	require.Equal(t, model.SeverityHigh, alert.Severity)
	require.Equal(t, model.AlertAccess, alert.Type)
	require.Equal(t, model.StateEvidenceCollected, alert.State)
	require.NotNil(t, alert.Evidence)
	require.Equal(t, "vault:prod/db", alert.Evidence.AccessDetails.TokenLocation)
	require.Equal(t, "credentials", alert.Evidence.AccessDetails.TokenType)
	require.Len(t, n.sent, 1)

	logs, err := store.ForensicLogsByAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, model.ActionEvidenceCollection, logs[0].Action)
}

func TestLazyEvidenceAndRecollectionStable(t *testing.T) {
	m, store, _ := newManagerForTest(t, false)
	token, access := seedToken(t, store)
	ctx := context.Background()
	alert, err := m.CreateAccessAlert(ctx, token, access)
	require.NoError(t, err)
	require.Equal(t, model.StateOpen, alert.State)
	require.Nil(t, alert.Evidence)

	first, err := m.Evidence(ctx, alert.ID)
	require.NoError(t, err)
	stored, err := m.Get(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateEvidenceCollected, stored.State)

	again, err := m.Evidence(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, first.Hash, again.Hash)

	refreshed, err := m.CollectEvidence(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, first.Hash, refreshed.Hash)

	logs, err := store.ForensicLogsByAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestTamperedEvidenceIsFlagged(t *testing.T) {
	m, store, _ := newManagerForTest(t, true)
	token, access := seedToken(t, store)
	ctx := context.Background()
	alert, err := m.CreateAccessAlert(ctx, token, access)
	require.NoError(t, err)

	tampered := alert
	ev := *alert.Evidence
	details := *ev.AccessDetails
	details.IPAddress = "10.9.9.9"
	ev.AccessDetails = &details
	tampered.Evidence = &ev
	require.NoError(t, store.UpdateAlert(ctx, tampered))

	_, err = m.Evidence(ctx, alert.ID)
	require.True(t, errors.Is(err, evidence.ErrIntegrity))
	flagged, err := m.Get(ctx, alert.ID)
	require.NoError(t, err)
	require.True(t, flagged.IntegrityViolation)
	require.Equal(t, "10.9.9.9", flagged.Evidence.AccessDetails.IPAddress)

	_, err = m.CollectEvidence(ctx, alert.ID)
	require.True(t, errors.Is(err, evidence.ErrIntegrity))
}

func TestResolveLifecycle(t *testing.T) {
	m, store, _ := newManagerForTest(t, true)
	token, access := seedToken(t, store)
	ctx := context.Background()
	alert, err := m.CreateAccessAlert(ctx, token, access)
	require.NoError(t, err)

	_, err = m.Resolve(ctx, alert.ID, "", "")
	require.ErrorIs(t, err, ErrResolverRequired)

	resolved, err := m.Resolve(ctx, alert.ID, "analyst-1", "red team exercise")
	require.NoError(t, err)
	require.Equal(t, model.StateResolved, resolved.State)
	require.Equal(t, "analyst-1", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = m.Resolve(ctx, alert.ID, "analyst-2", "")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	trail, err := store.AuditTrail(ctx, "alert", alert.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, "analyst-1", trail[0].Actor)
	require.Equal(t, "red team exercise", trail[0].Notes)
	require.Equal(t, string(model.StateEvidenceCollected), trail[0].OldValue)

	// Refreshing evidence on a resolved alert keeps it resolved.
	_, err = m.CollectEvidence(ctx, alert.ID)
	require.NoError(t, err)
	after, err := m.Get(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateResolved, after.State)
}

func TestEvidenceFailureLeavesAlertOpen(t *testing.T) {
	m, store, n := newManagerForTest(t, true)
	ctx := context.Background()
	// Access alert whose access record does not exist.
	alert, err := m.CreateAccessAlert(ctx, model.Honeytoken{ID: "ghost", Name: "ghost"}, model.HoneytokenAccess{ID: "missing", TokenID: "ghost"})
	require.NoError(t, err)
	require.Equal(t, model.StateOpen, alert.State)
	require.Nil(t, alert.Evidence)
	require.Len(t, n.sent, 1)
	stored, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOpen, stored.State)
}

func TestNotifierFailureKeepsAlert(t *testing.T) {
	m, store, n := newManagerForTest(t, false)
	n.err = errors.New("broker down")
	alert, err := m.CreateBehaviorAlert(context.Background(), model.Analysis{UserID: "u", EventID: "e", OverallScore: 0.95}, Decision{Raise: true, Severity: model.SeverityHigh, Description: "d"})
	require.NoError(t, err)
	_, err = store.GetAlert(context.Background(), alert.ID)
	require.NoError(t, err)
}

func TestRecentSummaryExport(t *testing.T) {
	m, store, _ := newManagerForTest(t, true)
	token, access := seedToken(t, store)
	ctx := context.Background()
	a1, err := m.CreateAccessAlert(ctx, token, access)
	require.NoError(t, err)
	a2, err := m.CreateBehaviorAlert(ctx, model.Analysis{UserID: "mallory", EventID: "e1", OverallScore: 0.85}, Decision{Raise: true, Severity: model.SeverityMedium, Description: "x"})
	require.NoError(t, err)
	_, err = m.Resolve(ctx, a2.ID, "analyst", "")
	require.NoError(t, err)

	open, err := m.Recent(ctx, 24, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, a1.ID, open[0].ID)
	all, err := m.Recent(ctx, 24, true)
	require.NoError(t, err)
	require.Len(t, all, 2)

	s, err := m.Summary(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, s.Total)
	require.Equal(t, 1, s.Unresolved)
	require.Equal(t, 1, s.BySeverity[model.SeverityHigh])
	require.Equal(t, 1, s.ByType[model.AlertBehavior])
	require.Equal(t, []Count{{Key: "mallory", Count: 2}}, s.TopUsers)
	require.Equal(t, []Count{{Key: "tok", Count: 1}}, s.TopTokens)

	exp, err := m.Export(ctx, a1.ID, "analyst")
	require.NoError(t, err)
	require.NotNil(t, exp.Token)
	require.NotNil(t, exp.Access)
	require.Len(t, exp.ForensicLogs, 1)
	require.Len(t, exp.Metadata.DataHash, 64)
}
