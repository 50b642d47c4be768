package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/alerts"
	"honeyguard/internal/config"
	"honeyguard/internal/evidence"
	"honeyguard/internal/honeytoken"
	"honeyguard/internal/metrics"
	"honeyguard/internal/model"
	"honeyguard/internal/notify"
	"honeyguard/internal/risk"
	"honeyguard/internal/storage"
)

type resetCounter struct{ resets int }

func (r *resetCounter) Reset()                      { r.resets++ }
func (r *resetCounter) UpdateConfig(*config.Config) {}

func newTestServer(t *testing.T) (http.Handler, *resetCounter, *metrics.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	store := storage.NewMemory()
	ring := notify.NewRing(10)
	snapshots := metrics.NewStore(10)
	collector := metrics.NewCollector(snapshots, func() int { return 0 })
	asm := evidence.NewAssembler(store, evidence.ParamsFrom(cfg.Evidence))
	mgr := alerts.NewManager(store, asm, alerts.LifecycleParams{EagerEvidence: true, CollectAttempts: 1}, nil,
		alerts.WithNotifier(ring), alerts.WithObserver(collector))
	engine := &resetCounter{}
	srv := NewServer(Deps{
		Config:    config.NewStaticManager(cfg),
		Alerts:    mgr,
		Risk:      risk.NewService(store, cfg.Risk.Window),
		Tokens:    honeytoken.NewRegistry(store, mgr, nil),
		Snapshots: snapshots,
		Metrics:   collector.Handler(),
		Recent:    ring,
		Engine:    engine,
		Version:   "test",
	}, nil)
	return srv.Router(), engine, snapshots
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHoneytokenAccessFlow(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/honeytokens", `{"name":"payroll","type":"database","table":"payroll"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode[model.Honeytoken](t, rec)
	require.Equal(t, "table:payroll", token.Location)

	rec = do(t, h, http.MethodPost, "/honeytokens", `{"name":"x","type":"printer"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/honeytokens/"+token.ID+"/access", `{"user_id":"mallory","ip_address":"203.0.113.8","method":"select"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	accessResp := decode[struct {
		Access model.HoneytokenAccess `json:"access"`
		Alert  *model.Alert           `json:"alert"`
	}](t, rec)
	require.NotNil(t, accessResp.Alert)
	alertID := accessResp.Alert.ID

	rec = do(t, h, http.MethodGet, "/alerts?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)

	rec = do(t, h, http.MethodGet, "/alerts/"+alertID+"/evidence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bundle := decode[model.EvidenceBundle](t, rec)
	require.Equal(t, "table:payroll", bundle.AccessDetails.TokenLocation)
	require.Len(t, bundle.Hash, 64)

	rec = do(t, h, http.MethodGet, "/alerts/"+alertID+"/export?exported_by=analyst", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), alertID)

	rec = do(t, h, http.MethodGet, "/notifications", "")
	require.Contains(t, rec.Body.String(), alertID)

	rec = do(t, h, http.MethodDelete, "/honeytokens/"+token.ID+"?actor=admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decode[model.Honeytoken](t, rec).Active)
}

func TestResolveErrors(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/honeytokens", `{"name":"key","type":"api_key"}`)
	token := decode[model.Honeytoken](t, rec)
	rec = do(t, h, http.MethodPost, "/honeytokens/"+token.ID+"/access", `{"user_id":"eve"}`)
	alertID := decode[struct {
		Alert *model.Alert `json:"alert"`
	}](t, rec).Alert.ID

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/alerts/"+alertID+"/resolve", `{}`).Code)
	rec = do(t, h, http.MethodPost, "/alerts/"+alertID+"/resolve", `{"resolved_by":"analyst","notes":"pen test"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.StateResolved, decode[model.Alert](t, rec).State)
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/alerts/"+alertID+"/resolve", `{"resolved_by":"other"}`).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/alerts/nope", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/honeytokens/nope/access", `{}`).Code)
}

func TestUserEndpoints(t *testing.T) {
	h, _, snapshots := newTestServer(t)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/users/ghost/analysis", "").Code)

	snapshots.Update(model.Analysis{UserID: "alice", EventID: "e1", OverallScore: 0.2, Timestamp: time.Now().UTC()})
	rec := do(t, h, http.MethodGet, "/users/alice/analysis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"event_id":"e1"`)

	rec = do(t, h, http.MethodGet, "/users/alice/risk", "")
	require.Equal(t, http.StatusOK, rec.Code)
	score := decode[model.RiskScore](t, rec)
	require.Equal(t, "low", score.Category)
	require.Equal(t, 20.0, score.NormalizedScore)

	rec = do(t, h, http.MethodGet, "/users/risky?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusMetricsAndReset(t *testing.T) {
	h, engine, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusResponse](t, rec)
	require.Equal(t, "ok", status.Status)
	require.Equal(t, "store", status.Baseline)
	require.Equal(t, 0.8, status.Detection.AlertThreshold)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "honeyguard_tracked_users"))

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/admin/reset", "").Code)
	require.Equal(t, 1, engine.resets)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nowhere", "").Code)
}

func TestSummaryEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/alerts/summary?days=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[alerts.Summary](t, rec)
	require.Equal(t, 3, summary.Days)
	require.Zero(t, summary.Total)
}
