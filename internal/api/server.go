package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"honeyguard/internal/alerts"
	"honeyguard/internal/config"
	"honeyguard/internal/evidence"
	"honeyguard/internal/honeytoken"
	"honeyguard/internal/metrics"
	"honeyguard/internal/notify"
	"honeyguard/internal/risk"
	"honeyguard/internal/storage"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
}

type Deps struct {
	Config     *config.Manager
	Alerts     *alerts.Manager
	Risk       *risk.Service
	Tokens     *honeytoken.Registry
	Snapshots  *metrics.Store
	Metrics    http.Handler
	Recent     *notify.Ring
	Engine     EngineControl
	QueueDepth func() int
	Version    string
}

type Server struct {
	Deps
	logger *slog.Logger
}

type statusResponse struct {
	Status        string          `json:"status"`
	Time          string          `json:"time"`
	Version       string          `json:"version"`
	ConfigPath    string          `json:"config_path"`
	Ingest        ingestStatus    `json:"ingest"`
	API           apiStatus       `json:"api"`
	Detection     detectionStatus `json:"detection"`
	Baseline      string          `json:"baseline_backend"`
	EvidenceMode  string          `json:"evidence_mode"`
	Honeytokens   int             `json:"active_honeytokens"`
	TrackedUsers  int             `json:"tracked_users"`
	QueueDepth    int             `json:"queue_depth"`
	Notifications int             `json:"recent_notifications"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	Syslog    bool `json:"syslog"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	Workers   int  `json:"workers"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	AlertThreshold        float64 `json:"alert_threshold"`
	HighSeverityThreshold float64 `json:"high_severity_threshold"`
	LearnThreshold        float64 `json:"learn_threshold"`
	BaselineWeight        float64 `json:"baseline_weight"`
	IPWindow              string  `json:"ip_window"`
	ResourceWindow        string  `json:"resource_window"`
	DedupeWindow          string  `json:"dedupe_window"`
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	return &Server{Deps: deps, logger: logger}
}

func Start(ctx context.Context, deps Deps, logger *slog.Logger) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := []string{"*"}
	if s.Config != nil && len(s.Config.Get().API.CORSOrigins) > 0 {
		origins = s.Config.Get().API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/status", s.handleStatus)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	r.Get("/notifications", s.handleNotifications)
	r.Post("/admin/reset", s.handleReset)

	r.Route("/users", func(r chi.Router) {
		r.Get("/risky", s.handleRiskyUsers)
		r.Get("/{id}/risk", s.handleUserRisk)
		r.Get("/{id}/analysis", s.handleUserAnalysis)
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleAlerts)
		r.Get("/summary", s.handleSummary)
		r.Get("/{id}", s.handleAlert)
		r.Get("/{id}/evidence", s.handleEvidence)
		r.Post("/{id}/evidence", s.handleCollectEvidence)
		r.Post("/{id}/resolve", s.handleResolve)
		r.Get("/{id}/export", s.handleExport)
	})
	r.Route("/honeytokens", func(r chi.Router) {
		r.Get("/", s.handleListTokens)
		r.Post("/", s.handleRegisterToken)
		r.Get("/{id}", s.handleGetToken)
		r.Delete("/{id}", s.handleDeactivateToken)
		r.Post("/{id}/access", s.handleTokenAccess)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := config.DefaultConfig()
	path := ""
	if s.Config != nil {
		cfg = s.Config.Get()
		path = s.Config.Path()
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: path,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			Syslog:    cfg.Ingest.Syslog.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			Workers:   cfg.Ingest.Workers,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection: detectionStatus{
			AlertThreshold:        cfg.Detection.AlertThreshold,
			HighSeverityThreshold: cfg.Detection.HighSeverityThreshold,
			LearnThreshold:        cfg.Detection.LearnThreshold,
			BaselineWeight:        cfg.Detection.BaselineWeight,
			IPWindow:              cfg.Detection.IPWindow.String(),
			ResourceWindow:        cfg.Detection.ResourceWindow.String(),
			DedupeWindow:          cfg.Detection.DedupeWindow.String(),
		},
		Baseline:     cfg.Baseline.Backend,
		EvidenceMode: cfg.Evidence.Mode,
	}
	if s.Tokens != nil {
		resp.Honeytokens = s.Tokens.Active()
	}
	if s.Snapshots != nil {
		resp.TrackedUsers = s.Snapshots.Len()
	}
	if s.QueueDepth != nil {
		resp.QueueDepth = s.QueueDepth()
	}
	if s.Recent != nil {
		resp.Notifications = s.Recent.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.Recent == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}, "count": 0})
		return
	}
	list := s.Recent.List(intQuery(r, "limit", 0))
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if s.Engine != nil {
		s.Engine.Reset()
	}
	if s.Snapshots != nil {
		s.Snapshots.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUserRisk(w http.ResponseWriter, r *http.Request) {
	score, err := s.Risk.UserRisk(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleRiskyUsers(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if s.Config != nil {
		limit = s.Config.Get().Risk.TopLimit
	}
	list, err := s.Risk.TopRisky(r.Context(), intQuery(r, "limit", limit))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": list, "count": len(list)})
}

func (s *Server) handleUserAnalysis(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "id")
	analysis, updated, ok := s.Snapshots.Get(user)
	if !ok {
		s.writeError(w, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    user,
		"updated_at": updated.Format(time.RFC3339Nano),
		"analysis":   analysis,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	include, _ := strconv.ParseBool(r.URL.Query().Get("include_resolved"))
	list, err := s.Alerts.Recent(r.Context(), intQuery(r, "hours", 24), include)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Alerts.Summary(r.Context(), intQuery(r, "days", 7))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.Alerts.Evidence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleCollectEvidence(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.Alerts.CollectEvidence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	alert, err := s.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := s.Alerts.Export(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("exported_by"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="alert-`+export.Alert.ID+`.json"`)
	writeJSON(w, http.StatusOK, export)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list, err := s.Tokens.List(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"honeytokens": list, "count": len(list)})
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req honeytoken.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	token, err := s.Tokens.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.Tokens.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleDeactivateToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.Tokens.Deactivate(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("actor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleTokenAccess(w http.ResponseWriter, r *http.Request) {
	var req honeytoken.AccessRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.TokenID = chi.URLParam(r, "id")
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	access, alert, err := s.Tokens.RecordAccess(r.Context(), req)
	if err != nil && access.ID == "" {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"access": access, "alert": alert}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, alerts.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, evidence.ErrIntegrity):
		status = http.StatusConflict
	case errors.Is(err, alerts.ErrResolverRequired), errors.Is(err, honeytoken.ErrInvalidToken):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("api request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func intQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
