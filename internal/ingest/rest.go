package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"honeyguard/internal/config"
	"honeyguard/internal/normalize"
)

const maxBody = 2 << 20

type RESTServer struct {
	submitter *Submitter
	schema    *jsonschema.Schema
	logger    *slog.Logger
}

type itemResult struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewRESTServer(submitter *Submitter, logger *slog.Logger) (*RESTServer, error) {
	schema, err := compileActivitySchema()
	if err != nil {
		return nil, err
	}
	return &RESTServer{submitter: submitter, schema: schema, logger: logger}, nil
}

func (s *RESTServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/activities", s.handleActivities)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, submitter *Submitter, logger *slog.Logger) (*http.Server, error) {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil, nil
	}
	server, err := NewRESTServer(submitter, logger)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer, nil
}

func (s *RESTServer) handleActivities(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return
	}

	if trim[0] != '[' {
		res, status := s.submitOne(r.Context(), 0, trim)
		if status != http.StatusAccepted {
			writeJSON(w, status, res)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"event_id": res.EventID})
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trim, &items); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed json: " + err.Error()})
		return
	}
	results := make([]itemResult, 0, len(items))
	accepted := 0
	for i, item := range items {
		res, status := s.submitOne(r.Context(), i, item)
		if status == http.StatusAccepted {
			accepted++
		}
		results = append(results, res)
	}
	status := http.StatusAccepted
	if accepted == 0 && len(items) > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"accepted": accepted,
		"rejected": len(items) - accepted,
		"results":  results,
	})
}

func (s *RESTServer) submitOne(ctx context.Context, index int, raw []byte) (itemResult, int) {
	res := itemResult{Index: index}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		res.Field, res.Error = "body", "malformed json"
		return res, http.StatusBadRequest
	}
	if err := s.schema.Validate(doc); err != nil {
		res.Field, res.Error = schemaFailure(err)
		s.submitter.reject("schema")
		return res, http.StatusBadRequest
	}
	obj, _ := doc.(map[string]any)
	sub := ParseJSONMap(obj)
	sub.Source = "rest"
	id, err := s.submitter.Submit(ctx, *sub)
	var verr *normalize.ValidationError
	switch {
	case err == nil:
		res.EventID = id
		return res, http.StatusAccepted
	case errors.As(err, &verr):
		res.Field, res.Error = verr.Field, verr.Reason
		return res, http.StatusBadRequest
	case errors.Is(err, ErrQueueFull):
		res.Error = err.Error()
		return res, http.StatusServiceUnavailable
	default:
		res.Error = err.Error()
		return res, http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
