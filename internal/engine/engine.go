package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"honeyguard/internal/alerts"
	"honeyguard/internal/config"
	"honeyguard/internal/evidence"
	"honeyguard/internal/features"
	"honeyguard/internal/honeytoken"
	"honeyguard/internal/metrics"
	"honeyguard/internal/model"
	"honeyguard/internal/scoring"
	"honeyguard/internal/signals"
	"honeyguard/internal/storage"
)

// TokenMatcher routes activity that touched a decoy into an access record.
type TokenMatcher interface {
	Match(ev model.ActivityEvent) (model.Honeytoken, bool)
	RecordAccess(ctx context.Context, req honeytoken.AccessRequest) (model.HoneytokenAccess, *model.Alert, error)
}

type AlertSink interface {
	CreateBehaviorAlert(ctx context.Context, a model.Analysis, d alerts.Decision) (model.Alert, error)
	SetParams(p alerts.LifecycleParams)
}

// Recorder counts pipeline outcomes; metrics.Collector implements it.
type Recorder interface {
	EventProcessed(source string, overall float64, seconds float64)
	Duplicate()
	PipelineError(stage string)
	HoneytokenAccess()
}

type Components struct {
	Store     storage.ActivityStore
	Tokens    TokenMatcher
	Scorer    *scoring.Scorer
	Detector  *signals.Detector
	Assembler *evidence.Assembler
	Alerts    AlertSink
	Snapshots *metrics.Store
	Recorder  Recorder
}

type Engine struct {
	logger    *slog.Logger
	store     storage.ActivityStore
	tokens    TokenMatcher
	scorer    *scoring.Scorer
	detector  *signals.Detector
	assembler *evidence.Assembler
	alerts    AlertSink
	snapshots *metrics.Store
	recorder  Recorder
	cfg       atomic.Value
	loc       atomic.Pointer[time.Location]
	deDupe    atomic.Pointer[DedupeCache]
	now       func() time.Time
}

// Result is what one pass of the pipeline produced for an event.
type Result struct {
	Duplicate bool
	Analysis  model.Analysis
	Alerts    []model.Alert
}

func NewEngine(cfg *config.Config, c Components, logger *slog.Logger) *Engine {
	e := &Engine{
		logger:    logger,
		store:     c.Store,
		tokens:    c.Tokens,
		scorer:    c.Scorer,
		detector:  c.Detector,
		assembler: c.Assembler,
		alerts:    c.Alerts,
		snapshots: c.Snapshots,
		recorder:  c.Recorder,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.deDupe.Store(NewDedupeCache())
	e.UpdateConfig(cfg)
	return e
}

// UpdateConfig swaps thresholds in every stage without stopping the workers.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e.cfg.Store(cfg)
	loc, err := time.LoadLocation(cfg.Ingest.Timezone)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("unknown timezone, using UTC", "timezone", cfg.Ingest.Timezone, "err", err)
		}
		loc = time.UTC
	}
	e.loc.Store(loc)
	if e.scorer != nil {
		e.scorer.SetParams(scoring.ParamsFrom(cfg.Detection))
	}
	if e.detector != nil {
		e.detector.SetParams(signals.ParamsFrom(cfg.Detection))
	}
	if e.assembler != nil {
		e.assembler.SetParams(evidence.ParamsFrom(cfg.Evidence))
	}
	if e.alerts != nil {
		e.alerts.SetParams(alerts.LifecycleParams{
			EagerEvidence:   cfg.Evidence.Mode != "lazy",
			CollectAttempts: cfg.Evidence.CollectAttempts,
		})
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Run feeds events from in to a pool of workers until ctx is cancelled or in
// is closed.
func (e *Engine) Run(ctx context.Context, in <-chan model.ActivityEvent, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-in:
					if !ok {
						return nil
					}
					e.ProcessEvent(ctx, ev)
				}
			}
		})
	}
	return g.Wait()
}

// ProcessEvent runs one event through the whole pipeline. Stage failures are
// logged and counted; the remaining stages still run where they can.
func (e *Engine) ProcessEvent(ctx context.Context, ev model.ActivityEvent) Result {
	cfg := e.config()
	started := time.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if ev.ID == "" {
		ev.ID = contentID(ev)
	}
	if e.isDuplicate(ev, cfg.Detection.DedupeWindow) {
		return e.dropDuplicate(ev, "window")
	}

	var out Result
	if e.store != nil {
		created, err := e.store.SaveActivity(ctx, ev)
		switch {
		case err != nil:
			e.stageFailed("save_activity", ev, err)
		case !created:
			// Already stored: a replay past the window or after Reset.
			return e.dropDuplicate(ev, "stored")
		}
	}

	if alert, ok := e.checkHoneytoken(ctx, ev); ok {
		out.Alerts = append(out.Alerts, alert)
	}

	set := features.Extract(ev, e.loc.Load())
	analysis := e.scorer.Analyze(ctx, ev, set)
	if e.detector != nil {
		analysis.Flags = e.detector.Evaluate(ctx, ev)
	}
	out.Analysis = analysis
	if e.snapshots != nil {
		e.snapshots.Update(analysis)
	}

	decision := alerts.Decide(analysis, alerts.ParamsFrom(cfg.Detection))
	if decision.Raise && e.alerts != nil {
		alert, err := e.alerts.CreateBehaviorAlert(ctx, analysis, decision)
		if err != nil {
			e.stageFailed("behavior_alert", ev, err)
		} else {
			out.Alerts = append(out.Alerts, alert)
			if e.logger != nil {
				e.logger.Warn("unusual behavior alert",
					"alert_id", alert.ID,
					"user_id", ev.UserID,
					"severity", alert.Severity,
					"score", analysis.OverallScore,
					"multiple_ips", analysis.Flags.MultipleIPs,
					"unusual_resource", analysis.Flags.UnusualResource,
				)
			}
		}
	}
	if e.recorder != nil {
		e.recorder.EventProcessed(ev.Source, analysis.OverallScore, time.Since(started).Seconds())
	}
	return out
}

func (e *Engine) dropDuplicate(ev model.ActivityEvent, reason string) Result {
	if e.recorder != nil {
		e.recorder.Duplicate()
	}
	if e.logger != nil {
		e.logger.Debug("duplicate event dropped", "event_id", ev.ID, "user_id", ev.UserID, "reason", reason)
	}
	return Result{Duplicate: true}
}

func (e *Engine) checkHoneytoken(ctx context.Context, ev model.ActivityEvent) (model.Alert, bool) {
	if e.tokens == nil {
		return model.Alert{}, false
	}
	token, ok := e.tokens.Match(ev)
	if !ok {
		return model.Alert{}, false
	}
	if e.recorder != nil {
		e.recorder.HoneytokenAccess()
	}
	_, alert, err := e.tokens.RecordAccess(ctx, honeytoken.AccessRequest{
		TokenID:    token.ID,
		UserID:     ev.UserID,
		EventID:    ev.ID,
		IPAddress:  ev.IPAddress,
		UserAgent:  ev.UserAgent,
		Method:     ev.ActivityType,
		Context:    ev.Resource,
		AccessTime: ev.Timestamp,
	})
	if err != nil {
		e.stageFailed("honeytoken_access", ev, err)
	}
	if alert == nil {
		return model.Alert{}, false
	}
	return *alert, true
}

func (e *Engine) stageFailed(stage string, ev model.ActivityEvent, err error) {
	if e.recorder != nil {
		e.recorder.PipelineError(stage)
	}
	if e.logger == nil {
		return
	}
	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelDebug
	}
	e.logger.Log(context.Background(), level, "pipeline stage failed",
		"stage", stage,
		"event_id", ev.ID,
		"user_id", ev.UserID,
		"err", err,
	)
}

// Reset forgets recently seen events. Events already in the activity store
// are still dropped.
func (e *Engine) Reset() {
	e.deDupe.Store(NewDedupeCache())
}

func (e *Engine) isDuplicate(ev model.ActivityEvent, dedupeWindow time.Duration) bool {
	if dedupeWindow <= 0 {
		return false
	}
	return e.deDupe.Load().Seen(ev.ID, e.now(), dedupeWindow)
}

// contentID names an event that arrived without an id by a digest of the
// fields that identify a delivery.
func contentID(ev model.ActivityEvent) string {
	parts := []string{
		ev.UserID,
		ev.ActivityType,
		ev.Resource,
		ev.IPAddress,
		ev.SessionID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "sum-" + hex.EncodeToString(h[:16])
}
