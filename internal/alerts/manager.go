package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"honeyguard/internal/evidence"
	"honeyguard/internal/keylock"
	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

var (
	ErrAlreadyResolved  = errors.New("alert already resolved")
	ErrResolverRequired = errors.New("resolver id required")
)

// Notifier delivers finalized alerts. Delivery failures never undo the alert.
type Notifier interface {
	Notify(ctx context.Context, alert model.Alert) error
}

// Observer receives lifecycle counters; metrics.Collector implements it.
type Observer interface {
	AlertRaised(alert model.Alert)
	EvidenceCollected(ok bool)
	IntegrityViolation()
}

type LifecycleParams struct {
	EagerEvidence   bool
	CollectAttempts int
}

type Manager struct {
	store     storage.Store
	assembler *evidence.Assembler
	notifier  Notifier
	observer  Observer
	locks     *keylock.Locker
	params    atomic.Value
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func NewManager(store storage.Store, assembler *evidence.Assembler, params LifecycleParams, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		assembler: assembler,
		locks:     keylock.New(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	m.SetParams(params)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SetParams(p LifecycleParams) {
	if p.CollectAttempts <= 0 {
		p.CollectAttempts = 1
	}
	m.params.Store(p)
}

func (m *Manager) lifecycle() LifecycleParams {
	return m.params.Load().(LifecycleParams)
}

func (m *Manager) CreateBehaviorAlert(ctx context.Context, a model.Analysis, d Decision) (model.Alert, error) {
	alert := model.Alert{
		ID:          uuid.NewString(),
		UserID:      a.UserID,
		EventID:     a.EventID,
		Type:        model.AlertBehavior,
		Severity:    d.Severity,
		Description: d.Description,
		State:       model.StateOpen,
		CreatedAt:   m.now(),
	}
	return m.create(ctx, alert)
}

// CreateAccessAlert is unconditional: any touch of a decoy is high severity.
func (m *Manager) CreateAccessAlert(ctx context.Context, token model.Honeytoken, access model.HoneytokenAccess) (model.Alert, error) {
	alert := model.Alert{
		ID:          uuid.NewString(),
		UserID:      access.UserID,
		TokenID:     token.ID,
		AccessID:    access.ID,
		EventID:     access.EventID,
		Type:        model.AlertAccess,
		Severity:    model.SeverityHigh,
		Description: describeAccess(token, access),
		State:       model.StateOpen,
		CreatedAt:   m.now(),
	}
	return m.create(ctx, alert)
}

func (m *Manager) create(ctx context.Context, alert model.Alert) (model.Alert, error) {
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		return model.Alert{}, fmt.Errorf("save alert: %w", err)
	}
	if m.logger != nil {
		m.logger.Warn("alert raised",
			"alert_id", alert.ID,
			"user_id", alert.UserID,
			"type", alert.Type,
			"severity", alert.Severity,
		)
	}
	if m.observer != nil {
		m.observer.AlertRaised(alert)
	}
	if m.lifecycle().EagerEvidence {
		unlock := m.locks.Lock(alert.ID)
		if updated, _, err := m.collect(ctx, alert); err == nil {
			alert = updated
		}
		unlock()
	}
	m.notify(ctx, alert)
	return alert, nil
}

func (m *Manager) notify(ctx context.Context, alert model.Alert) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, alert); err != nil && m.logger != nil {
		m.logger.Error("alert notification failed", "alert_id", alert.ID, "err", err)
	}
}

func (m *Manager) Get(ctx context.Context, id string) (model.Alert, error) {
	return m.store.GetAlert(ctx, id)
}

func (m *Manager) Recent(ctx context.Context, hours int, includeResolved bool) ([]model.Alert, error) {
	if hours <= 0 {
		hours = 24
	}
	return m.store.ListAlerts(ctx, storage.AlertFilter{
		Since:           m.now().Add(-time.Duration(hours) * time.Hour),
		IncludeResolved: includeResolved,
	})
}

// Evidence returns the alert's bundle, collecting it on first read. A stored
// bundle is verified before it is returned; a mismatch flags the alert and is
// never repaired here.
func (m *Manager) Evidence(ctx context.Context, id string) (model.EvidenceBundle, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return model.EvidenceBundle{}, err
	}
	if alert.Evidence == nil {
		_, b, err := m.collect(ctx, alert)
		return b, err
	}
	if err := m.verify(ctx, &alert); err != nil {
		return *alert.Evidence, err
	}
	return *alert.Evidence, nil
}

// CollectEvidence rebuilds the bundle and overwrites the stored one. Alerts
// with a flagged or failing bundle are left untouched.
func (m *Manager) CollectEvidence(ctx context.Context, id string) (model.EvidenceBundle, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return model.EvidenceBundle{}, err
	}
	if alert.Evidence != nil {
		if err := m.verify(ctx, &alert); err != nil {
			return model.EvidenceBundle{}, err
		}
	}
	_, b, err := m.collect(ctx, alert)
	return b, err
}

func (m *Manager) verify(ctx context.Context, alert *model.Alert) error {
	if alert.IntegrityViolation {
		return fmt.Errorf("%w: %s", evidence.ErrIntegrity, alert.IntegrityNote)
	}
	err := evidence.Verify(*alert.Evidence)
	if err == nil {
		return nil
	}
	if !errors.Is(err, evidence.ErrIntegrity) {
		return err
	}
	alert.IntegrityViolation = true
	alert.IntegrityNote = err.Error()
	if m.observer != nil {
		m.observer.IntegrityViolation()
	}
	if m.logger != nil {
		m.logger.Error("evidence integrity violation", "alert_id", alert.ID, "err", err)
	}
	if uerr := m.store.UpdateAlert(ctx, *alert); uerr != nil && m.logger != nil {
		m.logger.Error("flag integrity violation failed", "alert_id", alert.ID, "err", uerr)
	}
	return err
}

// collect must run under the alert's lock. On failure the alert keeps its
// state and no bundle is stored.
func (m *Manager) collect(ctx context.Context, alert model.Alert) (model.Alert, model.EvidenceBundle, error) {
	attempts := m.lifecycle().CollectAttempts
	var b model.EvidenceBundle
	var err error
	for i := 1; i <= attempts; i++ {
		b, err = m.assembler.Collect(ctx, alert)
		if err == nil || ctx.Err() != nil {
			break
		}
		if m.logger != nil {
			m.logger.Warn("evidence collection failed", "alert_id", alert.ID, "attempt", i, "err", err)
		}
	}
	if err != nil {
		if m.observer != nil {
			m.observer.EvidenceCollected(false)
		}
		return alert, model.EvidenceBundle{}, fmt.Errorf("collect evidence for %s: %w", alert.ID, err)
	}
	alert.Evidence = &b
	if alert.State == model.StateOpen {
		alert.State = model.StateEvidenceCollected
	}
	if err := m.store.UpdateAlert(ctx, alert); err != nil {
		if m.observer != nil {
			m.observer.EvidenceCollected(false)
		}
		return alert, model.EvidenceBundle{}, fmt.Errorf("store evidence for %s: %w", alert.ID, err)
	}
	if m.observer != nil {
		m.observer.EvidenceCollected(true)
	}
	m.appendForensic(ctx, alert, b)
	return alert, b, nil
}

func (m *Manager) appendForensic(ctx context.Context, alert model.Alert, b model.EvidenceBundle) {
	data, _ := json.Marshal(map[string]any{
		"alert_id":      alert.ID,
		"alert_type":    alert.Type,
		"evidence_hash": b.Hash,
		"collected_at":  b.CollectedAt,
	})
	sum := sha256.Sum256(data)
	entry := model.ForensicLog{
		ID:        uuid.NewString(),
		AccessID:  alert.AccessID,
		AlertID:   alert.ID,
		Action:    model.ActionEvidenceCollection,
		Source:    "alert_manager",
		Data:      string(data),
		Hash:      hex.EncodeToString(sum[:]),
		Timestamp: m.now(),
	}
	if err := m.store.AppendForensicLog(ctx, entry); err != nil && m.logger != nil {
		m.logger.Error("forensic log append failed", "alert_id", alert.ID, "err", err)
	}
}

// Resolve is one-way and always leaves an audit record.
func (m *Manager) Resolve(ctx context.Context, id, resolver, notes string) (model.Alert, error) {
	if resolver == "" {
		return model.Alert{}, ErrResolverRequired
	}
	unlock := m.locks.Lock(id)
	defer unlock()
	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return model.Alert{}, err
	}
	if alert.Resolved() {
		return alert, ErrAlreadyResolved
	}
	prev := alert.State
	now := m.now()
	alert.State = model.StateResolved
	alert.ResolvedBy = resolver
	alert.ResolutionNotes = notes
	alert.ResolvedAt = &now
	if err := m.store.UpdateAlert(ctx, alert); err != nil {
		return model.Alert{}, fmt.Errorf("resolve alert %s: %w", id, err)
	}
	rec := model.AuditRecord{
		ID:         uuid.NewString(),
		Actor:      resolver,
		Action:     "resolve_alert",
		EntityType: "alert",
		EntityID:   id,
		OldValue:   string(prev),
		NewValue:   string(model.StateResolved),
		Notes:      notes,
		Timestamp:  now,
	}
	if err := m.store.AppendAudit(ctx, rec); err != nil && m.logger != nil {
		m.logger.Error("audit append failed", "alert_id", id, "err", err)
	}
	if m.logger != nil {
		m.logger.Info("alert resolved", "alert_id", id, "resolved_by", resolver)
	}
	return alert, nil
}
