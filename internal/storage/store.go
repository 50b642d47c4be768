package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrConflict  = errors.New("storage: version conflict")
	ErrTransient = errors.New("storage: transient failure")
)

// TransientError is returned once the retry budget for an operation is spent.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("storage %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// ActivityStore keeps the activity history. SaveActivity reports false when
// an event with the same id is already stored; the stored row is kept.
type ActivityStore interface {
	SaveActivity(ctx context.Context, ev model.ActivityEvent) (bool, error)
	DistinctIPs(ctx context.Context, userID string, since, until time.Time) ([]string, error)
	DistinctResources(ctx context.Context, userID string, since, until time.Time, excludeEventID string) ([]string, error)
	ActivityPatterns(ctx context.Context, userID string, until time.Time) ([]model.ActivityPattern, error)
	ListUsers(ctx context.Context) ([]string, error)
}

// BaselineStore persists baselines with optimistic concurrency. InsertBaseline
// and UpdateBaseline return ErrConflict when another writer got there first.
type BaselineStore interface {
	GetBaseline(ctx context.Context, userID, feature string) (model.BaselineEntry, error)
	InsertBaseline(ctx context.Context, entry model.BaselineEntry) error
	UpdateBaseline(ctx context.Context, entry model.BaselineEntry, prevVersion int64) error
}

// AnomalyStore keeps at most one score per event and feature; repeats are
// dropped silently.
type AnomalyStore interface {
	SaveAnomalyScores(ctx context.Context, scores []model.AnomalyScore) error
	TopAnomalies(ctx context.Context, userID string, since, until time.Time, limit int) ([]model.AnomalyDetail, error)
	AverageAnomalyScore(ctx context.Context, userID string, since time.Time) (float64, error)
}

type AlertFilter struct {
	Since           time.Time
	UserID          string
	IncludeResolved bool
	Limit           int
}

type AlertStore interface {
	SaveAlert(ctx context.Context, alert model.Alert) error
	UpdateAlert(ctx context.Context, alert model.Alert) error
	GetAlert(ctx context.Context, id string) (model.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error)
	AlertSeverityCounts(ctx context.Context, userID string, since time.Time) (map[model.Severity]int, error)
}

type TokenStore interface {
	SaveHoneytoken(ctx context.Context, token model.Honeytoken) error
	UpdateHoneytoken(ctx context.Context, token model.Honeytoken) error
	GetHoneytoken(ctx context.Context, id string) (model.Honeytoken, error)
	ListHoneytokens(ctx context.Context, activeOnly bool) ([]model.Honeytoken, error)
	SaveAccess(ctx context.Context, access model.HoneytokenAccess) error
	GetAccess(ctx context.Context, id string) (model.HoneytokenAccess, error)
}

// ForensicStore is append-only.
type ForensicStore interface {
	AppendForensicLog(ctx context.Context, entry model.ForensicLog) error
	ForensicLogsByAccess(ctx context.Context, accessID string) ([]model.ForensicLog, error)
	ForensicLogsByAlert(ctx context.Context, alertID string) ([]model.ForensicLog, error)
	AppendAudit(ctx context.Context, rec model.AuditRecord) error
	AuditTrail(ctx context.Context, entityType, entityID string) ([]model.AuditRecord, error)
}

type Store interface {
	Init(ctx context.Context) error
	Close() error
	ActivityStore
	BaselineStore
	AnomalyStore
	AlertStore
	TokenStore
	ForensicStore
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return NewMemory(), nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
