package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"honeyguard/internal/model"
)

// retryStore retries failed calls with exponential backoff. Not-found,
// conflicts and context cancellation are answers, not failures, and pass
// straight through.
type retryStore struct {
	next     Store
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
	onRetry  func(op string)
}

func WithRetry(next Store, attempts int, initial time.Duration, logger *slog.Logger, onRetry func(op string)) Store {
	if attempts <= 0 {
		attempts = 3
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	return &retryStore{next: next, attempts: attempts, backoff: initial, logger: logger, onRetry: onRetry}
}

func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (r *retryStore) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)
}

func do[T any](ctx context.Context, r *retryStore, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		if r.onRetry != nil {
			r.onRetry(op)
		}
		if r.logger != nil {
			r.logger.Warn("storage call failed, retrying", "op", op, "attempt", attempts, "wait", wait, "err", err)
		}
	}
	v, err := backoff.RetryNotifyWithData(operation, r.policy(ctx), notify)
	if retryable(err) {
		var zero T
		return zero, &TransientError{Op: op, Attempts: attempts, Err: err}
	}
	return v, err
}

func (r *retryStore) run(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := do(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// insert retries an id-keyed write. A failed attempt may still have committed,
// so a conflict on a later attempt means the row is ours.
func (r *retryStore) insert(ctx context.Context, op string, fn func(context.Context) error) error {
	failed := false
	return r.run(ctx, op, func(ctx context.Context) error {
		err := fn(ctx)
		if failed && errors.Is(err, ErrConflict) {
			return nil
		}
		if err != nil {
			failed = true
		}
		return err
	})
}

func (r *retryStore) Init(ctx context.Context) error {
	return r.run(ctx, "init", r.next.Init)
}

func (r *retryStore) Close() error {
	return r.next.Close()
}

func (r *retryStore) SaveActivity(ctx context.Context, ev model.ActivityEvent) (bool, error) {
	failed := false
	return do(ctx, r, "save_activity", func(ctx context.Context) (bool, error) {
		created, err := r.next.SaveActivity(ctx, ev)
		if err != nil {
			failed = true
			return false, err
		}
		// An earlier attempt that errored may have written the row.
		return created || failed, nil
	})
}

func (r *retryStore) DistinctIPs(ctx context.Context, userID string, since, until time.Time) ([]string, error) {
	return do(ctx, r, "distinct_ips", func(ctx context.Context) ([]string, error) {
		return r.next.DistinctIPs(ctx, userID, since, until)
	})
}

func (r *retryStore) DistinctResources(ctx context.Context, userID string, since, until time.Time, excludeEventID string) ([]string, error) {
	return do(ctx, r, "distinct_resources", func(ctx context.Context) ([]string, error) {
		return r.next.DistinctResources(ctx, userID, since, until, excludeEventID)
	})
}

func (r *retryStore) ActivityPatterns(ctx context.Context, userID string, until time.Time) ([]model.ActivityPattern, error) {
	return do(ctx, r, "activity_patterns", func(ctx context.Context) ([]model.ActivityPattern, error) {
		return r.next.ActivityPatterns(ctx, userID, until)
	})
}

func (r *retryStore) ListUsers(ctx context.Context) ([]string, error) {
	return do(ctx, r, "list_users", r.next.ListUsers)
}

func (r *retryStore) GetBaseline(ctx context.Context, userID, feature string) (model.BaselineEntry, error) {
	return do(ctx, r, "get_baseline", func(ctx context.Context) (model.BaselineEntry, error) {
		return r.next.GetBaseline(ctx, userID, feature)
	})
}

func (r *retryStore) InsertBaseline(ctx context.Context, entry model.BaselineEntry) error {
	return r.run(ctx, "insert_baseline", func(ctx context.Context) error { return r.next.InsertBaseline(ctx, entry) })
}

func (r *retryStore) UpdateBaseline(ctx context.Context, entry model.BaselineEntry, prevVersion int64) error {
	return r.run(ctx, "update_baseline", func(ctx context.Context) error {
		return r.next.UpdateBaseline(ctx, entry, prevVersion)
	})
}

func (r *retryStore) SaveAnomalyScores(ctx context.Context, scores []model.AnomalyScore) error {
	return r.run(ctx, "save_anomaly_scores", func(ctx context.Context) error { return r.next.SaveAnomalyScores(ctx, scores) })
}

func (r *retryStore) TopAnomalies(ctx context.Context, userID string, since, until time.Time, limit int) ([]model.AnomalyDetail, error) {
	return do(ctx, r, "top_anomalies", func(ctx context.Context) ([]model.AnomalyDetail, error) {
		return r.next.TopAnomalies(ctx, userID, since, until, limit)
	})
}

func (r *retryStore) AverageAnomalyScore(ctx context.Context, userID string, since time.Time) (float64, error) {
	return do(ctx, r, "average_anomaly_score", func(ctx context.Context) (float64, error) {
		return r.next.AverageAnomalyScore(ctx, userID, since)
	})
}

func (r *retryStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	return r.insert(ctx, "save_alert", func(ctx context.Context) error { return r.next.SaveAlert(ctx, alert) })
}

func (r *retryStore) UpdateAlert(ctx context.Context, alert model.Alert) error {
	return r.run(ctx, "update_alert", func(ctx context.Context) error { return r.next.UpdateAlert(ctx, alert) })
}

func (r *retryStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	return do(ctx, r, "get_alert", func(ctx context.Context) (model.Alert, error) { return r.next.GetAlert(ctx, id) })
}

func (r *retryStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	return do(ctx, r, "list_alerts", func(ctx context.Context) ([]model.Alert, error) {
		return r.next.ListAlerts(ctx, filter)
	})
}

func (r *retryStore) AlertSeverityCounts(ctx context.Context, userID string, since time.Time) (map[model.Severity]int, error) {
	return do(ctx, r, "alert_severity_counts", func(ctx context.Context) (map[model.Severity]int, error) {
		return r.next.AlertSeverityCounts(ctx, userID, since)
	})
}

func (r *retryStore) SaveHoneytoken(ctx context.Context, token model.Honeytoken) error {
	return r.insert(ctx, "save_honeytoken", func(ctx context.Context) error { return r.next.SaveHoneytoken(ctx, token) })
}

func (r *retryStore) UpdateHoneytoken(ctx context.Context, token model.Honeytoken) error {
	return r.run(ctx, "update_honeytoken", func(ctx context.Context) error { return r.next.UpdateHoneytoken(ctx, token) })
}

func (r *retryStore) GetHoneytoken(ctx context.Context, id string) (model.Honeytoken, error) {
	return do(ctx, r, "get_honeytoken", func(ctx context.Context) (model.Honeytoken, error) {
		return r.next.GetHoneytoken(ctx, id)
	})
}

func (r *retryStore) ListHoneytokens(ctx context.Context, activeOnly bool) ([]model.Honeytoken, error) {
	return do(ctx, r, "list_honeytokens", func(ctx context.Context) ([]model.Honeytoken, error) {
		return r.next.ListHoneytokens(ctx, activeOnly)
	})
}

func (r *retryStore) SaveAccess(ctx context.Context, access model.HoneytokenAccess) error {
	return r.insert(ctx, "save_access", func(ctx context.Context) error { return r.next.SaveAccess(ctx, access) })
}

func (r *retryStore) GetAccess(ctx context.Context, id string) (model.HoneytokenAccess, error) {
	return do(ctx, r, "get_access", func(ctx context.Context) (model.HoneytokenAccess, error) {
		return r.next.GetAccess(ctx, id)
	})
}

func (r *retryStore) AppendForensicLog(ctx context.Context, entry model.ForensicLog) error {
	return r.insert(ctx, "append_forensic_log", func(ctx context.Context) error { return r.next.AppendForensicLog(ctx, entry) })
}

func (r *retryStore) ForensicLogsByAccess(ctx context.Context, accessID string) ([]model.ForensicLog, error) {
	return do(ctx, r, "forensic_logs_by_access", func(ctx context.Context) ([]model.ForensicLog, error) {
		return r.next.ForensicLogsByAccess(ctx, accessID)
	})
}

func (r *retryStore) ForensicLogsByAlert(ctx context.Context, alertID string) ([]model.ForensicLog, error) {
	return do(ctx, r, "forensic_logs_by_alert", func(ctx context.Context) ([]model.ForensicLog, error) {
		return r.next.ForensicLogsByAlert(ctx, alertID)
	})
}

func (r *retryStore) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	return r.insert(ctx, "append_audit", func(ctx context.Context) error { return r.next.AppendAudit(ctx, rec) })
}

func (r *retryStore) AuditTrail(ctx context.Context, entityType, entityID string) ([]model.AuditRecord, error) {
	return do(ctx, r, "audit_trail", func(ctx context.Context) ([]model.AuditRecord, error) {
		return r.next.AuditTrail(ctx, entityType, entityID)
	})
}
