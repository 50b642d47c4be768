package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"honeyguard/internal/model"
)

// sqlStore holds the queries shared by the SQLite and Postgres backends.
// Queries are written with '?' placeholders and rebound per driver.
type sqlStore struct {
	baseStore
	dollar bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *sqlStore) initSchema(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func untilNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MaxInt64
	}
	return toNanos(t)
}

func (s *sqlStore) SaveActivity(ctx context.Context, ev model.ActivityEvent) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO activities (id, user_id, activity_type, resource, ip_address, user_agent, session_id, details_json, ts, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.UserID, ev.ActivityType, ev.Resource, ev.IPAddress, ev.UserAgent, ev.SessionID,
		encodeJSON(ev.Details), toNanos(ev.Timestamp), ev.Source,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqlStore) DistinctIPs(ctx context.Context, userID string, since, until time.Time) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT ip_address FROM activities
		WHERE user_id = ? AND ts >= ? AND ts <= ? AND ip_address <> ''
		ORDER BY ip_address`,
		userID, toNanos(since), untilNanos(until))
}

func (s *sqlStore) DistinctResources(ctx context.Context, userID string, since, until time.Time, excludeEventID string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT resource FROM activities
		WHERE user_id = ? AND ts >= ? AND ts <= ? AND resource <> '' AND id <> ?
		ORDER BY resource`,
		userID, toNanos(since), untilNanos(until), excludeEventID)
}

func (s *sqlStore) ActivityPatterns(ctx context.Context, userID string, until time.Time) ([]model.ActivityPattern, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT activity_type, COUNT(*), MIN(ts), MAX(ts) FROM activities
		WHERE user_id = ? AND ts <= ?
		GROUP BY activity_type`),
		userID, untilNanos(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ActivityPattern, 0)
	for rows.Next() {
		var p model.ActivityPattern
		var first, last int64
		if err := rows.Scan(&p.ActivityType, &p.Count, &first, &last); err != nil {
			return nil, err
		}
		p.FirstSeen = fromNanos(first)
		p.LastSeen = fromNanos(last)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortPatterns(out)
	return out, nil
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT user_id FROM activities
		UNION
		SELECT user_id FROM alerts WHERE user_id <> ''
		ORDER BY 1`)
}

func (s *sqlStore) GetBaseline(ctx context.Context, userID, feature string) (model.BaselineEntry, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT expected, confidence, version, updated_at FROM baselines WHERE user_id = ? AND feature = ?`),
		userID, feature)
	b := model.BaselineEntry{UserID: userID, Feature: feature}
	var updated int64
	if err := row.Scan(&b.Expected, &b.Confidence, &b.Version, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BaselineEntry{}, ErrNotFound
		}
		return model.BaselineEntry{}, err
	}
	b.UpdatedAt = fromNanos(updated)
	return b, nil
}

func (s *sqlStore) InsertBaseline(ctx context.Context, entry model.BaselineEntry) error {
	res, err := s.exec(ctx,
		`INSERT INTO baselines (user_id, feature, expected, confidence, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, feature) DO NOTHING`,
		entry.UserID, entry.Feature, entry.Expected, entry.Confidence, entry.Version, toNanos(entry.UpdatedAt))
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrConflict)
}

func (s *sqlStore) UpdateBaseline(ctx context.Context, entry model.BaselineEntry, prevVersion int64) error {
	res, err := s.exec(ctx,
		`UPDATE baselines SET expected = ?, confidence = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND feature = ? AND version = ?`,
		entry.Expected, entry.Confidence, entry.Version, toNanos(entry.UpdatedAt),
		entry.UserID, entry.Feature, prevVersion)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrConflict)
}

// insertedOne maps an id-keyed insert that hit an existing row to ErrConflict.
func insertedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrConflict)
}

func expectOneRow(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return otherwise
	}
	return nil
}

func (s *sqlStore) SaveAnomalyScores(ctx context.Context, scores []model.AnomalyScore) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO anomaly_scores (id, event_id, user_id, feature, expected, observed, score, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, feature) DO NOTHING`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, sc := range scores {
		var expected sql.NullFloat64
		if sc.Expected != nil {
			expected = sql.NullFloat64{Float64: *sc.Expected, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			sc.ID, sc.EventID, sc.UserID, sc.Feature, expected, sc.Observed, sc.Score, toNanos(sc.Timestamp),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) TopAnomalies(ctx context.Context, userID string, since, until time.Time, limit int) ([]model.AnomalyDetail, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT s.event_id, s.feature, s.score, s.observed, s.expected, s.ts,
			COALESCE(a.activity_type, ''), COALESCE(a.resource, ''), COALESCE(a.ip_address, '')
		FROM anomaly_scores s
		LEFT JOIN activities a ON a.id = s.event_id
		WHERE s.user_id = ? AND s.ts >= ? AND s.ts <= ?
		ORDER BY s.score DESC, s.ts DESC, s.event_id ASC, s.feature ASC
		LIMIT ?`),
		userID, toNanos(since), untilNanos(until), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AnomalyDetail, 0, limit)
	for rows.Next() {
		var d model.AnomalyDetail
		var expected sql.NullFloat64
		var ts int64
		if err := rows.Scan(&d.EventID, &d.Feature, &d.Score, &d.Observed, &expected, &ts,
			&d.ActivityType, &d.Resource, &d.IPAddress); err != nil {
			return nil, err
		}
		if expected.Valid {
			v := expected.Float64
			d.Expected = &v
		}
		d.Timestamp = fromNanos(ts)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) AverageAnomalyScore(ctx context.Context, userID string, since time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT AVG(score) FROM anomaly_scores WHERE user_id = ? AND ts >= ?`),
		userID, toNanos(since)).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

const alertColumns = `id, user_id, token_id, access_id, event_id, alert_type, severity, description, state,
	created_at, resolved_by, resolution_notes, resolved_at, evidence_json, integrity_violation, integrity_note`

func (s *sqlStore) SaveAlert(ctx context.Context, a model.Alert) error {
	res, err := s.exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		alertArgs(a)...)
	return insertedOne(res, err)
}

func alertArgs(a model.Alert) []any {
	var resolvedAt int64
	if a.ResolvedAt != nil {
		resolvedAt = toNanos(*a.ResolvedAt)
	}
	evidence := ""
	if a.Evidence != nil {
		evidence = encodeJSON(a.Evidence)
	}
	return []any{
		a.ID, a.UserID, a.TokenID, a.AccessID, a.EventID, string(a.Type), string(a.Severity), a.Description,
		string(a.State), toNanos(a.CreatedAt), a.ResolvedBy, a.ResolutionNotes, resolvedAt, evidence,
		a.IntegrityViolation, a.IntegrityNote,
	}
}

func (s *sqlStore) UpdateAlert(ctx context.Context, a model.Alert) error {
	args := alertArgs(a)
	// id moves to the WHERE clause
	args = append(args[1:], a.ID)
	res, err := s.exec(ctx,
		`UPDATE alerts SET user_id = ?, token_id = ?, access_id = ?, event_id = ?, alert_type = ?, severity = ?,
			description = ?, state = ?, created_at = ?, resolved_by = ?, resolution_notes = ?, resolved_at = ?,
			evidence_json = ?, integrity_violation = ?, integrity_note = ?
		WHERE id = ?`,
		args...)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

func scanAlert(row rowScanner) (model.Alert, error) {
	var a model.Alert
	var typ, sev, state, evidence string
	var created, resolvedAt int64
	if err := row.Scan(&a.ID, &a.UserID, &a.TokenID, &a.AccessID, &a.EventID, &typ, &sev, &a.Description, &state,
		&created, &a.ResolvedBy, &a.ResolutionNotes, &resolvedAt, &evidence, &a.IntegrityViolation, &a.IntegrityNote); err != nil {
		return model.Alert{}, err
	}
	a.Type = model.AlertType(typ)
	a.Severity = model.Severity(sev)
	a.State = model.AlertState(state)
	a.CreatedAt = fromNanos(created)
	if resolvedAt != 0 {
		ts := fromNanos(resolvedAt)
		a.ResolvedAt = &ts
	}
	if evidence != "" {
		var bundle model.EvidenceBundle
		if err := json.Unmarshal([]byte(evidence), &bundle); err != nil {
			return model.Alert{}, err
		}
		a.Evidence = &bundle
	}
	return a, nil
}

func (s *sqlStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE created_at >= ?`
	args := []any{toNanos(f.Since)}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if !f.IncludeResolved {
		query += ` AND state <> ?`
		args = append(args, string(model.StateResolved))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) AlertSeverityCounts(ctx context.Context, userID string, since time.Time) (map[model.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT severity, COUNT(*) FROM alerts WHERE user_id = ? AND created_at >= ? GROUP BY severity`),
		userID, toNanos(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[model.Severity]int{}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts[model.Severity(sev)] = n
	}
	return counts, rows.Err()
}

const tokenColumns = `id, name, token_type, token_value, location, description, sensitivity, active, created_at`

func (s *sqlStore) SaveHoneytoken(ctx context.Context, t model.Honeytoken) error {
	res, err := s.exec(ctx,
		`INSERT INTO honeytokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Name, string(t.Type), t.Value, t.Location, t.Description, t.Sensitivity, t.Active, toNanos(t.CreatedAt))
	return insertedOne(res, err)
}

func (s *sqlStore) UpdateHoneytoken(ctx context.Context, t model.Honeytoken) error {
	res, err := s.exec(ctx,
		`UPDATE honeytokens SET name = ?, token_type = ?, token_value = ?, location = ?, description = ?,
			sensitivity = ?, active = ?
		WHERE id = ?`,
		t.Name, string(t.Type), t.Value, t.Location, t.Description, t.Sensitivity, t.Active, t.ID)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

func scanToken(row rowScanner) (model.Honeytoken, error) {
	var t model.Honeytoken
	var typ string
	var created int64
	if err := row.Scan(&t.ID, &t.Name, &typ, &t.Value, &t.Location, &t.Description, &t.Sensitivity, &t.Active, &created); err != nil {
		return model.Honeytoken{}, err
	}
	t.Type = model.TokenType(typ)
	t.CreatedAt = fromNanos(created)
	return t, nil
}

func (s *sqlStore) GetHoneytoken(ctx context.Context, id string) (model.Honeytoken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, s.q(`SELECT `+tokenColumns+` FROM honeytokens WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Honeytoken{}, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) ListHoneytokens(ctx context.Context, activeOnly bool) ([]model.Honeytoken, error) {
	query := `SELECT ` + tokenColumns + ` FROM honeytokens`
	args := []any{}
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Honeytoken, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveAccess(ctx context.Context, a model.HoneytokenAccess) error {
	res, err := s.exec(ctx,
		`INSERT INTO honeytoken_access (id, token_id, user_id, event_id, ip_address, user_agent, method, context, is_authorized, access_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.TokenID, a.UserID, a.EventID, a.IPAddress, a.UserAgent, a.Method, a.Context, a.IsAuthorized, toNanos(a.AccessTime))
	return insertedOne(res, err)
}

func (s *sqlStore) GetAccess(ctx context.Context, id string) (model.HoneytokenAccess, error) {
	var a model.HoneytokenAccess
	var ts int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, token_id, user_id, event_id, ip_address, user_agent, method, context, is_authorized, access_time
		FROM honeytoken_access WHERE id = ?`), id).
		Scan(&a.ID, &a.TokenID, &a.UserID, &a.EventID, &a.IPAddress, &a.UserAgent, &a.Method, &a.Context, &a.IsAuthorized, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.HoneytokenAccess{}, ErrNotFound
		}
		return model.HoneytokenAccess{}, err
	}
	a.AccessTime = fromNanos(ts)
	return a, nil
}

func (s *sqlStore) AppendForensicLog(ctx context.Context, l model.ForensicLog) error {
	res, err := s.exec(ctx,
		`INSERT INTO forensic_logs (id, access_id, alert_id, action, source, data, hash, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, l.AccessID, l.AlertID, l.Action, l.Source, l.Data, l.Hash, toNanos(l.Timestamp))
	return insertedOne(res, err)
}

func (s *sqlStore) forensicWhere(ctx context.Context, column, value string) ([]model.ForensicLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, access_id, alert_id, action, source, data, hash, ts FROM forensic_logs
		WHERE `+column+` = ? ORDER BY ts ASC, id ASC`), value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ForensicLog, 0)
	for rows.Next() {
		var l model.ForensicLog
		var ts int64
		if err := rows.Scan(&l.ID, &l.AccessID, &l.AlertID, &l.Action, &l.Source, &l.Data, &l.Hash, &ts); err != nil {
			return nil, err
		}
		l.Timestamp = fromNanos(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqlStore) ForensicLogsByAccess(ctx context.Context, accessID string) ([]model.ForensicLog, error) {
	return s.forensicWhere(ctx, "access_id", accessID)
}

func (s *sqlStore) ForensicLogsByAlert(ctx context.Context, alertID string) ([]model.ForensicLog, error) {
	return s.forensicWhere(ctx, "alert_id", alertID)
}

func (s *sqlStore) AppendAudit(ctx context.Context, r model.AuditRecord) error {
	res, err := s.exec(ctx,
		`INSERT INTO audit_trail (id, actor, action, entity_type, entity_id, old_value, new_value, notes, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Actor, r.Action, r.EntityType, r.EntityID, r.OldValue, r.NewValue, r.Notes, toNanos(r.Timestamp))
	return insertedOne(res, err)
}

func (s *sqlStore) AuditTrail(ctx context.Context, entityType, entityID string) ([]model.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, actor, action, entity_type, entity_id, old_value, new_value, notes, ts FROM audit_trail
		WHERE entity_type = ? AND entity_id = ? ORDER BY ts ASC, id ASC`), entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AuditRecord, 0)
	for rows.Next() {
		var r model.AuditRecord
		var ts int64
		if err := rows.Scan(&r.ID, &r.Actor, &r.Action, &r.EntityType, &r.EntityID, &r.OldValue, &r.NewValue, &r.Notes, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = fromNanos(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
