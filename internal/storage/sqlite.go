package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	sqlStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:honeyguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc serialises writers per connection; one connection avoids SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)
	return &sqliteStore{sqlStore{baseStore: baseStore{db: db}}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			details_json TEXT,
			ts INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_user_ts ON activities(user_id, ts)`,
		`CREATE TABLE IF NOT EXISTS baselines (
			user_id TEXT NOT NULL,
			feature TEXT NOT NULL,
			expected REAL NOT NULL,
			confidence REAL NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, feature)
		)`,
		`CREATE TABLE IF NOT EXISTS anomaly_scores (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			feature TEXT NOT NULL,
			expected REAL,
			observed REAL NOT NULL,
			score REAL NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomaly_scores_user_ts ON anomaly_scores(user_id, ts)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_anomaly_scores_event_feature ON anomaly_scores(event_id, feature)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			token_id TEXT NOT NULL DEFAULT '',
			access_id TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL DEFAULT '',
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			resolved_by TEXT NOT NULL DEFAULT '',
			resolution_notes TEXT NOT NULL DEFAULT '',
			resolved_at INTEGER NOT NULL DEFAULT 0,
			evidence_json TEXT NOT NULL DEFAULT '',
			integrity_violation INTEGER NOT NULL DEFAULT 0,
			integrity_note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS honeytokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_type TEXT NOT NULL,
			token_value TEXT NOT NULL,
			location TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			sensitivity TEXT NOT NULL,
			active INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS honeytoken_access (
			id TEXT PRIMARY KEY,
			token_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			is_authorized INTEGER NOT NULL,
			access_time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS forensic_logs (
			id TEXT PRIMARY KEY,
			access_id TEXT NOT NULL DEFAULT '',
			alert_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			source TEXT NOT NULL,
			data TEXT NOT NULL,
			hash TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forensic_access ON forensic_logs(access_id)`,
		`CREATE INDEX IF NOT EXISTS idx_forensic_alert ON forensic_logs(alert_id)`,
		`CREATE TABLE IF NOT EXISTS audit_trail (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		)`,
	})
}
