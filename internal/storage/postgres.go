package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	sqlStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/honeyguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{sqlStore{baseStore: baseStore{db: db}, dollar: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
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
			details_json JSONB,
			ts BIGINT NOT NULL,
			source TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_user_ts ON activities(user_id, ts)`,
		`CREATE TABLE IF NOT EXISTS baselines (
			user_id TEXT NOT NULL,
			feature TEXT NOT NULL,
			expected DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			version BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, feature)
		)`,
		`CREATE TABLE IF NOT EXISTS anomaly_scores (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			feature TEXT NOT NULL,
			expected DOUBLE PRECISION,
			observed DOUBLE PRECISION NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			ts BIGINT NOT NULL
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
			created_at BIGINT NOT NULL,
			resolved_by TEXT NOT NULL DEFAULT '',
			resolution_notes TEXT NOT NULL DEFAULT '',
			resolved_at BIGINT NOT NULL DEFAULT 0,
			evidence_json TEXT NOT NULL DEFAULT '',
			integrity_violation BOOLEAN NOT NULL DEFAULT FALSE,
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
			active BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL
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
			is_authorized BOOLEAN NOT NULL,
			access_time BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS forensic_logs (
			id TEXT PRIMARY KEY,
			access_id TEXT NOT NULL DEFAULT '',
			alert_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			source TEXT NOT NULL,
			data TEXT NOT NULL,
			hash TEXT NOT NULL,
			ts BIGINT NOT NULL
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
			ts BIGINT NOT NULL
		)`,
	})
}
