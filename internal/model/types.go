package model

import "time"

type Details map[string]any

type ActivityEvent struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ActivityType string    `json:"activity_type"`
	Resource     string    `json:"resource,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Details      Details   `json:"details,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source,omitempty"`
}

// BaselineEntry is the learned expectation for one (user, feature) pair.
// Version increments on every successful write and backs compare-and-swap.
type BaselineEntry struct {
	UserID     string    `json:"user_id"`
	Feature    string    `json:"feature"`
	Expected   float64   `json:"expected"`
	Confidence float64   `json:"confidence"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type AnomalyScore struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	Feature   string    `json:"feature"`
	Expected  *float64  `json:"expected,omitempty"`
	Observed  float64   `json:"observed"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

type ContextFlags struct {
	MultipleIPs     bool `json:"multiple_ips"`
	UnusualResource bool `json:"unusual_resource"`
}

func (f ContextFlags) Any() bool {
	return f.MultipleIPs || f.UnusualResource
}

type Analysis struct {
	EventID       string             `json:"event_id"`
	UserID        string             `json:"user_id"`
	FeatureScores map[string]float64 `json:"feature_scores"`
	OverallScore  float64            `json:"overall_score"`
	Flags         ContextFlags       `json:"flags"`
	Timestamp     time.Time          `json:"timestamp"`
}
