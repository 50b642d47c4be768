package model

import "time"

type AlertType string

const (
	AlertAccess   AlertType = "access"
	AlertBehavior AlertType = "unusual_behavior"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AlertState string

const (
	StateOpen              AlertState = "open"
	StateEvidenceCollected AlertState = "evidence_collected"
	StateResolved          AlertState = "resolved"
)

type Alert struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id,omitempty"`
	TokenID            string          `json:"token_id,omitempty"`
	AccessID           string          `json:"access_id,omitempty"`
	EventID            string          `json:"event_id,omitempty"`
	Type               AlertType       `json:"type"`
	Severity           Severity        `json:"severity"`
	Description        string          `json:"description"`
	State              AlertState      `json:"state"`
	CreatedAt          time.Time       `json:"created_at"`
	ResolvedBy         string          `json:"resolved_by,omitempty"`
	ResolutionNotes    string          `json:"resolution_notes,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	Evidence           *EvidenceBundle `json:"evidence,omitempty"`
	IntegrityViolation bool            `json:"integrity_violation,omitempty"`
	IntegrityNote      string          `json:"integrity_note,omitempty"`
}

func (a Alert) Resolved() bool {
	return a.State == StateResolved
}

type AccessDetails struct {
	AccessID      string    `json:"access_id"`
	TokenID       string    `json:"token_id"`
	TokenName     string    `json:"token_name"`
	TokenType     string    `json:"token_type"`
	TokenLocation string    `json:"token_location"`
	AccessTime    time.Time `json:"access_time"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Method        string    `json:"method"`
	IsAuthorized  bool      `json:"is_authorized"`
	UserID        string    `json:"user_id,omitempty"`
}

type AnomalyDetail struct {
	EventID      string    `json:"event_id"`
	Feature      string    `json:"feature"`
	Score        float64   `json:"score"`
	Observed     float64   `json:"observed"`
	Expected     *float64  `json:"expected,omitempty"`
	ActivityType string    `json:"activity_type,omitempty"`
	Resource     string    `json:"resource,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type ActivityPattern struct {
	ActivityType string    `json:"activity_type"`
	Count        int       `json:"count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// EvidenceBundle is the frozen forensic snapshot attached to an alert.
// Hash covers every field except CollectedAt and Hash itself.
type EvidenceBundle struct {
	AlertID          string            `json:"alert_id"`
	AlertType        AlertType         `json:"alert_type"`
	AccessDetails    *AccessDetails    `json:"access_details,omitempty"`
	ForensicLogs     []ForensicLog     `json:"forensic_logs,omitempty"`
	AnomalyDetails   []AnomalyDetail   `json:"anomaly_details,omitempty"`
	ActivityPatterns []ActivityPattern `json:"activity_patterns,omitempty"`
	CollectedAt      time.Time         `json:"collected_at"`
	Hash             string            `json:"hash"`
}

type RiskScore struct {
	UserID          string  `json:"user_id"`
	RawScore        float64 `json:"raw_score"`
	NormalizedScore float64 `json:"normalized_score"`
	Category        string  `json:"category"`
	AlertCount      int     `json:"alert_count"`
	AvgAnomalyScore float64 `json:"avg_anomaly_score"`
}
