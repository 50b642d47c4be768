package model

import "time"

type TokenType string

const (
	TokenFile        TokenType = "file"
	TokenDatabase    TokenType = "database"
	TokenAPIKey      TokenType = "api_key"
	TokenCredentials TokenType = "credentials"
)

type Honeytoken struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        TokenType `json:"type"`
	Value       string    `json:"value"`
	Location    string    `json:"location"`
	Description string    `json:"description,omitempty"`
	Sensitivity string    `json:"sensitivity"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type HoneytokenAccess struct {
	ID           string    `json:"id"`
	TokenID      string    `json:"token_id"`
	UserID       string    `json:"user_id,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Method       string    `json:"method,omitempty"`
	Context      string    `json:"context,omitempty"`
	IsAuthorized bool      `json:"is_authorized"`
	AccessTime   time.Time `json:"access_time"`
}

// ForensicLog is append-only. Hash is the hex SHA-256 of Data.
type ForensicLog struct {
	ID        string    `json:"id"`
	AccessID  string    `json:"access_id,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
	Action    string    `json:"action"`
	Source    string    `json:"source"`
	Data      string    `json:"data"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	ActionHoneytokenAccess   = "honeytoken_access"
	ActionEvidenceCollection = "evidence_collection"
)

type AuditRecord struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
