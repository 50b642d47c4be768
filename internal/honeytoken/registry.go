package honeytoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

var ErrInvalidToken = errors.New("invalid honeytoken")

// AlertRaiser is the part of the alert manager the registry drives.
type AlertRaiser interface {
	CreateAccessAlert(ctx context.Context, token model.Honeytoken, access model.HoneytokenAccess) (model.Alert, error)
}

type Store interface {
	storage.TokenStore
	AppendForensicLog(ctx context.Context, entry model.ForensicLog) error
	AppendAudit(ctx context.Context, rec model.AuditRecord) error
}

type Registry struct {
	store   Store
	alerts  AlertRaiser
	matches atomic.Pointer[matchSet]
	logger  *slog.Logger
	now     func() time.Time
}

func NewRegistry(store Store, alerts AlertRaiser, logger *slog.Logger) *Registry {
	r := &Registry{
		store:  store,
		alerts: alerts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	r.matches.Store(buildMatchSet(nil))
	return r
}

// Refresh rebuilds the lookup index from the active tokens in the store.
func (r *Registry) Refresh(ctx context.Context) error {
	tokens, err := r.store.ListHoneytokens(ctx, true)
	if err != nil {
		return fmt.Errorf("list honeytokens: %w", err)
	}
	r.matches.Store(buildMatchSet(tokens))
	return nil
}

func (r *Registry) Active() int {
	return r.matches.Load().Len()
}

// Match reports the active decoy an activity touched, if any.
func (r *Registry) Match(ev model.ActivityEvent) (model.Honeytoken, bool) {
	return r.matches.Load().lookup(ev)
}

type RegisterRequest struct {
	Name        string          `json:"name"`
	Type        model.TokenType `json:"type"`
	Value       string          `json:"value,omitempty"`
	Location    string          `json:"location,omitempty"`
	Description string          `json:"description,omitempty"`
	Sensitivity string          `json:"sensitivity,omitempty"`
	Service     string          `json:"service,omitempty"`
	Username    string          `json:"username,omitempty"`
	Table       string          `json:"table,omitempty"`
	FileType    string          `json:"file_type,omitempty"`
	KeyPrefix   string          `json:"key_prefix,omitempty"`
}

func (r *Registry) Register(ctx context.Context, req RegisterRequest) (model.Honeytoken, error) {
	token, err := r.build(req)
	if err != nil {
		return model.Honeytoken{}, err
	}
	if err := r.store.SaveHoneytoken(ctx, token); err != nil {
		return model.Honeytoken{}, fmt.Errorf("save honeytoken: %w", err)
	}
	if err := r.Refresh(ctx); err != nil && r.logger != nil {
		r.logger.Error("honeytoken index refresh failed", "err", err)
	}
	if r.logger != nil {
		r.logger.Info("honeytoken registered", "token_id", token.ID, "type", token.Type, "location", token.Location)
	}
	return token, nil
}

func (r *Registry) build(req RegisterRequest) (model.Honeytoken, error) {
	id := uuid.New()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = id.String()[:8]
	}
	t := model.Honeytoken{
		ID:          id.String(),
		Name:        name,
		Type:        req.Type,
		Value:       req.Value,
		Location:    req.Location,
		Description: req.Description,
		Sensitivity: req.Sensitivity,
		Active:      true,
		CreatedAt:   r.now(),
	}
	switch req.Type {
	case model.TokenFile:
		ext := req.FileType
		if ext == "" {
			ext = "txt"
		}
		if t.Location == "" {
			t.Location = fmt.Sprintf("/tmp/honeyfiles/%s.%s", name, ext)
		}
		if t.Value == "" {
			t.Value = fmt.Sprintf("CONFIDENTIAL INFORMATION - DO NOT SHARE\nDocument ID: %s\nCreated: %s",
				uuid.NewString(), t.CreatedAt.Format(time.RFC3339))
		}
		t.Sensitivity = orDefault(t.Sensitivity, "medium")
	case model.TokenDatabase:
		table := orDefault(req.Table, "customer_data")
		if t.Location == "" {
			t.Location = "table:" + table
		}
		if t.Value == "" {
			record, err := fakeRecord()
			if err != nil {
				return model.Honeytoken{}, err
			}
			t.Value = record
		}
		t.Sensitivity = orDefault(t.Sensitivity, "medium")
	case model.TokenAPIKey:
		service := orDefault(req.Service, "internal-api")
		if t.Location == "" {
			t.Location = "service:" + service
		}
		if t.Value == "" {
			sum := sha256.Sum256([]byte(strings.ReplaceAll(uuid.NewString(), "-", "")))
			t.Value = orDefault(req.KeyPrefix, "api-") + hex.EncodeToString(sum[:])[:24]
		}
		t.Sensitivity = orDefault(t.Sensitivity, "high")
	case model.TokenCredentials:
		service := orDefault(req.Service, "internal-portal")
		if t.Location == "" {
			t.Location = "service:" + service
		}
		if t.Value == "" {
			username := req.Username
			if username == "" {
				username = "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
			}
			password, err := randomString(passwordChars, 12)
			if err != nil {
				return model.Honeytoken{}, err
			}
			data, _ := json.Marshal(map[string]string{"username": username, "password": password, "service": service})
			t.Value = string(data)
		}
		t.Sensitivity = orDefault(t.Sensitivity, "high")
	default:
		return model.Honeytoken{}, fmt.Errorf("%w: unknown type %q", ErrInvalidToken, req.Type)
	}
	return t, nil
}

const (
	digits        = "0123456789"
	passwordChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!#$%&*+-.:;=?@^_~"
)

func fakeRecord() (string, error) {
	customerID, err := randomString(digits, 10)
	if err != nil {
		return "", err
	}
	card, err := randomString(digits, 15)
	if err != nil {
		return "", err
	}
	data, _ := json.Marshal(map[string]string{
		"customer_id": customerID,
		"email":       "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "@example.com",
		"credit_card": "4" + card,
		"notes":       "High-value customer account",
	})
	return string(data), nil
}

func randomString(alphabet string, n int) (string, error) {
	var b strings.Builder
	bound := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		k, err := rand.Int(rand.Reader, bound)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[k.Int64()])
	}
	return b.String(), nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (r *Registry) Get(ctx context.Context, id string) (model.Honeytoken, error) {
	return r.store.GetHoneytoken(ctx, id)
}

func (r *Registry) List(ctx context.Context, activeOnly bool) ([]model.Honeytoken, error) {
	return r.store.ListHoneytokens(ctx, activeOnly)
}

func (r *Registry) Deactivate(ctx context.Context, id, actor string) (model.Honeytoken, error) {
	token, err := r.store.GetHoneytoken(ctx, id)
	if err != nil {
		return model.Honeytoken{}, err
	}
	if !token.Active {
		return token, nil
	}
	token.Active = false
	if err := r.store.UpdateHoneytoken(ctx, token); err != nil {
		return model.Honeytoken{}, fmt.Errorf("deactivate honeytoken: %w", err)
	}
	rec := model.AuditRecord{
		ID:         uuid.NewString(),
		Actor:      orDefault(actor, "system"),
		Action:     "deactivate_honeytoken",
		EntityType: "honeytoken",
		EntityID:   id,
		OldValue:   "active",
		NewValue:   "inactive",
		Timestamp:  r.now(),
	}
	if err := r.store.AppendAudit(ctx, rec); err != nil && r.logger != nil {
		r.logger.Error("audit append failed", "token_id", id, "err", err)
	}
	if err := r.Refresh(ctx); err != nil && r.logger != nil {
		r.logger.Error("honeytoken index refresh failed", "err", err)
	}
	return token, nil
}

type AccessRequest struct {
	TokenID      string    `json:"token_id"`
	UserID       string    `json:"user_id,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Method       string    `json:"method,omitempty"`
	Context      string    `json:"context,omitempty"`
	IsAuthorized bool      `json:"is_authorized"`
	AccessTime   time.Time `json:"access_time,omitempty"`
}

// RecordAccess stores the access, writes its forensic log entry and raises an
// access alert unless the access was authorised.
func (r *Registry) RecordAccess(ctx context.Context, req AccessRequest) (model.HoneytokenAccess, *model.Alert, error) {
	token, err := r.store.GetHoneytoken(ctx, req.TokenID)
	if err != nil {
		return model.HoneytokenAccess{}, nil, err
	}
	at := req.AccessTime
	if at.IsZero() {
		at = r.now()
	}
	access := model.HoneytokenAccess{
		ID:           uuid.NewString(),
		TokenID:      token.ID,
		UserID:       req.UserID,
		EventID:      req.EventID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Method:       req.Method,
		Context:      req.Context,
		IsAuthorized: req.IsAuthorized,
		AccessTime:   at.UTC(),
	}
	if err := r.store.SaveAccess(ctx, access); err != nil {
		return model.HoneytokenAccess{}, nil, fmt.Errorf("save access: %w", err)
	}
	data, _ := json.MarshalIndent(map[string]any{
		"timestamp":     access.AccessTime,
		"token_id":      access.TokenID,
		"user_id":       access.UserID,
		"ip_address":    access.IPAddress,
		"user_agent":    access.UserAgent,
		"method":        access.Method,
		"context":       access.Context,
		"is_authorized": access.IsAuthorized,
	}, "", "  ")
	sum := sha256.Sum256(data)
	entry := model.ForensicLog{
		ID:        uuid.NewString(),
		AccessID:  access.ID,
		Action:    model.ActionHoneytokenAccess,
		Source:    "honeytoken_system",
		Data:      string(data),
		Hash:      hex.EncodeToString(sum[:]),
		Timestamp: access.AccessTime,
	}
	if err := r.store.AppendForensicLog(ctx, entry); err != nil && r.logger != nil {
		r.logger.Error("forensic log append failed", "access_id", access.ID, "err", err)
	}
	if r.logger != nil {
		r.logger.Warn("honeytoken access detected",
			"token_id", token.ID,
			"user_id", access.UserID,
			"ip", access.IPAddress,
			"authorized", access.IsAuthorized,
		)
	}
	if access.IsAuthorized || r.alerts == nil {
		return access, nil, nil
	}
	alert, err := r.alerts.CreateAccessAlert(ctx, token, access)
	if err != nil {
		return access, nil, fmt.Errorf("raise access alert: %w", err)
	}
	return access, &alert, nil
}
