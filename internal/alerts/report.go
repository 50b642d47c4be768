package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Summary struct {
	Days       int                     `json:"days"`
	Since      time.Time               `json:"since"`
	Total      int                     `json:"total"`
	Unresolved int                     `json:"unresolved"`
	BySeverity map[model.Severity]int  `json:"by_severity"`
	ByType     map[model.AlertType]int `json:"by_type"`
	ByDay      map[string]int          `json:"by_day"`
	TopTokens  []Count                 `json:"top_tokens"`
	TopUsers   []Count                 `json:"top_users"`
}

const summaryTop = 5

func (m *Manager) Summary(ctx context.Context, days int) (Summary, error) {
	if days <= 0 {
		days = 7
	}
	since := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	list, err := m.store.ListAlerts(ctx, storage.AlertFilter{Since: since, IncludeResolved: true})
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Days:       days,
		Since:      since,
		Total:      len(list),
		BySeverity: map[model.Severity]int{},
		ByType:     map[model.AlertType]int{},
		ByDay:      map[string]int{},
	}
	tokens := map[string]int{}
	users := map[string]int{}
	for _, a := range list {
		if !a.Resolved() {
			s.Unresolved++
		}
		s.BySeverity[a.Severity]++
		s.ByType[a.Type]++
		s.ByDay[a.CreatedAt.UTC().Format("2006-01-02")]++
		if a.TokenID != "" {
			tokens[a.TokenID]++
		}
		if a.UserID != "" {
			users[a.UserID]++
		}
	}
	s.TopTokens = topCounts(tokens, summaryTop)
	s.TopUsers = topCounts(users, summaryTop)
	return s, nil
}

func topCounts(in map[string]int, limit int) []Count {
	out := make([]Count, 0, len(in))
	for k, n := range in {
		out = append(out, Count{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Key < out[j].Key
		}
		return out[i].Count > out[j].Count
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

type ExportMetadata struct {
	ExportedAt time.Time `json:"exported_at"`
	ExportedBy string    `json:"exported_by,omitempty"`
	DataHash   string    `json:"data_hash"`
}

// Export is the self-contained case file for one alert.
type Export struct {
	Alert        model.Alert             `json:"alert"`
	Token        *model.Honeytoken       `json:"honeytoken,omitempty"`
	Access       *model.HoneytokenAccess `json:"access,omitempty"`
	ForensicLogs []model.ForensicLog     `json:"forensic_logs"`
	AuditTrail   []model.AuditRecord     `json:"audit_trail"`
	Metadata     ExportMetadata          `json:"export_metadata"`
}

func (m *Manager) Export(ctx context.Context, id, exportedBy string) (Export, error) {
	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return Export{}, err
	}
	out := Export{Alert: alert}
	if alert.TokenID != "" {
		token, err := m.store.GetHoneytoken(ctx, alert.TokenID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Export{}, fmt.Errorf("load honeytoken: %w", err)
		}
		if err == nil {
			out.Token = &token
		}
	}
	logs, err := m.store.ForensicLogsByAlert(ctx, id)
	if err != nil {
		return Export{}, fmt.Errorf("load forensic logs: %w", err)
	}
	if alert.AccessID != "" {
		access, err := m.store.GetAccess(ctx, alert.AccessID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Export{}, fmt.Errorf("load access: %w", err)
		}
		if err == nil {
			out.Access = &access
		}
		byAccess, err := m.store.ForensicLogsByAccess(ctx, alert.AccessID)
		if err != nil {
			return Export{}, fmt.Errorf("load forensic logs: %w", err)
		}
		logs = mergeLogs(logs, byAccess)
	}
	out.ForensicLogs = logs
	trail, err := m.store.AuditTrail(ctx, "alert", id)
	if err != nil {
		return Export{}, fmt.Errorf("load audit trail: %w", err)
	}
	out.AuditTrail = trail

	data, err := json.Marshal(out)
	if err != nil {
		return Export{}, err
	}
	sum := sha256.Sum256(data)
	out.Metadata = ExportMetadata{
		ExportedAt: m.now(),
		ExportedBy: exportedBy,
		DataHash:   hex.EncodeToString(sum[:]),
	}
	return out, nil
}

func mergeLogs(a, b []model.ForensicLog) []model.ForensicLog {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]model.ForensicLog, 0, len(a)+len(b))
	for _, list := range [][]model.ForensicLog{a, b} {
		for _, l := range list {
			if _, ok := seen[l.ID]; ok {
				continue
			}
			seen[l.ID] = struct{}{}
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
