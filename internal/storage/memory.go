package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"honeyguard/internal/model"
)

type memoryStore struct {
	mu         sync.RWMutex
	activities map[string]model.ActivityEvent
	byUser     map[string][]string
	baselines  map[string]model.BaselineEntry
	scores     []model.AnomalyScore
	scored     map[string]struct{}
	alerts     map[string]model.Alert
	tokens     map[string]model.Honeytoken
	accesses   map[string]model.HoneytokenAccess
	forensics  []model.ForensicLog
	audit      []model.AuditRecord
	appended   map[string]struct{}
}

// NewMemory returns a process-local Store. Used when persistence is disabled
// and throughout the tests.
func NewMemory() Store {
	return &memoryStore{
		activities: make(map[string]model.ActivityEvent),
		byUser:     make(map[string][]string),
		baselines:  make(map[string]model.BaselineEntry),
		alerts:     make(map[string]model.Alert),
		tokens:     make(map[string]model.Honeytoken),
		accesses:   make(map[string]model.HoneytokenAccess),
		scored:     make(map[string]struct{}),
		appended:   make(map[string]struct{}),
	}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

func (m *memoryStore) SaveActivity(_ context.Context, ev model.ActivityEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activities[ev.ID]; ok {
		return false, nil
	}
	m.byUser[ev.UserID] = append(m.byUser[ev.UserID], ev.ID)
	m.activities[ev.ID] = ev
	return true, nil
}

func (m *memoryStore) userActivities(userID string, since, until time.Time) []model.ActivityEvent {
	out := make([]model.ActivityEvent, 0)
	for _, id := range m.byUser[userID] {
		ev := m.activities[id]
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && ev.Timestamp.After(until) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (m *memoryStore) DistinctIPs(_ context.Context, userID string, since, until time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, ev := range m.userActivities(userID, since, until) {
		if ev.IPAddress != "" {
			seen[ev.IPAddress] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

func (m *memoryStore) DistinctResources(_ context.Context, userID string, since, until time.Time, excludeEventID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, ev := range m.userActivities(userID, since, until) {
		if ev.Resource == "" || ev.ID == excludeEventID {
			continue
		}
		seen[ev.Resource] = struct{}{}
	}
	return sortedKeys(seen), nil
}

func (m *memoryStore) ActivityPatterns(_ context.Context, userID string, until time.Time) ([]model.ActivityPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byType := map[string]*model.ActivityPattern{}
	for _, ev := range m.userActivities(userID, time.Time{}, until) {
		p, ok := byType[ev.ActivityType]
		if !ok {
			p = &model.ActivityPattern{ActivityType: ev.ActivityType, FirstSeen: ev.Timestamp, LastSeen: ev.Timestamp}
			byType[ev.ActivityType] = p
		}
		p.Count++
		if ev.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = ev.Timestamp
		}
		if ev.Timestamp.After(p.LastSeen) {
			p.LastSeen = ev.Timestamp
		}
	}
	out := make([]model.ActivityPattern, 0, len(byType))
	for _, p := range byType {
		out = append(out, *p)
	}
	sortPatterns(out)
	return out, nil
}

func (m *memoryStore) ListUsers(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for u := range m.byUser {
		seen[u] = struct{}{}
	}
	for _, a := range m.alerts {
		if a.UserID != "" {
			seen[a.UserID] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

func baselineKey(userID, feature string) string {
	return userID + "\x00" + feature
}

func (m *memoryStore) GetBaseline(_ context.Context, userID, feature string) (model.BaselineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[baselineKey(userID, feature)]
	if !ok {
		return model.BaselineEntry{}, ErrNotFound
	}
	return b, nil
}

func (m *memoryStore) InsertBaseline(_ context.Context, entry model.BaselineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := baselineKey(entry.UserID, entry.Feature)
	if _, ok := m.baselines[key]; ok {
		return ErrConflict
	}
	m.baselines[key] = entry
	return nil
}

func (m *memoryStore) UpdateBaseline(_ context.Context, entry model.BaselineEntry, prevVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := baselineKey(entry.UserID, entry.Feature)
	cur, ok := m.baselines[key]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prevVersion {
		return ErrConflict
	}
	m.baselines[key] = entry
	return nil
}

func (m *memoryStore) SaveAnomalyScores(_ context.Context, scores []model.AnomalyScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sc := range scores {
		key := baselineKey(sc.EventID, sc.Feature)
		if _, ok := m.scored[key]; ok {
			continue
		}
		m.scored[key] = struct{}{}
		m.scores = append(m.scores, sc)
	}
	return nil
}

func (m *memoryStore) TopAnomalies(_ context.Context, userID string, since, until time.Time, limit int) ([]model.AnomalyDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AnomalyDetail, 0)
	for _, s := range m.scores {
		if s.UserID != userID || s.Timestamp.Before(since) || (!until.IsZero() && s.Timestamp.After(until)) {
			continue
		}
		d := model.AnomalyDetail{
			EventID:   s.EventID,
			Feature:   s.Feature,
			Score:     s.Score,
			Observed:  s.Observed,
			Expected:  s.Expected,
			Timestamp: s.Timestamp,
		}
		if ev, ok := m.activities[s.EventID]; ok {
			d.ActivityType = ev.ActivityType
			d.Resource = ev.Resource
			d.IPAddress = ev.IPAddress
		}
		out = append(out, d)
	}
	sortAnomalies(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) AverageAnomalyScore(_ context.Context, userID string, since time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	var n int
	for _, s := range m.scores {
		if s.UserID == userID && !s.Timestamp.Before(since) {
			sum += s.Score
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (m *memoryStore) SaveAlert(_ context.Context, alert model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; ok {
		return ErrConflict
	}
	m.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

func (m *memoryStore) UpdateAlert(_ context.Context, alert model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; !ok {
		return ErrNotFound
	}
	m.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

func (m *memoryStore) GetAlert(_ context.Context, id string) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	return cloneAlert(a), nil
}

func (m *memoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range m.alerts {
		if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if !f.IncludeResolved && a.Resolved() {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryStore) AlertSeverityCounts(_ context.Context, userID string, since time.Time) (map[model.Severity]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[model.Severity]int{}
	for _, a := range m.alerts {
		if a.UserID == userID && !a.CreatedAt.Before(since) {
			counts[a.Severity]++
		}
	}
	return counts, nil
}

func (m *memoryStore) SaveHoneytoken(_ context.Context, token model.Honeytoken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.ID]; ok {
		return ErrConflict
	}
	m.tokens[token.ID] = token
	return nil
}

func (m *memoryStore) UpdateHoneytoken(_ context.Context, token model.Honeytoken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.ID]; !ok {
		return ErrNotFound
	}
	m.tokens[token.ID] = token
	return nil
}

func (m *memoryStore) GetHoneytoken(_ context.Context, id string) (model.Honeytoken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return model.Honeytoken{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) ListHoneytokens(_ context.Context, activeOnly bool) ([]model.Honeytoken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Honeytoken, 0, len(m.tokens))
	for _, t := range m.tokens {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memoryStore) SaveAccess(_ context.Context, access model.HoneytokenAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accesses[access.ID]; ok {
		return ErrConflict
	}
	m.accesses[access.ID] = access
	return nil
}

func (m *memoryStore) GetAccess(_ context.Context, id string) (model.HoneytokenAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accesses[id]
	if !ok {
		return model.HoneytokenAccess{}, ErrNotFound
	}
	return a, nil
}

func (m *memoryStore) AppendForensicLog(_ context.Context, entry model.ForensicLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.markAppended("forensic", entry.ID) {
		return ErrConflict
	}
	m.forensics = append(m.forensics, entry)
	return nil
}

func (m *memoryStore) ForensicLogsByAccess(_ context.Context, accessID string) ([]model.ForensicLog, error) {
	return m.forensicWhere(func(l model.ForensicLog) bool { return l.AccessID == accessID }), nil
}

func (m *memoryStore) ForensicLogsByAlert(_ context.Context, alertID string) ([]model.ForensicLog, error) {
	return m.forensicWhere(func(l model.ForensicLog) bool { return l.AlertID == alertID }), nil
}

func (m *memoryStore) forensicWhere(match func(model.ForensicLog) bool) []model.ForensicLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ForensicLog, 0)
	for _, l := range m.forensics {
		if match(l) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *memoryStore) AppendAudit(_ context.Context, rec model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.markAppended("audit", rec.ID) {
		return ErrConflict
	}
	m.audit = append(m.audit, rec)
	return nil
}

// markAppended reports false when id was already written to the named log.
// Callers hold m.mu.
func (m *memoryStore) markAppended(log, id string) bool {
	key := log + "\x00" + id
	if _, ok := m.appended[key]; ok {
		return false
	}
	m.appended[key] = struct{}{}
	return true
}

func (m *memoryStore) AuditTrail(_ context.Context, entityType, entityID string) ([]model.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AuditRecord, 0)
	for _, r := range m.audit {
		if r.EntityType == entityType && r.EntityID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortPatterns(p []model.ActivityPattern) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Count == p[j].Count {
			return p[i].ActivityType < p[j].ActivityType
		}
		return p[i].Count > p[j].Count
	})
}

// sortAnomalies orders by score desc with time and event id tie-breaks so
// evidence built from the result is reproducible.
func sortAnomalies(d []model.AnomalyDetail) {
	sort.Slice(d, func(i, j int) bool {
		if d[i].Score != d[j].Score {
			return d[i].Score > d[j].Score
		}
		if !d[i].Timestamp.Equal(d[j].Timestamp) {
			return d[i].Timestamp.After(d[j].Timestamp)
		}
		if d[i].EventID != d[j].EventID {
			return d[i].EventID < d[j].EventID
		}
		return d[i].Feature < d[j].Feature
	})
}

func cloneAlert(a model.Alert) model.Alert {
	if a.ResolvedAt != nil {
		ts := *a.ResolvedAt
		a.ResolvedAt = &ts
	}
	if a.Evidence != nil {
		ev := *a.Evidence
		if ev.AccessDetails != nil {
			ad := *ev.AccessDetails
			ev.AccessDetails = &ad
		}
		ev.ForensicLogs = append([]model.ForensicLog(nil), ev.ForensicLogs...)
		ev.AnomalyDetails = append([]model.AnomalyDetail(nil), ev.AnomalyDetails...)
		ev.ActivityPatterns = append([]model.ActivityPattern(nil), ev.ActivityPatterns...)
		a.Evidence = &ev
	}
	return a
}
