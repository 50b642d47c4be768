package honeytoken

import (
	"encoding/json"
	"strings"

	"honeyguard/internal/model"
)

// matchSet indexes active tokens by the identifier an attacker would touch:
// the path or table for file and database tokens, the key for API keys and
// the username for credentials.
type matchSet struct {
	byLocation map[string]model.Honeytoken
	byValue    map[string]model.Honeytoken
	byUsername map[string]model.Honeytoken
	byID       map[string]model.Honeytoken
}

func buildMatchSet(tokens []model.Honeytoken) *matchSet {
	m := &matchSet{
		byLocation: make(map[string]model.Honeytoken),
		byValue:    make(map[string]model.Honeytoken),
		byUsername: make(map[string]model.Honeytoken),
		byID:       make(map[string]model.Honeytoken, len(tokens)),
	}
	for _, t := range tokens {
		if !t.Active {
			continue
		}
		m.byID[t.ID] = t
		switch t.Type {
		case model.TokenFile, model.TokenDatabase:
			if loc := normalizeResource(t.Location); loc != "" {
				m.byLocation[loc] = t
			}
		case model.TokenAPIKey:
			if v := strings.TrimSpace(t.Value); v != "" {
				m.byValue[v] = t
			}
		case model.TokenCredentials:
			if u := credentialsUsername(t.Value); u != "" {
				m.byUsername[u] = t
			}
		}
	}
	return m
}

func (m *matchSet) Len() int {
	if m == nil {
		return 0
	}
	return len(m.byID)
}

func (m *matchSet) lookup(ev model.ActivityEvent) (model.Honeytoken, bool) {
	if m == nil || len(m.byID) == 0 {
		return model.Honeytoken{}, false
	}
	if id, ok := ev.Details["honeytoken_id"].(string); ok {
		if t, ok := m.byID[id]; ok {
			return t, true
		}
	}
	res := normalizeResource(ev.Resource)
	if res != "" {
		if t, ok := m.byLocation[res]; ok {
			return t, true
		}
		if t, ok := m.byValue[strings.TrimSpace(ev.Resource)]; ok {
			return t, true
		}
	}
	for _, key := range []string{"api_key", "token"} {
		if v, ok := ev.Details[key].(string); ok {
			if t, ok := m.byValue[strings.TrimSpace(v)]; ok {
				return t, true
			}
		}
	}
	if u, ok := ev.Details["username"].(string); ok {
		if t, ok := m.byUsername[strings.TrimSpace(u)]; ok {
			return t, true
		}
	}
	return model.Honeytoken{}, false
}

func normalizeResource(r string) string {
	r = strings.TrimSpace(r)
	if len(r) > 1 {
		r = strings.TrimRight(r, "/")
	}
	return r
}

func credentialsUsername(value string) string {
	var creds struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal([]byte(value), &creds); err != nil {
		return ""
	}
	return strings.TrimSpace(creds.Username)
}
