package metrics

import (
	"sort"
	"sync"
	"time"

	"honeyguard/internal/model"
)

// Store keeps the latest analysis per user for the API. It is bounded; the
// least recently updated user is evicted first.
type Store struct {
	mu        sync.RWMutex
	byUser    map[string]model.Analysis
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byUser:    make(map[string]model.Analysis),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(a model.Analysis) {
	if a.UserID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byUser[a.UserID]; ok && prev.Timestamp.After(a.Timestamp) {
		return
	}
	s.byUser[a.UserID] = cloneAnalysis(a)
	s.updatedAt[a.UserID] = time.Now().UTC()
	if len(s.byUser) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(userID string) (model.Analysis, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byUser[userID]
	if !ok {
		return model.Analysis{}, time.Time{}, false
	}
	return cloneAnalysis(a), s.updatedAt[userID], true
}

// Users lists tracked users ordered by id.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byUser))
	for u := range s.byUser {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

func (s *Store) evictOldest() {
	var oldestUser string
	var oldest time.Time
	for user, ts := range s.updatedAt {
		if oldestUser == "" || ts.Before(oldest) {
			oldestUser = user
			oldest = ts
		}
	}
	if oldestUser != "" {
		delete(s.byUser, oldestUser)
		delete(s.updatedAt, oldestUser)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser = make(map[string]model.Analysis)
	s.updatedAt = make(map[string]time.Time)
}

func cloneAnalysis(a model.Analysis) model.Analysis {
	scores := make(map[string]float64, len(a.FeatureScores))
	for k, v := range a.FeatureScores {
		scores[k] = v
	}
	a.FeatureScores = scores
	return a
}
