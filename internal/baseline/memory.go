package baseline

import (
	"context"
	"sync"
	"time"

	"honeyguard/internal/keylock"
	"honeyguard/internal/model"
)

type Memory struct {
	mu      sync.RWMutex
	entries map[string]model.BaselineEntry
	locks   *keylock.Locker
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]model.BaselineEntry),
		locks:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Get(_ context.Context, userID, feature string) (model.BaselineEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key(userID, feature)]
	return e, ok, nil
}

func (m *Memory) Update(_ context.Context, userID, feature string, observed float64, p Params) (model.BaselineEntry, error) {
	k := key(userID, feature)
	unlock := m.locks.Lock(k)
	defer unlock()

	m.mu.RLock()
	prev, ok := m.entries[k]
	m.mu.RUnlock()
	var prevPtr *model.BaselineEntry
	if ok {
		prevPtr = &prev
	}
	next := Next(prevPtr, userID, feature, observed, p, m.now())

	m.mu.Lock()
	m.entries[k] = next
	m.mu.Unlock()
	return next, nil
}
