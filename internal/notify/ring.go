package notify

import (
	"context"
	"sync"
	"time"

	"honeyguard/internal/model"
)

// Ring keeps the last delivered alerts in memory.
type Ring struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = 1000
	}
	return &Ring{limit: limit}
}

func (r *Ring) Notify(_ context.Context, alert model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, alert)
		return nil
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = alert
	return nil
}

// List returns up to limit of the newest alerts, oldest first.
func (r *Ring) List(limit int) []model.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.buf) {
		limit = len(r.buf)
	}
	out := make([]model.Alert, 0, limit)
	for i := len(r.buf) - limit; i < len(r.buf); i++ {
		out = append(out, r.buf[i])
	}
	return out
}

func (r *Ring) Since(ts time.Time) []model.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range r.buf {
		if !a.CreatedAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}
