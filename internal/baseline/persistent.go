package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"honeyguard/internal/keylock"
	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

// Persistent keeps baselines in the storage layer. Writers in this process
// queue on a per-key lock; writers in other processes are caught by the
// version compare-and-swap and retried against a fresh read.
type Persistent struct {
	store      storage.BaselineStore
	locks      *keylock.Locker
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

func NewPersistent(store storage.BaselineStore, maxRetries int, logger *slog.Logger) *Persistent {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Persistent{
		store:      store,
		locks:      keylock.New(),
		maxRetries: maxRetries,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *Persistent) Get(ctx context.Context, userID, feature string) (model.BaselineEntry, bool, error) {
	e, err := p.store.GetBaseline(ctx, userID, feature)
	if errors.Is(err, storage.ErrNotFound) {
		return model.BaselineEntry{}, false, nil
	}
	if err != nil {
		return model.BaselineEntry{}, false, err
	}
	return e, true, nil
}

func (p *Persistent) Update(ctx context.Context, userID, feature string, observed float64, params Params) (model.BaselineEntry, error) {
	unlock := p.locks.Lock(key(userID, feature))
	defer unlock()

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		prev, ok, err := p.Get(ctx, userID, feature)
		if err != nil {
			return model.BaselineEntry{}, err
		}
		if !ok {
			next := Next(nil, userID, feature, observed, params, p.now())
			err = p.store.InsertBaseline(ctx, next)
			if err == nil {
				return next, nil
			}
		} else {
			next := Next(&prev, userID, feature, observed, params, p.now())
			err = p.store.UpdateBaseline(ctx, next, prev.Version)
			if err == nil {
				return next, nil
			}
		}
		if !errors.Is(err, storage.ErrConflict) {
			return model.BaselineEntry{}, err
		}
		if p.logger != nil {
			p.logger.Debug("baseline write lost race, retrying", "user_id", userID, "feature", feature, "attempt", attempt)
		}
	}
	return model.BaselineEntry{}, fmt.Errorf("%w: %s/%s after %d attempts", ErrRace, userID, feature, p.maxRetries)
}
