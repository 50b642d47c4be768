package baseline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"honeyguard/internal/keylock"
	"honeyguard/internal/model"
)

// Redis shares baselines between engine replicas. Each update is a
// WATCH/MULTI/EXEC optimistic transaction on one hash per key.
type Redis struct {
	client     *redis.Client
	prefix     string
	locks      *keylock.Locker
	maxRetries int
	now        func() time.Time
}

func NewRedis(client *redis.Client, prefix string, maxRetries int) *Redis {
	if prefix == "" {
		prefix = "honeyguard:baseline"
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Redis{
		client:     client,
		prefix:     prefix,
		locks:      keylock.New(),
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *Redis) redisKey(userID, feature string) string {
	return r.prefix + ":" + key(userID, feature)
}

func (r *Redis) Get(ctx context.Context, userID, feature string) (model.BaselineEntry, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.redisKey(userID, feature)).Result()
	if err != nil {
		return model.BaselineEntry{}, false, err
	}
	return decodeHash(userID, feature, vals)
}

func (r *Redis) Update(ctx context.Context, userID, feature string, observed float64, p Params) (model.BaselineEntry, error) {
	unlock := r.locks.Lock(key(userID, feature))
	defer unlock()

	k := r.redisKey(userID, feature)
	var result model.BaselineEntry
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		prev, ok, err := decodeHash(userID, feature, vals)
		if err != nil {
			return err
		}
		var prevPtr *model.BaselineEntry
		if ok {
			prevPtr = &prev
		}
		next := Next(prevPtr, userID, feature, observed, p, r.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k,
				"expected", next.Expected,
				"confidence", next.Confidence,
				"version", next.Version,
				"updated_at", next.UpdatedAt.UnixNano(),
			)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return model.BaselineEntry{}, err
	}
	return model.BaselineEntry{}, fmt.Errorf("%w: %s/%s after %d attempts", ErrRace, userID, feature, r.maxRetries)
}

func decodeHash(userID, feature string, vals map[string]string) (model.BaselineEntry, bool, error) {
	if len(vals) == 0 {
		return model.BaselineEntry{}, false, nil
	}
	e := model.BaselineEntry{UserID: userID, Feature: feature}
	var err error
	if e.Expected, err = strconv.ParseFloat(vals["expected"], 64); err != nil {
		return e, false, fmt.Errorf("decode expected: %w", err)
	}
	if e.Confidence, err = strconv.ParseFloat(vals["confidence"], 64); err != nil {
		return e, false, fmt.Errorf("decode confidence: %w", err)
	}
	if e.Version, err = strconv.ParseInt(vals["version"], 10, 64); err != nil {
		return e, false, fmt.Errorf("decode version: %w", err)
	}
	if ns, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		e.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return e, true, nil
}
