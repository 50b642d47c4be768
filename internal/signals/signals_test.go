package signals

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newDetector(t *testing.T) (*Detector, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	return NewDetector(store, ParamsFrom(config.DefaultDetection()), nil), store
}

func save(t *testing.T, store storage.Store, ev model.ActivityEvent) {
	t.Helper()
	_, err := store.SaveActivity(context.Background(), ev)
	require.NoError(t, err)
}

func TestMultipleIPsNeedsTwoOthers(t *testing.T) {
	d, store := newDetector(t)
	ctx := context.Background()
	save(t, store, model.ActivityEvent{ID: "a", UserID: "u", IPAddress: "10.0.0.1", Timestamp: base.Add(-30 * time.Minute)})
	cur := model.ActivityEvent{ID: "c", UserID: "u", IPAddress: "10.0.0.9", Timestamp: base}
	save(t, store, cur)
	require.False(t, d.MultipleIPs(ctx, cur))

	save(t, store, model.ActivityEvent{ID: "b", UserID: "u", IPAddress: "10.0.0.2", Timestamp: base.Add(-10 * time.Minute)})
	require.True(t, d.MultipleIPs(ctx, cur))
}

func TestMultipleIPsIgnoresCurrentAddressAndOldEvents(t *testing.T) {
	d, store := newDetector(t)
	save(t, store, model.ActivityEvent{ID: "a", UserID: "u", IPAddress: "10.0.0.9", Timestamp: base.Add(-5 * time.Minute)})
	save(t, store, model.ActivityEvent{ID: "b", UserID: "u", IPAddress: "10.0.0.1", Timestamp: base.Add(-2 * time.Hour)})
	save(t, store, model.ActivityEvent{ID: "x", UserID: "other", IPAddress: "10.0.0.3", Timestamp: base})
	cur := model.ActivityEvent{ID: "c", UserID: "u", IPAddress: "10.0.0.9", Timestamp: base}
	require.False(t, d.MultipleIPs(context.Background(), cur))
}

func TestNovelResourceRequiresHistory(t *testing.T) {
	d, store := newDetector(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		save(t, store, model.ActivityEvent{ID: fmt.Sprintf("h%d", i), UserID: "u", Resource: fmt.Sprintf("docs/%d", i), Timestamp: base.Add(-time.Duration(i+1) * time.Hour)})
	}
	cur := model.ActivityEvent{ID: "c", UserID: "u", Resource: "finance/ledger", Timestamp: base}
	save(t, store, cur)
	require.False(t, d.NovelResource(ctx, cur), "five known resources is not enough history")

	save(t, store, model.ActivityEvent{ID: "h5", UserID: "u", Resource: "docs/5", Timestamp: base.Add(-24 * time.Hour)})
	require.True(t, d.NovelResource(ctx, cur))

	known := model.ActivityEvent{ID: "k", UserID: "u", Resource: "docs/3", Timestamp: base}
	require.False(t, d.NovelResource(ctx, known))
	require.False(t, d.NovelResource(ctx, model.ActivityEvent{ID: "e", UserID: "u", Timestamp: base}))
}

func TestNovelResourceWindow(t *testing.T) {
	d, store := newDetector(t)
	for i := 0; i < 6; i++ {
		save(t, store, model.ActivityEvent{ID: fmt.Sprintf("h%d", i), UserID: "u", Resource: fmt.Sprintf("r%d", i), Timestamp: base.Add(-40 * 24 * time.Hour)})
	}
	cur := model.ActivityEvent{ID: "c", UserID: "u", Resource: "new", Timestamp: base}
	require.False(t, d.NovelResource(context.Background(), cur))
}

type failingHistory struct{}

func (failingHistory) DistinctIPs(context.Context, string, time.Time, time.Time) ([]string, error) {
	return nil, errors.New("down")
}

func (failingHistory) DistinctResources(context.Context, string, time.Time, time.Time, string) ([]string, error) {
	return nil, errors.New("down")
}

func TestLookupFailureYieldsNoFlag(t *testing.T) {
	d := NewDetector(failingHistory{}, ParamsFrom(config.DefaultDetection()), nil)
	flags := d.Evaluate(context.Background(), model.ActivityEvent{ID: "c", UserID: "u", Resource: "r", IPAddress: "1.1.1.1", Timestamp: base})
	require.False(t, flags.Any())
}
