package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/model"
)

type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) SaveAlert(ctx context.Context, a model.Alert) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.Store.SaveAlert(ctx, a)
}

func (f *flakyStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	f.calls++
	return f.Store.GetAlert(ctx, id)
}

// lostAckStore commits writes but reports a failure for the first few calls,
// as a dropped connection after commit would.
type lostAckStore struct {
	Store
	lost  int
	calls int
}

func (l *lostAckStore) SaveAlert(ctx context.Context, a model.Alert) error {
	l.calls++
	if err := l.Store.SaveAlert(ctx, a); err != nil {
		return err
	}
	if l.calls <= l.lost {
		return errors.New("connection reset after commit")
	}
	return nil
}

func (l *lostAckStore) SaveActivity(ctx context.Context, ev model.ActivityEvent) (bool, error) {
	l.calls++
	created, err := l.Store.SaveActivity(ctx, ev)
	if err != nil {
		return false, err
	}
	if l.calls <= l.lost {
		return false, errors.New("connection reset after commit")
	}
	return created, nil
}

func TestRetryTreatsConflictAfterLostAckAsSuccess(t *testing.T) {
	inner := NewMemory()
	s := WithRetry(&lostAckStore{Store: inner, lost: 1}, 3, time.Millisecond, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.SaveAlert(ctx, model.Alert{ID: "a"}))
	_, err := inner.GetAlert(ctx, "a")
	require.NoError(t, err)

	// A conflict on the first attempt is a real duplicate.
	require.ErrorIs(t, WithRetry(inner, 3, time.Millisecond, nil, nil).SaveAlert(ctx, model.Alert{ID: "a"}), ErrConflict)
}

func TestRetrySaveActivityAfterLostAckReportsNew(t *testing.T) {
	inner := NewMemory()
	s := WithRetry(&lostAckStore{Store: inner, lost: 1}, 3, time.Millisecond, nil, nil)
	ctx := context.Background()
	created, err := s.SaveActivity(ctx, model.ActivityEvent{ID: "e1", UserID: "u", ActivityType: "login"})
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.SaveActivity(ctx, model.ActivityEvent{ID: "e1", UserID: "u", ActivityType: "login"})
	require.NoError(t, err)
	require.False(t, created)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	flaky := &flakyStore{Store: NewMemory(), failures: 2}
	var retried []string
	s := WithRetry(flaky, 3, time.Millisecond, nil, func(op string) { retried = append(retried, op) })
	require.NoError(t, s.SaveAlert(context.Background(), model.Alert{ID: "a"}))
	require.Equal(t, 3, flaky.calls)
	require.Equal(t, []string{"save_alert", "save_alert"}, retried)
}

func TestRetryExhaustedReturnsTransient(t *testing.T) {
	flaky := &flakyStore{Store: NewMemory(), failures: 10}
	s := WithRetry(flaky, 3, time.Millisecond, nil, nil)
	err := s.SaveAlert(context.Background(), model.Alert{ID: "a"})
	require.ErrorIs(t, err, ErrTransient)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 3, te.Attempts)
	require.Equal(t, 3, flaky.calls)
}

func TestRetrySkipsNotFound(t *testing.T) {
	flaky := &flakyStore{Store: NewMemory()}
	s := WithRetry(flaky, 5, time.Millisecond, nil, nil)
	_, err := s.GetAlert(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, flaky.calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	flaky := &flakyStore{Store: NewMemory(), failures: 10}
	s := WithRetry(flaky, 5, time.Hour, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.SaveAlert(ctx, model.Alert{ID: "a"})
	require.ErrorIs(t, err, context.Canceled)
}
