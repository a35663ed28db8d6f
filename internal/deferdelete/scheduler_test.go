package deferdelete

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/config"
)

type memScheduleStore struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

func (m *memScheduleStore) Schedule(_ context.Context, ref blobstore.Ref, deleteAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.entries = append(m.entries, Entry{
		ID:        m.nextID,
		Container: ref.Container,
		Key:       ref.Key,
		DeleteAt:  deleteAt,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *memScheduleStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due, remaining []Entry
	for _, e := range m.entries {
		if len(due) < limit && !e.DeleteAt.After(now) {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	m.entries = remaining
	return due, nil
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
	errFor  map[string]error
}

func (f *fakeDeleter) Delete(_ context.Context, ref blobstore.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errFor[ref.String()]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, ref.String())
	return nil
}

func newTestScheduler(store Store, deleter Deleter, ttl time.Duration) *Scheduler {
	cfg := &config.CleanupConfig{
		SweepInterval: time.Minute,
		StagingTTL:    ttl,
		BatchSize:     10,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(store, deleter, cfg, logger)
}

func TestScheduler_ProcessDueDeletesOnlyExpired(t *testing.T) {
	store := &memScheduleStore{}
	deleter := &fakeDeleter{}
	ctx := context.Background()

	require.NoError(t, store.Schedule(ctx, blobstore.Ref{Container: "uploads", Key: "stale"}, time.Now().Add(-time.Minute)))
	require.NoError(t, store.Schedule(ctx, blobstore.Ref{Container: "uploads", Key: "fresh"}, time.Now().Add(time.Hour)))

	sched := newTestScheduler(store, deleter, 24*time.Hour)
	require.NoError(t, sched.ProcessDue(ctx))

	assert.Equal(t, []string{"uploads/stale"}, deleter.deleted)

	// fresh entry stays scheduled
	remaining, err := store.ClaimDue(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].Key)
}

func TestScheduler_DeleteLaterUsesStagingTTL(t *testing.T) {
	store := &memScheduleStore{}
	sched := newTestScheduler(store, &fakeDeleter{}, 24*time.Hour)

	require.NoError(t, sched.DeleteLater(context.Background(), blobstore.Ref{Container: "uploads", Key: "model.glb"}))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.entries, 1)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), store.entries[0].DeleteAt, time.Minute)
}

func TestScheduler_ProcessDueContinuesPastFailures(t *testing.T) {
	store := &memScheduleStore{}
	deleter := &fakeDeleter{
		errFor: map[string]error{"uploads/bad": errors.New("backend unavailable")},
	}
	ctx := context.Background()

	require.NoError(t, store.Schedule(ctx, blobstore.Ref{Container: "uploads", Key: "bad"}, time.Now().Add(-time.Minute)))
	require.NoError(t, store.Schedule(ctx, blobstore.Ref{Container: "uploads", Key: "good"}, time.Now().Add(-time.Minute)))

	sched := newTestScheduler(store, deleter, 24*time.Hour)
	require.NoError(t, sched.ProcessDue(ctx))

	assert.Equal(t, []string{"uploads/good"}, deleter.deleted)
}
