package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "actions.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_InsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trigger := time.Now().Add(time.Hour)
	retryUntil := trigger.Add(30 * time.Minute)
	id, err := store.Insert(ctx, &Action{
		Command:     "wake the user up",
		TriggerTime: trigger,
		Mode:        ModeRetryWithCondition,
		RetryUntil:  &retryUntil,
		Context:     map[string]string{"original_transcript": "wake me at seven"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "wake the user up", got.Command)
	assert.Equal(t, StatusScheduled, got.Status, "insert forces the initial status")
	assert.Equal(t, ModeRetryWithCondition, got.Mode)
	assert.WithinDuration(t, trigger, got.TriggerTime, time.Second)
	require.NotNil(t, got.RetryUntil)
	assert.WithinDuration(t, retryUntil, *got.RetryUntil, time.Second)
	assert.Equal(t, "wake me at seven", got.Context["original_transcript"])
	assert.Zero(t, got.AttemptCount)
	assert.Nil(t, got.LastAttempt)
}

func TestStore_InsertValidates(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Insert(context.Background(), &Action{Command: "", TriggerTime: time.Now(), Mode: ModeOneShot})
	assert.Error(t, err)
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DueActions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustInsert := func(cmd string, trigger time.Time) string {
		id, err := store.Insert(ctx, &Action{Command: cmd, TriggerTime: trigger, Mode: ModeOneShot})
		require.NoError(t, err)
		return id
	}

	lateID := mustInsert("late", now.Add(-time.Minute))
	earlyID := mustInsert("early", now.Add(-time.Hour))
	mustInsert("future", now.Add(time.Hour))
	doneID := mustInsert("done", now.Add(-2*time.Hour))

	// Terminal rows never come due again.
	require.NoError(t, store.UpdateStatus(ctx, doneID, StatusActive))
	require.NoError(t, store.UpdateStatus(ctx, doneID, StatusCompleted))

	due, err := store.DueActions(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, earlyID, due[0].ID, "ordered by trigger time")
	assert.Equal(t, lateID, due[1].ID)
}

func TestStore_DueActionsIncludesActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := store.Insert(ctx, &Action{Command: "x", TriggerTime: now.Add(-time.Minute), Mode: ModeOneShot})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, id, StatusActive))

	due, err := store.DueActions(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, StatusActive, due[0].Status)
}

func TestStore_StatusLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, &Action{Command: "x", TriggerTime: time.Now(), Mode: ModeOneShot})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, id, StatusActive))
	require.NoError(t, store.UpdateStatus(ctx, id, StatusCompleted))

	// Completed is terminal.
	err = store.UpdateStatus(ctx, id, StatusActive)
	assert.ErrorIs(t, err, ErrBadTransition)

	err = store.UpdateStatus(ctx, "missing", StatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateStatusWithAttempt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, &Action{Command: "x", TriggerTime: time.Now(), Mode: ModeOneShot})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatusWithAttempt(ctx, id, StatusActive, 3))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptCount)
	require.NotNil(t, got.LastAttempt, "supplying the attempt stamps last_attempt")
	assert.WithinDuration(t, time.Now(), *got.LastAttempt, 5*time.Second)
}

func TestStore_Reschedule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, &Action{Command: "x", TriggerTime: time.Now(), Mode: ModeOneShot})
	require.NoError(t, err)

	next := time.Now().Add(42 * time.Minute)
	require.NoError(t, store.Reschedule(ctx, id, next))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.WithinDuration(t, next, got.TriggerTime, time.Second)

	assert.ErrorIs(t, store.Reschedule(ctx, "missing", next), ErrNotFound)
}

func TestStore_RecurringRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	until := time.Now().Add(6 * time.Hour)
	id, err := store.Insert(ctx, &Action{
		Command:           "stretch break",
		TriggerTime:       time.Now().Add(time.Hour),
		Mode:              ModeOneShot,
		Recurring:         true,
		IntervalSeconds:   1800,
		RecurringUntil:    &until,
		ParentRecurringID: "root-123",
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Recurring)
	assert.Equal(t, 1800, got.IntervalSeconds)
	assert.Equal(t, 30*time.Minute, got.Interval())
	require.NotNil(t, got.RecurringUntil)
	assert.WithinDuration(t, until, *got.RecurringUntil, time.Second)
	assert.Equal(t, "root-123", got.ParentRecurringID)
}

func TestStore_DeleteAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keep, err := store.Insert(ctx, &Action{Command: "keep", TriggerTime: time.Now(), Mode: ModeOneShot})
	require.NoError(t, err)
	done, err := store.Insert(ctx, &Action{Command: "done", TriggerTime: time.Now(), Mode: ModeOneShot})
	require.NoError(t, err)
	gone, err := store.Insert(ctx, &Action{Command: "gone", TriggerTime: time.Now(), Mode: ModeOneShot})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, done, StatusActive))
	require.NoError(t, store.UpdateStatus(ctx, done, StatusCompleted))
	require.NoError(t, store.UpdateStatus(ctx, gone, StatusExpired))

	n, err := store.PruneTerminal(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keep, all[0].ID)

	require.NoError(t, store.Delete(ctx, keep))
	assert.ErrorIs(t, store.Delete(ctx, keep), ErrNotFound)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// The engine, dialogue loop and CLI all hit the store at once; the
	// single-connection pool must serialize them without losing writes.
	const writers = 16
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id, err := store.Insert(ctx, &Action{
				Command:     fmt.Sprintf("concurrent action %d", w),
				TriggerTime: time.Now().Add(time.Hour),
				Mode:        ModeOneShot,
			})
			if err == nil {
				err = store.UpdateStatusWithAttempt(ctx, id, StatusActive, 1)
			}
			if err == nil {
				err = store.UpdateStatus(ctx, id, StatusCompleted)
			}
			errs <- err
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, writers)
	seen := make(map[string]bool, writers)
	for _, a := range all {
		assert.Equal(t, StatusCompleted, a.Status)
		assert.False(t, seen[a.ID], "duplicate id %s", a.ID)
		seen[a.ID] = true
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.db")
	ctx := context.Background()

	store, err := OpenStore(path, slog.Default())
	require.NoError(t, err)
	id, err := store.Insert(ctx, &Action{Command: "persist me", TriggerTime: time.Now().Add(time.Hour), Mode: ModeOneShot})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopen runs migrations idempotently and sees the old rows.
	reopened, err := OpenStore(path, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Command)
}
