package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedOracle replays verdicts (or errors) in order; after the script
// runs out it repeats the last entry.
type scriptedOracle struct {
	script []func() (Verdict, error)
	calls  int
}

func verdicts(vs ...Verdict) *scriptedOracle {
	o := &scriptedOracle{}
	for _, v := range vs {
		v := v
		o.script = append(o.script, func() (Verdict, error) { return v, nil })
	}
	return o
}

func (o *scriptedOracle) Judge(_ context.Context, _ *Action, _ time.Time) (Verdict, error) {
	i := o.calls
	if i >= len(o.script) {
		i = len(o.script) - 1
	}
	o.calls++
	return o.script[i]()
}

// recordingEffects captures verdict side effects.
type recordingEffects struct {
	mu     sync.Mutex
	spoken []string
	acts   [][][]float64
}

func (e *recordingEffects) Speak(_ context.Context, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spoken = append(e.spoken, text)
}

func (e *recordingEffects) Dispatch(acts [][]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acts = append(e.acts, acts)
}

func (e *recordingEffects) Spoken() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.spoken...)
}

func newTestEngine(t *testing.T, oracle Oracle) (*Engine, *Store, *recordingEffects) {
	t.Helper()
	store := newTestStore(t)
	effects := &recordingEffects{}
	engine := NewEngine(store, oracle, effects, time.Second, slog.Default())
	return engine, store, effects
}

func insertDue(t *testing.T, store *Store, a *Action) string {
	t.Helper()
	if a.TriggerTime.IsZero() {
		a.TriggerTime = time.Now().Add(-time.Minute)
	}
	if a.Mode == "" {
		a.Mode = ModeOneShot
	}
	id, err := store.Insert(context.Background(), a)
	require.NoError(t, err)
	return id
}

func TestEngine_OneShotCompletes(t *testing.T) {
	oracle := verdicts(Verdict{
		Voice:     "Time to wake up!",
		Act:       [][]float64{{1, 65}},
		Completed: true,
	})
	engine, store, effects := newTestEngine(t, oracle)
	ctx := context.Background()

	id := insertDue(t, store, &Action{Command: "wake the user"})
	engine.Tick(ctx)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, []string{"Time to wake up!"}, effects.Spoken())
	require.Len(t, effects.acts, 1)
	assert.Equal(t, [][]float64{{1, 65}}, effects.acts[0])

	// Nothing left due; a second tick is a no-op.
	engine.Tick(ctx)
	assert.Equal(t, 1, oracle.calls)
}

func TestEngine_RetryReschedules(t *testing.T) {
	oracle := verdicts(Verdict{ShouldRetry: true, RetryDelaySeconds: 120})
	engine, store, _ := newTestEngine(t, oracle)
	ctx := context.Background()

	id := insertDue(t, store, &Action{Command: "check the stove", Mode: ModeRetryWithCondition})
	engine.Tick(ctx)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status, "re-armed for the next attempt")
	assert.Equal(t, 1, got.AttemptCount)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), got.TriggerTime, 5*time.Second)
}

func TestEngine_RetrySeriesCompletes(t *testing.T) {
	// Three unconfirmed attempts, then the fourth finds the condition met.
	oracle := verdicts(
		Verdict{Voice: "Take your medicine.", ShouldRetry: true, RetryDelaySeconds: 60},
		Verdict{Voice: "Take your medicine.", ShouldRetry: true, RetryDelaySeconds: 60},
		Verdict{Voice: "Take your medicine.", ShouldRetry: true, RetryDelaySeconds: 60},
		Verdict{Voice: "All set, medicine taken.", Completed: true},
	)
	engine, store, effects := newTestEngine(t, oracle)
	ctx := context.Background()

	t0 := time.Now()
	deadline := t0.Add(time.Hour)
	id := insertDue(t, store, &Action{
		Command:     "remind the user to take their medicine",
		TriggerTime: t0.Add(-time.Minute),
		Mode:        ModeRetryUntilAcknowledged,
		RetryUntil:  &deadline,
	})

	// Each retry tick reads the clock three times, the completing tick
	// twice. Two minutes between ticks clears every 60s retry delay.
	var times []time.Time
	for tick := 0; tick < 3; tick++ {
		stamp := t0.Add(time.Duration(tick) * 2 * time.Minute)
		times = append(times, stamp, stamp, stamp)
	}
	times = append(times, t0.Add(6*time.Minute), t0.Add(6*time.Minute))
	i := 0
	engine.now = func() time.Time {
		idx := i
		if idx >= len(times) {
			idx = len(times) - 1
		}
		i++
		return times[idx]
	}

	for tick := 0; tick < 4; tick++ {
		engine.Tick(ctx)
	}

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.AttemptCount, "three re-arms before the confirming attempt")
	assert.Equal(t, 4, oracle.calls)
	assert.Equal(t, []string{
		"Take your medicine.",
		"Take your medicine.",
		"Take your medicine.",
		"All set, medicine taken.",
	}, effects.Spoken(), "spoken once per attempt")
}

func TestEngine_ExpiresWithoutJudgement(t *testing.T) {
	oracle := verdicts(Verdict{Completed: true})
	engine, store, effects := newTestEngine(t, oracle)
	ctx := context.Background()

	trigger := time.Now().Add(-2 * time.Hour)
	deadline := time.Now().Add(-time.Hour)
	id := insertDue(t, store, &Action{
		Command:     "stale wake-up",
		TriggerTime: trigger,
		Mode:        ModeRetryWithCondition,
		RetryUntil:  &deadline,
	})

	engine.Tick(ctx)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Zero(t, oracle.calls, "deadline passed, oracle never consulted")
	assert.Empty(t, effects.Spoken())
}

func TestEngine_RetryExpiresAtDeadline(t *testing.T) {
	oracle := verdicts(Verdict{ShouldRetry: true, RetryDelaySeconds: 60})
	engine, store, _ := newTestEngine(t, oracle)
	ctx := context.Background()

	t0 := time.Now()
	trigger := t0.Add(-time.Minute)
	deadline := t0.Add(30 * time.Minute)
	id := insertDue(t, store, &Action{
		Command:     "wake the user",
		TriggerTime: trigger,
		Mode:        ModeRetryWithCondition,
		RetryUntil:  &deadline,
	})

	// The clock jumps past the deadline between judgement and re-arm.
	times := []time.Time{t0, t0, t0.Add(2 * time.Hour)}
	i := 0
	engine.now = func() time.Time {
		idx := i
		if idx >= len(times) {
			idx = len(times) - 1
		}
		i++
		return times[idx]
	}

	engine.Tick(ctx)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, 1, oracle.calls)
}

func TestEngine_NoRetryRequestedCloses(t *testing.T) {
	oracle := verdicts(Verdict{Voice: "Couldn't tell, leaving it.", Completed: false, ShouldRetry: false})
	engine, store, _ := newTestEngine(t, oracle)
	ctx := context.Background()

	id := insertDue(t, store, &Action{Command: "one-off check"})
	engine.Tick(ctx)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status, "closed rather than left active")
}

func TestEngine_RecurringSpawnsNextOccurrence(t *testing.T) {
	oracle := verdicts(Verdict{Completed: true})
	engine, store, _ := newTestEngine(t, oracle)
	ctx := context.Background()

	rootID := insertDue(t, store, &Action{
		Command:         "stretch break",
		Recurring:       true,
		IntervalSeconds: 3600,
	})
	engine.Tick(ctx)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	var child *Action
	for _, a := range all {
		if a.ID != rootID {
			child = a
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, StatusScheduled, child.Status)
	assert.Equal(t, "stretch break", child.Command)
	assert.Equal(t, rootID, child.ParentRecurringID, "child carries the series root")
	assert.True(t, child.Recurring)
	assert.WithinDuration(t, time.Now().Add(time.Hour), child.TriggerTime, 5*time.Second)
}

func TestEngine_RecurringChildKeepsRoot(t *testing.T) {
	oracle := verdicts(Verdict{Completed: true})
	engine, store, _ := newTestEngine(t, oracle)
	ctx := context.Background()

	insertDue(t, store, &Action{
		Command:           "water the plant",
		Recurring:         true,
		IntervalSeconds:   1,
		ParentRecurringID: "series-root",
	})
	engine.Tick(ctx)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, a := range all {
		assert.Equal(t, "series-root", a.SeriesRoot())
	}
}

func TestEngine_RecurringSeriesEnds(t *testing.T) {
	oracle := verdicts(Verdict{Completed: true})
	engine, store, _ := newTestEngine(t, oracle)
	ctx := context.Background()

	ended := time.Now().Add(-time.Minute)
	insertDue(t, store, &Action{
		Command:         "stretch break",
		Recurring:       true,
		IntervalSeconds: 3600,
		RecurringUntil:  &ended,
	})
	engine.Tick(ctx)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "no child past the series deadline")
	assert.Equal(t, StatusCompleted, all[0].Status)
}

func TestEngine_JudgementErrorLeavesActionActive(t *testing.T) {
	boom := errors.New("no verdict")
	oracle := &scriptedOracle{script: []func() (Verdict, error){
		func() (Verdict, error) { return Verdict{}, boom },
		func() (Verdict, error) { return Verdict{Completed: true}, nil },
	}}
	engine, store, _ := newTestEngine(t, oracle)
	ctx := context.Background()

	id := insertDue(t, store, &Action{Command: "flaky check"})

	engine.Tick(ctx)
	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "kept for the next tick")

	// The next tick picks it up again and finishes it.
	engine.Tick(ctx)
	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, oracle.calls)
}

func TestEngine_TickLoop(t *testing.T) {
	oracle := verdicts(Verdict{Voice: "Done.", Completed: true})
	store := newTestStore(t)
	effects := &recordingEffects{}
	engine := NewEngine(store, oracle, effects, 20*time.Millisecond, slog.Default())

	id := insertDue(t, store, &Action{Command: "prompt ticked"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), id)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "ticker never fired the due action")
}
