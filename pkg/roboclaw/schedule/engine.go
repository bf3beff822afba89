package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Oracle judges whether a due action has completed. Implementations return
// surrogate retry verdicts for recoverable failures (camera, model); an
// error is reserved for cases where no verdict could be formed at all, in
// which case the engine leaves the action active for the next tick.
type Oracle interface {
	Judge(ctx context.Context, a *Action, now time.Time) (Verdict, error)
}

// Effects delivers a verdict's side effects. Both calls are best-effort and
// must not block on hardware.
type Effects interface {
	Speak(ctx context.Context, text string)
	Dispatch(acts [][]float64)
}

// Engine is the single worker that fires due actions. Each tick drains the
// due set sequentially in trigger-time order, serializing camera and
// hardware use across attempts.
type Engine struct {
	store    *Store
	oracle   Oracle
	effects  Effects
	interval time.Duration
	logger   *slog.Logger

	// now is a test seam; production uses time.Now.
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates the engine. interval <= 0 selects the 10s default.
func NewEngine(store *Store, oracle Oracle, effects Effects, interval time.Duration, logger *slog.Logger) *Engine {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Engine{
		store:    store,
		oracle:   oracle,
		effects:  effects,
		interval: interval,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("engine started", "check_interval", e.interval)
}

// Stop signals the loop and waits for the in-flight tick to finish.
// Shutdown is observed between ticks; a tick in progress completes.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick processes every currently due action once. Exposed so the console
// mode and tests can drive the engine without the timer.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	due, err := e.store.DueActions(ctx, now)
	if err != nil {
		// Recoverable: the next tick retries the query.
		e.logger.Warn("due query failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	e.logger.Debug("processing due actions", "count", len(due))
	for _, a := range due {
		if ctx.Err() != nil {
			return
		}
		e.processAction(ctx, a)
	}
}

// processAction runs one attempt of one action. Failures are contained
// here: on error or panic the action stays active with counters untouched
// so the next tick can retry it.
func (e *Engine) processAction(ctx context.Context, a *Action) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("action processing panicked", "id", a.ID, "panic", r)
		}
	}()

	now := e.now()

	// Retry window already over: expire without consulting the oracle.
	if a.RetryUntil != nil && now.After(*a.RetryUntil) {
		if err := e.store.UpdateStatus(ctx, a.ID, StatusExpired); err != nil {
			e.logger.Warn("expiring action failed", "id", a.ID, "error", err)
			return
		}
		e.logger.Info("action expired", "id", a.ID, "retry_until", a.RetryUntil.Format(TimeLayout))
		return
	}

	if err := e.store.UpdateStatusWithAttempt(ctx, a.ID, StatusActive, a.AttemptCount); err != nil {
		e.logger.Warn("activating action failed", "id", a.ID, "error", err)
		return
	}

	verdict, err := e.oracle.Judge(ctx, a, now)
	if err != nil {
		e.logger.Warn("judgement failed, action stays active", "id", a.ID, "error", err)
		return
	}

	if verdict.Voice != "" {
		e.effects.Speak(ctx, verdict.Voice)
	}
	if len(verdict.Act) > 0 {
		e.effects.Dispatch(verdict.Act)
	}

	switch {
	case verdict.Completed:
		if err := e.store.UpdateStatus(ctx, a.ID, StatusCompleted); err != nil {
			e.logger.Warn("completing action failed", "id", a.ID, "error", err)
			return
		}
		e.logger.Info("action completed", "id", a.ID, "reason", verdict.CompletionReason)
		e.maybeSpawnRecurrence(ctx, a)

	case verdict.ShouldRetry:
		now = e.now()
		if a.RetryUntil != nil && now.After(*a.RetryUntil) {
			if err := e.store.UpdateStatus(ctx, a.ID, StatusExpired); err != nil {
				e.logger.Warn("expiring action failed", "id", a.ID, "error", err)
			} else {
				e.logger.Info("action expired", "id", a.ID)
			}
			return
		}
		next := now.Add(verdict.RetryDelay())
		if err := e.store.Reschedule(ctx, a.ID, next); err != nil {
			e.logger.Warn("rescheduling action failed", "id", a.ID, "error", err)
			return
		}
		if err := e.store.UpdateStatusWithAttempt(ctx, a.ID, StatusScheduled, a.AttemptCount+1); err != nil {
			e.logger.Warn("re-arming action failed", "id", a.ID, "error", err)
			return
		}
		e.logger.Info("action will retry",
			"id", a.ID,
			"next_attempt", next.Format(TimeLayout),
			"attempt_count", a.AttemptCount+1,
		)

	default:
		// Not completed yet no retry requested: closed out rather than
		// left to linger active.
		if err := e.store.UpdateStatus(ctx, a.ID, StatusCompleted); err != nil {
			e.logger.Warn("closing action failed", "id", a.ID, "error", err)
			return
		}
		e.logger.Info("action closed without retry", "id", a.ID)
	}
}

// maybeSpawnRecurrence inserts the next occurrence of a recurring action
// that just completed, unless the series deadline has passed. The child
// carries the series root in ParentRecurringID.
func (e *Engine) maybeSpawnRecurrence(ctx context.Context, a *Action) {
	if !a.Recurring || a.IntervalSeconds <= 0 {
		return
	}

	now := e.now()
	if a.RecurringUntil != nil && !now.Before(*a.RecurringUntil) {
		e.logger.Info("recurring series ended", "id", a.ID, "root", a.SeriesRoot())
		return
	}

	child := &Action{
		Command:           a.Command,
		TriggerTime:       now.Add(a.Interval()),
		Mode:              a.Mode,
		Context:           a.Context,
		Recurring:         true,
		IntervalSeconds:   a.IntervalSeconds,
		RecurringUntil:    a.RecurringUntil,
		ParentRecurringID: a.SeriesRoot(),
	}

	id, err := e.store.Insert(ctx, child)
	if err != nil {
		e.logger.Warn("spawning recurrence failed", "id", a.ID, "error", err)
		return
	}
	e.logger.Info("recurrence spawned",
		"id", id,
		"root", child.ParentRecurringID,
		"trigger_time", child.TriggerTime.Format(TimeLayout),
	)
}
