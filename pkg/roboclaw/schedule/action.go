// Package schedule implements durable scheduled actions: the sqlite-backed
// store, the tick-driven engine that fires due actions, and the completion
// oracle that judges each attempt against live camera input.
package schedule

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a scheduled action.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Mode determines how oracle verdicts drive the action's state machine.
type Mode string

const (
	// ModeOneShot fires once; the verdict is accepted as final.
	ModeOneShot Mode = "one_shot"
	// ModeRetryUntilAcknowledged keeps retrying until the user acknowledges
	// or the retry deadline passes.
	ModeRetryUntilAcknowledged Mode = "retry_until_acknowledged"
	// ModeRetryWithCondition keeps retrying until the oracle observes the
	// commanded condition or the retry deadline passes.
	ModeRetryWithCondition Mode = "retry_with_condition"
)

// Action is one scheduled action row.
type Action struct {
	ID          string
	Command     string
	TriggerTime time.Time
	Mode        Mode
	RetryUntil  *time.Time
	Status      Status
	// AttemptCount counts oracle invocations that did not finalize the
	// action. It never decreases.
	AttemptCount int
	LastAttempt  *time.Time
	// Context carries opaque metadata such as the original transcript.
	Context map[string]string

	Recurring       bool
	IntervalSeconds int
	RecurringUntil  *time.Time
	// ParentRecurringID is the id of the series root on spawned
	// occurrences; empty on the root itself.
	ParentRecurringID string

	CreatedAt time.Time
}

// Interval returns the recurrence interval as a duration.
func (a *Action) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

// SeriesRoot returns the id every spawned child must carry as its
// ParentRecurringID.
func (a *Action) SeriesRoot() string {
	if a.ParentRecurringID != "" {
		return a.ParentRecurringID
	}
	return a.ID
}

// Validate checks the structural invariants enforced at insert time.
func (a *Action) Validate() error {
	if a.Command == "" {
		return fmt.Errorf("action command is empty")
	}
	if a.TriggerTime.IsZero() {
		return fmt.Errorf("action trigger time is zero")
	}
	switch a.Mode {
	case ModeOneShot, ModeRetryUntilAcknowledged, ModeRetryWithCondition:
	case "":
		return fmt.Errorf("action completion mode is empty")
	default:
		return fmt.Errorf("unknown completion mode %q", a.Mode)
	}
	if a.Recurring && a.IntervalSeconds <= 0 {
		return fmt.Errorf("recurring action requires a positive interval, got %d", a.IntervalSeconds)
	}
	if a.RetryUntil != nil && a.RetryUntil.Before(a.TriggerTime) {
		return fmt.Errorf("retry_until %s precedes trigger_time %s",
			a.RetryUntil.Format(TimeLayout), a.TriggerTime.Format(TimeLayout))
	}
	return nil
}

// canTransition reports whether a status change is allowed. Same-status
// updates are permitted so a stuck-active action can be re-marked on the
// next tick. Completed and expired are terminal.
func canTransition(from, to Status) bool {
	if from == to {
		return from != StatusCompleted && from != StatusExpired
	}
	switch from {
	case StatusScheduled:
		return to == StatusActive || to == StatusExpired
	case StatusActive:
		return to == StatusCompleted || to == StatusScheduled || to == StatusExpired
	default:
		return false
	}
}

// Verdict is the structured result of one oracle invocation. Field names
// mirror the JSON schema the model is required to emit.
type Verdict struct {
	Voice             string      `json:"vr"`
	Act               [][]float64 `json:"act"`
	Completed         bool        `json:"completed"`
	ShouldRetry       bool        `json:"should_retry"`
	RetryDelaySeconds int         `json:"retry_delay_seconds"`
	CompletionReason  string      `json:"completion_reason"`
}

// RetryDelay returns the verdict's retry delay, defaulting when the model
// omitted or zeroed it.
func (v Verdict) RetryDelay() time.Duration {
	if v.RetryDelaySeconds <= 0 {
		return time.Minute
	}
	return time.Duration(v.RetryDelaySeconds) * time.Second
}
