// Package intent classifies user utterances into the closed set of intents
// the dialogue loop acts on: schedule a future action, delegate to the task
// sub-agent, run a web search, or answer plainly. Classification leans on
// the model but is deliberately conservative; when in doubt the turn is
// plain conversation.
package intent

import (
	"time"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/schedule"
)

// Intent is one classification result. The set of implementations is closed.
type Intent interface {
	intent()
}

// Schedule carries everything needed to insert a scheduled action plus the
// confirmation to speak back immediately.
type Schedule struct {
	Command         string
	TriggerTime     time.Time
	Mode            schedule.Mode
	RetryUntil      *time.Time
	Confirmation    string
	Recurring       bool
	IntervalSeconds int
	RecurringUntil  *time.Time
}

// TaskService carries the sub-agent's answer for the turn, folded into the
// next model call as auxiliary context.
type TaskService struct {
	ContextText string
}

// Search carries a web-search answer, folded into the next model call as
// auxiliary context.
type Search struct {
	ContextText string
}

// Plain marks an ordinary conversational turn with no side channel.
type Plain struct{}

func (Schedule) intent()    {}
func (TaskService) intent() {}
func (Search) intent()      {}
func (Plain) intent()       {}
