package assistant

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/llm"
)

// FollowUp holds the single deferred re-utterance a dialogue turn may ask
// for. Scheduling replaces any pending prompt; a new user turn or an exit
// word cancels it outright. At most one prompt is ever pending.
type FollowUp struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending string
	delay   time.Duration
	speak   func(text string)
	logger  *slog.Logger
}

// NewFollowUp builds the timer. speak runs on the timer goroutine once the
// delay elapses without a cancel.
func NewFollowUp(delay time.Duration, speak func(string), logger *slog.Logger) *FollowUp {
	if delay <= 0 {
		delay = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FollowUp{
		delay:  delay,
		speak:  speak,
		logger: logger.With("component", "followup"),
	}
}

// Schedule arms the timer with a new prompt, replacing any pending one.
func (f *FollowUp) Schedule(prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.pending = prompt
	f.timer = time.AfterFunc(f.delay, f.fire)
	f.logger.Debug("follow-up armed", "delay", f.delay)
}

// Cancel disarms the timer and drops the pending prompt.
func (f *FollowUp) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.pending = ""
}

// Pending reports whether a prompt is waiting to fire.
func (f *FollowUp) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending != ""
}

func (f *FollowUp) fire() {
	f.mu.Lock()
	prompt := f.pending
	f.pending = ""
	f.timer = nil
	f.mu.Unlock()

	// A cancel that raced the timer leaves no prompt behind.
	if prompt == "" {
		return
	}
	f.logger.Info("follow-up firing", "prompt", llm.Truncate(prompt, 80))
	f.speak(prompt)
}
