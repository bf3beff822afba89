package taskservice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Asker is the slice of the sub-agent the poller uses.
type Asker interface {
	Ask(instruction string) string
	Running() bool
}

// Gesturer enqueues raw action tuples for the hardware; the robot
// dispatcher satisfies it. Nil disables the attention gesture.
type Gesturer interface {
	EnqueueTuples(raw [][]float64)
}

// VoiceFunc speaks one reminder.
type VoiceFunc func(ctx context.Context, text string) error

// AttentionGesture is the default pre-reminder motion: a small elevation
// nudge up and back to draw the user's eye before speaking.
var AttentionGesture = [][]float64{{1, 65}, {5, 0.4}, {1, 50}, {5, 0.3}}

// emptySentinels mark sub-agent replies that mean "nothing due".
var emptySentinels = []string{
	"no tasks due", "no tasks", "no overdue", "nothing due", "none", "all clear",
}

const (
	// DefaultPollInterval is how often due tasks are checked.
	DefaultPollInterval = 30 * time.Minute

	// pollerStartDelay lets the rest of the system finish booting before
	// the first poll.
	pollerStartDelay = 30 * time.Second

	// fingerprintLen bounds the reminded-set key.
	fingerprintLen = 200
)

// Poller periodically asks the sub-agent for tasks due today or overdue
// and proactively reminds the user, deduplicating within the session so
// the same reminder is never nagged twice. The reminded set rolls over at
// local midnight.
type Poller struct {
	agent    Asker
	speak    VoiceFunc
	gesturer Gesturer
	interval time.Duration
	gesture  [][]float64
	logger   *slog.Logger

	mu       sync.Mutex
	reminded map[string]struct{}

	cron       *cron.Cron
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	startDelay time.Duration

	now func() time.Time
}

// NewPoller wires the poller. interval <= 0 selects the default; gesturer
// may be nil for voice-only reminders.
func NewPoller(agent Asker, speak VoiceFunc, gesturer Gesturer, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		agent:      agent,
		speak:      speak,
		gesturer:   gesturer,
		interval:   interval,
		gesture:    AttentionGesture,
		logger:     logger.With("component", "poller"),
		reminded:   make(map[string]struct{}),
		stopCh:     make(chan struct{}),
		startDelay: pollerStartDelay,
		now:        time.Now,
	}
}

// SetGesture overrides the attention gesture; nil or empty disables it.
func (p *Poller) SetGesture(raw [][]float64) {
	p.gesture = raw
}

// Start launches the poll worker and the midnight rollover job.
func (p *Poller) Start(ctx context.Context) {
	p.cron = cron.New()
	p.cron.AddFunc("0 0 * * *", func() {
		p.ClearReminded()
		p.logger.Info("reminded set rolled over at midnight")
	})
	p.cron.Start()

	p.wg.Add(1)
	go p.run(ctx)
	p.logger.Info("poller started", "interval", p.interval)
}

// Stop halts polling and the rollover job.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.cron != nil {
		p.cron.Stop()
	}
	p.wg.Wait()
	p.logger.Info("poller stopped")
}

// ClearReminded resets the session dedupe set on demand.
func (p *Poller) ClearReminded() {
	p.mu.Lock()
	p.reminded = make(map[string]struct{})
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	if !p.sleep(ctx, p.startDelay) {
		return
	}
	p.checkAndRemind(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAndRemind(ctx)
		}
	}
}

// checkAndRemind runs one poll cycle. Any panic is contained so a bad
// cycle never kills the worker.
func (p *Poller) checkAndRemind(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll cycle panicked", "panic", r)
		}
	}()

	if !p.agent.Running() {
		return
	}

	now := p.now()
	result := p.agent.Ask(fmt.Sprintf(
		"List all tasks that are due today (%s) or overdue (past their due date). "+
			"For each task include its title and due date/time. "+
			"If there are no due or overdue tasks, respond with exactly: 'No tasks due.'",
		now.Format("Monday, January 2, 2006")))

	result = strings.TrimSpace(result)
	if result == "" || result == askTimeoutReply || result == agentStoppedReply {
		return
	}
	lower := strings.ToLower(result)
	for _, sentinel := range emptySentinels {
		if strings.Contains(lower, sentinel) {
			p.logger.Debug("no tasks due")
			return
		}
	}

	key := result
	if len(key) > fingerprintLen {
		key = key[:fingerprintLen]
	}
	p.mu.Lock()
	_, seen := p.reminded[key]
	if !seen {
		p.reminded[key] = struct{}{}
	}
	p.mu.Unlock()
	if seen {
		p.logger.Debug("already reminded this session, skipping")
		return
	}

	p.logger.Info("reminding about due tasks", "chars", len(result))
	if p.gesturer != nil && len(p.gesture) > 0 {
		p.gesturer.EnqueueTuples(p.gesture)
	}
	if err := p.speak(ctx, "Hey, quick reminder — "+result); err != nil {
		p.logger.Warn("reminder speech failed", "error", err)
	}
}

// sleep pauses for dur unless shutdown arrives first.
func (p *Poller) sleep(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
