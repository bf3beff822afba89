package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/llm"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/schedule"
)

// DefaultExitWords end the outer dialogue loop when spoken on their own or
// inside an utterance.
var DefaultExitWords = []string{"exit", "stop", "quit", "bye", "goodbye"}

// TaskAgent is the slice of the task sub-agent the router depends on.
type TaskAgent interface {
	// ValidateTaskNeed reports whether the utterance is a task-management
	// request and, when it is, handles it and returns the answer text.
	ValidateTaskNeed(ctx context.Context, utterance, history string) (bool, string)
	// ForwardSchedule hands a freshly scheduled command to the sub-agent for
	// persistent tracking. Implementations must not block.
	ForwardSchedule(command string, trigger time.Time)
}

// Searcher answers a query with fresh information from the web.
type Searcher interface {
	Search(ctx context.Context, query string, maxTokens int) (string, error)
}

// Router turns one utterance into the intents the dialogue loop acts on.
// The agent, searcher and cache are all optional; a nil dependency simply
// disables its branch.
type Router struct {
	client    *llm.Client
	agent     TaskAgent
	searcher  Searcher
	cache     *ComplexityCache
	exitWords map[string]struct{}
	logger    *slog.Logger

	now func() time.Time
}

// NewRouter wires a router. exitWords may be nil to use DefaultExitWords.
func NewRouter(client *llm.Client, agent TaskAgent, searcher Searcher, cache *ComplexityCache, exitWords []string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if len(exitWords) == 0 {
		exitWords = DefaultExitWords
	}
	words := make(map[string]struct{}, len(exitWords))
	for _, w := range exitWords {
		words[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return &Router{
		client:    client,
		agent:     agent,
		searcher:  searcher,
		cache:     cache,
		exitWords: words,
		logger:    logger.With("component", "intent"),
		now:       time.Now,
	}
}

// IsExitWord reports whether any word of the utterance is a configured stop
// word. Matching is word-level, so "stop the music" exits but "unstoppable"
// does not.
func (r *Router) IsExitWord(utterance string) bool {
	for _, w := range strings.FieldsFunc(strings.ToLower(utterance), func(c rune) bool {
		return !('a' <= c && c <= 'z')
	}) {
		if _, ok := r.exitWords[w]; ok {
			return true
		}
	}
	return false
}

// Route classifies one utterance. Scheduling wins outright; otherwise the
// task and search branches run independently and both may contribute context
// for the same reply. With no hit the turn is plain conversation.
func (r *Router) Route(ctx context.Context, utterance string, history []llm.Message) []Intent {
	if sched := r.classifySchedule(ctx, utterance); sched != nil {
		return []Intent{*sched}
	}

	var out []Intent
	if r.agent != nil {
		if handled, answer := r.agent.ValidateTaskNeed(ctx, utterance, renderHistory(history, 4)); handled {
			out = append(out, TaskService{ContextText: answer})
		}
	}
	if r.searcher != nil {
		if hit, result := r.classifySearch(ctx, utterance, history); hit {
			out = append(out, Search{ContextText: result})
		}
	}
	if len(out) == 0 {
		return []Intent{Plain{}}
	}
	return out
}

// scheduleDecision is the strict JSON shape the classification call returns.
type scheduleDecision struct {
	ShouldSchedule  bool   `json:"should_schedule"`
	Command         string `json:"command"`
	TriggerTime     string `json:"trigger_time"`
	CompletionMode  string `json:"completion_mode"`
	RetryUntil      string `json:"retry_until"`
	Confirmation    string `json:"confirmation_message"`
	Recurring       bool   `json:"recurring"`
	IntervalSeconds int    `json:"recurring_interval_seconds"`
	RecurringUntil  string `json:"recurring_until"`
}

// classifySchedule asks the model whether the utterance schedules a future
// action. Every failure path (call error, malformed JSON, unparseable time,
// empty command) resolves to "not a schedule".
func (r *Router) classifySchedule(ctx context.Context, utterance string) *Schedule {
	now := r.now()
	out, err := r.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: "user", Text: schedulingPrompt(utterance, now)}},
		JSONOnly: true,
	})
	if err != nil {
		r.logger.Warn("scheduling classification failed", "error", err)
		return nil
	}

	var dec scheduleDecision
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &dec); err != nil {
		r.logger.Warn("scheduling classification returned malformed JSON", "error", err, "raw", llm.Truncate(out, 120))
		return nil
	}
	if !dec.ShouldSchedule {
		return nil
	}
	if strings.TrimSpace(dec.Command) == "" {
		r.logger.Warn("scheduling decision had empty command, ignoring")
		return nil
	}

	trigger, err := time.ParseInLocation(schedule.TimeLayout, dec.TriggerTime, time.Local)
	if err != nil {
		r.logger.Warn("scheduling decision had unparseable trigger time", "raw", dec.TriggerTime)
		return nil
	}
	retryUntil := parseOptionalTime(dec.RetryUntil)
	if trigger.Before(now) {
		// Past clock times mean the next occurrence tomorrow.
		trigger = trigger.Add(24 * time.Hour)
		if retryUntil != nil {
			bumped := retryUntil.Add(24 * time.Hour)
			retryUntil = &bumped
		}
	}
	if retryUntil != nil && retryUntil.Before(trigger) {
		r.logger.Warn("retry deadline precedes trigger, dropping it", "retry_until", dec.RetryUntil)
		retryUntil = nil
	}

	mode := schedule.Mode(dec.CompletionMode)
	switch mode {
	case schedule.ModeOneShot, schedule.ModeRetryUntilAcknowledged, schedule.ModeRetryWithCondition:
	default:
		mode = schedule.ModeOneShot
	}

	recurring := dec.Recurring
	if recurring && dec.IntervalSeconds <= 0 {
		r.logger.Warn("recurring decision without interval, treating as one-time")
		recurring = false
	}
	recurringUntil := parseOptionalTime(dec.RecurringUntil)

	confirmation := strings.TrimSpace(dec.Confirmation)
	if confirmation == "" {
		confirmation = fmt.Sprintf("Okay, I'll take care of it at %s.", trigger.Format("3:04 PM"))
	}

	if r.agent != nil {
		r.agent.ForwardSchedule(dec.Command, trigger)
	}

	r.logger.Info("scheduling request detected",
		"command", dec.Command,
		"trigger", trigger.Format(schedule.TimeLayout),
		"mode", mode,
		"recurring", recurring,
	)
	return &Schedule{
		Command:         dec.Command,
		TriggerTime:     trigger,
		Mode:            mode,
		RetryUntil:      retryUntil,
		Confirmation:    confirmation,
		Recurring:       recurring,
		IntervalSeconds: dec.IntervalSeconds,
		RecurringUntil:  recurringUntil,
	}
}

// classifySearch distills the recent history into relevant context, asks a
// yes/no question about whether the web is needed, and on yes runs the
// search with a complexity-tiered token budget.
func (r *Router) classifySearch(ctx context.Context, utterance string, history []llm.Message) (bool, string) {
	context := r.extractContext(ctx, utterance, history)

	question := utterance
	if context != "" {
		question = fmt.Sprintf("Context: %s\n\nQuestion: %s", context, utterance)
	}

	out, err := r.client.Complete(ctx, llm.Request{
		System: "You decide whether answering the user's question requires up-to-date information from the web, " +
			"such as news, sports scores, weather, prices, or recent events. " +
			"Answer ONLY 'Yes' or 'No'.",
		Messages:  []llm.Message{{Role: "user", Text: question}},
		MaxTokens: 10,
	})
	if err != nil {
		r.logger.Warn("search validation failed", "error", err)
		return false, ""
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "yes") {
		return false, ""
	}

	budget := mediumBudget
	if r.cache != nil {
		budget = r.cache.Budget(ctx, utterance)
	}
	result, err := r.searcher.Search(ctx, question, budget)
	if err != nil {
		r.logger.Warn("search failed", "error", err)
		return false, ""
	}
	r.logger.Info("search answered", "budget", budget, "chars", len(result))
	return true, result
}

// extractContext boils the recent turns down to the facts that matter for
// the new question. "None" and failures both collapse to no context.
func (r *Router) extractContext(ctx context.Context, utterance string, history []llm.Message) string {
	rendered := renderHistory(history, 4)
	if rendered == "" {
		return ""
	}
	out, err := r.client.Complete(ctx, llm.Request{
		System: "Extract only the facts from the conversation that are relevant to the user's new question. " +
			"Reply with one short sentence, or exactly 'None' if nothing is relevant.",
		Messages: []llm.Message{{Role: "user", Text: fmt.Sprintf("Conversation:\n%s\n\nNew question: %s", rendered, utterance)}},
		MaxTokens: 120,
	})
	if err != nil {
		r.logger.Debug("context extraction failed", "error", err)
		return ""
	}
	out = strings.TrimSpace(out)
	if strings.EqualFold(out, "none") {
		return ""
	}
	return out
}

// renderHistory flattens the last max messages into "role: text" lines.
func renderHistory(history []llm.Message, max int) string {
	if len(history) > max {
		history = history[len(history)-max:]
	}
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Text)
	}
	return b.String()
}

func parseOptionalTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") {
		return nil
	}
	t, err := time.ParseInLocation(schedule.TimeLayout, raw, time.Local)
	if err != nil {
		return nil
	}
	return &t
}

// schedulingPrompt is the strict classification prompt. It carries the
// current date/time so the model can resolve relative phrases itself.
func schedulingPrompt(utterance string, now time.Time) string {
	return fmt.Sprintf(`Analyze this user request and determine if it's a scheduling request.

Current date/time: %s (%s)

User said: %q

IMPORTANT: Only consider this a scheduling request if there is EXPLICIT time-related language indicating a FUTURE action.

Scheduling indicators (YES):
- "at [time]" - "at 7am", "at 3pm", "at midnight"
- "in [duration]" - "in 20 minutes", "in 2 hours"
- "tomorrow", "tonight", "next week"
- "every [interval]" - "every hour", "every morning"
- "wake me up at/in/tomorrow"
- "remind me at/in/tomorrow"
- "tell me when it's [time]"
- "check [thing] at [time]"

NOT scheduling (NO):
- "let me know [about something]" (without specific future time)
- "tell me about" (current information)
- Questions without time indicators ("when is", "what time is")
- "today" when asking for current information

OUTPUT (JSON):
{
  "should_schedule": true/false,
  "command": "the command to execute later",
  "trigger_time": "%s 15:00:00",
  "completion_mode": "one_shot|retry_until_acknowledged|retry_with_condition",
  "retry_until": "%s 15:30:00" or null,
  "confirmation_message": "Okay, I'll wake you up at 7 AM tomorrow",
  "recurring": true/false,
  "recurring_interval_seconds": 3600 or 0,
  "recurring_until": "%s 22:00:00" or null
}

TIME PARSING RULES:
- "7am tomorrow" means the next day at 07:00
- "2pm" or "2pm today" means today at 14:00
- "in 30 minutes" means the current time plus 30 minutes
- "at noon" means 12:00, "at midnight" means 00:00 the next day
- If the time has already passed today, schedule for tomorrow
- Be smart about context: "7am" said at 8pm means tomorrow

COMPLETION MODE GUIDELINES:
- Wake-up tasks: retry_with_condition (keep trying until the person is up), with retry_until about an hour after the trigger
- Simple reminders, alarms and notifications: one_shot
- Status checks: one_shot
- Monitoring tasks: retry_with_condition

RECURRING GUIDELINES:
- "every hour", "every 20 minutes", "every morning" set recurring=true with the interval in seconds
- A recurring request with an end ("every hour until 10pm") sets recurring_until
- Everything else sets recurring=false and recurring_interval_seconds=0

CRITICAL: Be CONSERVATIVE in detecting scheduling requests.
- No explicit future time indicator means NOT a scheduling request
- "Let me know", "tell me about", "what is" without a time means NOT scheduling
- Questions about current events are NOT scheduling
- Only schedule when the user CLEARLY wants something to happen at a FUTURE time`,
		now.Format(schedule.TimeLayout),
		now.Weekday(),
		utterance,
		now.Format("2006-01-02"),
		now.Format("2006-01-02"),
		now.Format("2006-01-02"),
	)
}
