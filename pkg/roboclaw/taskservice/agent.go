package taskservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/llm"
)

// TaskKeywords pre-filter utterances before any model call; an utterance
// containing none of them is never a task request.
var TaskKeywords = []string{
	"task", "todo", "to-do", "to do",
	"remind", "reminder", "deadline", "due date", "due tomorrow",
	"complete", "finish", "check off", "mark done", "mark complete",
	"add to my list", "add to list", "create task", "new task",
	"delete task", "remove task", "my tasks", "my projects",
	"what do i have to do", "what's on my list", "what do i need to do",
	"project list", "inbox",
}

const (
	// DefaultAskTimeout bounds one synchronous Ask, queueing included.
	DefaultAskTimeout = 30 * time.Second

	// maxToolRounds caps model/tool round-trips per request.
	maxToolRounds = 5

	// askQueueSize bounds requests waiting for the worker.
	askQueueSize = 8
)

// Canonical replies for the two ways a request can end without an answer.
const (
	askTimeoutReply   = "Task request timed out."
	maxRoundsReply    = "(task agent reached max tool rounds without a final answer)"
	agentStoppedReply = "Task agent is not running."
)

// Agent is the task sub-agent: one long-lived worker that serializes
// natural-language task requests through a bounded model/tool loop.
// Ask is safe to call from any goroutine.
type Agent struct {
	client      *llm.Client
	tools       *Registry
	promptLayer string
	timeout     time.Duration
	logger      *slog.Logger

	requests chan askRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	now func() time.Time
}

type askRequest struct {
	instruction string
	reply       chan string
}

// NewAgent wires the sub-agent. promptLayer is an optional extra system
// prompt layer loaded from the config dir; empty is fine.
func NewAgent(client *llm.Client, tools *Registry, promptLayer string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		client:      client,
		tools:       tools,
		promptLayer: promptLayer,
		timeout:     DefaultAskTimeout,
		logger:      logger.With("component", "taskagent"),
		requests:    make(chan askRequest, askQueueSize),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// SetAskTimeout overrides the default synchronous Ask timeout.
func (ag *Agent) SetAskTimeout(d time.Duration) {
	if d > 0 {
		ag.timeout = d
	}
}

// Start launches the worker.
func (ag *Agent) Start(ctx context.Context) {
	ag.running.Store(true)
	ag.wg.Add(1)
	go ag.run(ctx)
	ag.logger.Info("task agent started", "tools", len(ag.tools.Names()), "ask_timeout", ag.timeout)
}

// Stop shuts the worker down and waits for the in-flight request.
func (ag *Agent) Stop() {
	ag.running.Store(false)
	ag.stopOnce.Do(func() { close(ag.stopCh) })
	ag.wg.Wait()
	ag.logger.Info("task agent stopped")
}

// Running reports whether the worker is accepting requests.
func (ag *Agent) Running() bool {
	return ag.running.Load()
}

// Ask sends a natural-language task request and blocks for the answer.
// Expiry of the default timeout yields the canonical timeout reply; the
// worker still finishes the abandoned request in the background.
func (ag *Agent) Ask(instruction string) string {
	return ag.AskWithTimeout(instruction, ag.timeout)
}

// AskWithTimeout is Ask with an explicit deadline.
func (ag *Agent) AskWithTimeout(instruction string, timeout time.Duration) string {
	if !ag.running.Load() {
		return agentStoppedReply
	}
	req := askRequest{instruction: instruction, reply: make(chan string, 1)}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ag.requests <- req:
	case <-timer.C:
		ag.logger.Warn("ask queue full until deadline, request dropped")
		return askTimeoutReply
	case <-ag.stopCh:
		return agentStoppedReply
	}

	select {
	case out := <-req.reply:
		return out
	case <-timer.C:
		ag.logger.Warn("ask deadline expired", "timeout", timeout)
		return askTimeoutReply
	case <-ag.stopCh:
		return agentStoppedReply
	}
}

// ValidateTaskNeed reports whether the utterance is a task-management
// request and, when it is, handles it end to end. Keyword pre-filter
// first, model yes/no second, full Ask last.
func (ag *Agent) ValidateTaskNeed(ctx context.Context, utterance, history string) (bool, string) {
	if !ag.running.Load() {
		return false, ""
	}
	lower := strings.ToLower(utterance)
	hit := false
	for _, kw := range TaskKeywords {
		if strings.Contains(lower, kw) {
			hit = true
			break
		}
	}
	if !hit {
		return false, ""
	}

	contextStr := ""
	if strings.TrimSpace(history) != "" {
		contextStr = fmt.Sprintf("Recent conversation:\n%s\n\n", history)
	}
	prompt := fmt.Sprintf("%sUser said: %q\n\n"+
		"Is this a task management request (creating, viewing, completing, "+
		"deleting, or modifying tasks/to-dos)? Answer ONLY 'Yes' or 'No'.",
		contextStr, utterance)

	out, err := ag.client.Complete(ctx, llm.Request{
		Messages:  []llm.Message{{Role: "user", Text: prompt}},
		MaxTokens: 10,
	})
	if err != nil {
		ag.logger.Warn("task validation failed", "error", err)
		return false, ""
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "yes") {
		return false, ""
	}

	instruction := utterance
	if contextStr != "" {
		instruction = contextStr + "User request: " + utterance
	}
	result := ag.Ask(instruction)
	ag.logger.Info("task request handled", "reply", truncate(result, 120))
	return true, result
}

// ForwardSchedule mirrors a freshly scheduled reminder into the task
// service so it shows up on the user's lists. Never blocks: when the
// queue is full the mirror is skipped.
func (ag *Agent) ForwardSchedule(command string, trigger time.Time) {
	if !ag.running.Load() {
		return
	}
	instruction := fmt.Sprintf(
		"A reminder was just scheduled for %s: %q. "+
			"Create a matching task in the most fitting project (inbox if unsure) "+
			"with that due date, ISO 8601 format.",
		trigger.Format("Monday, January 2, 2006 at 3:04 PM"), command)

	req := askRequest{instruction: instruction, reply: make(chan string, 1)}
	select {
	case ag.requests <- req:
		ag.logger.Debug("schedule forwarded to task service", "trigger", trigger)
	default:
		ag.logger.Warn("task agent queue full, schedule not mirrored")
	}
}

func (ag *Agent) run(ctx context.Context) {
	defer ag.wg.Done()

	for {
		select {
		case <-ctx.Done():
			ag.running.Store(false)
			return
		case <-ag.stopCh:
			return
		case req := <-ag.requests:
			reqCtx, cancel := context.WithTimeout(ctx, ag.timeout)
			req.reply <- ag.process(reqCtx, req.instruction)
			cancel()
		}
	}
}

// process runs the bounded tool loop for one request: each round the
// model either emits a tool-call JSON object, whose result is fed back as
// a user turn, or plain text, which is the final answer.
func (ag *Agent) process(ctx context.Context, instruction string) string {
	system := ag.renderSystemPrompt()
	messages := []llm.Message{{Role: "user", Text: instruction}}

	for round := 0; round < maxToolRounds; round++ {
		out, err := ag.client.Complete(ctx, llm.Request{
			System:    system,
			Messages:  messages,
			MaxTokens: 2048,
		})
		if err != nil {
			ag.logger.Warn("task agent model call failed", "round", round+1, "error", err)
			return fmt.Sprintf("Task agent error: %v", err)
		}

		name, args, isToolCall := parseToolCall(out)
		if !isToolCall {
			return out
		}

		argsJSON, _ := json.Marshal(args)
		ag.logger.Info("tool call", "tool", name, "args", truncate(string(argsJSON), 200), "round", round+1)

		result, err := ag.tools.Execute(ctx, name, args)
		if err != nil {
			result = fmt.Sprintf("Tool error: %v", err)
		}

		messages = append(messages,
			llm.Message{Role: "assistant", Text: out},
			llm.Message{Role: "user", Text: fmt.Sprintf("Tool result from %s:\n%s", name, result)},
		)
	}
	ag.logger.Warn("tool round budget exhausted")
	return maxRoundsReply
}

// parseToolCall detects the tool-call protocol: a bare JSON object with a
// "tool" key. Anything else is a final text answer.
func parseToolCall(reply string) (string, map[string]any, bool) {
	cleaned := llm.ExtractJSON(reply)
	if !strings.HasPrefix(cleaned, "{") {
		return "", nil, false
	}
	var call struct {
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(cleaned), &call); err != nil || call.Tool == "" {
		return "", nil, false
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return call.Tool, call.Arguments, true
}

// renderSystemPrompt assembles the per-request system prompt: the
// optional file layer, the operating rules with the current date/time,
// and the tool list.
func (ag *Agent) renderSystemPrompt() string {
	now := ag.now()
	zone, _ := now.Zone()

	var b strings.Builder
	if ag.promptLayer != "" {
		b.WriteString(strings.TrimSpace(ag.promptLayer))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, `You are a task management sub-agent with access to task service tools.
You receive instructions from a main agent or user about task management.
Execute the request using the available tools and return a clear, concise summary.

Current date and time: %s
Timezone: %s

IMPORTANT RULES:
- When calling a tool, respond ONLY with a JSON object (no markdown, no extra text):
  {"tool": "<tool_name>", "arguments": {<arguments>}}
- If you need to show results or talk, respond with plain text (no JSON).
- After receiving tool results, summarize them clearly and concisely.
- For operations that need a project_id and you don't have one, first call get_projects
  to find it, then proceed.
- When creating tasks with due dates, use ISO 8601 format (e.g. "2026-02-20T09:00:00+0000").
  Use the current date/time above to resolve relative dates like "today", "tomorrow", "next Monday".
- Keep responses brief, you're reporting back to another agent.

`, now.Format("Monday, January 2, 2006 at 3:04 PM"), zone)
	b.WriteString(ag.tools.PromptBlock())
	return b.String()
}
