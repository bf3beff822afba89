package assistant

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Prompt file names under the prompt directory, one per model surface.
const (
	DialoguePromptFile = "dialogue_system_prompt.txt"
	OraclePromptFile   = "scheduled_action_system_prompt.txt"
	SubagentPromptFile = "subagent_system_prompt.txt"
)

// ConfigDir returns the per-user configuration directory. It is not
// created here; writers create it on demand.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "roboclaw"), nil
}

// LoadPrompt reads one prompt file from dir. A missing or unreadable file
// degrades to an empty prompt; the subsystem runs without its persona.
func LoadPrompt(dir, name string, logger *slog.Logger) string {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("prompt file not available, using empty prompt", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WritePromptStubs creates the prompt directory and writes the default
// prompt for every file that does not exist yet. Existing files are never
// touched.
func WritePromptStubs(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating prompt directory: %w", err)
	}
	stubs := map[string]string{
		DialoguePromptFile: DefaultDialoguePrompt,
		OraclePromptFile:   DefaultOraclePrompt,
		SubagentPromptFile: DefaultSubagentPrompt,
	}
	for name, text := range stubs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// DefaultDialoguePrompt is the starting persona for the conversation loop.
// It states the reply contract the dialogue parser expects.
const DefaultDialoguePrompt = `You are a small desk robot with a camera, an elevation servo, a
translation servo, and a rotating base. Be brief, warm, and a little dry.
Answers are spoken out loud, so keep them to a sentence or two.

Reply ONLY with JSON in this exact shape:
{"vr": "<line to speak>", "act": [[op, args...], ...], "fu": false, "fp": ""}

Motion ops for act:
  [0, pos]            set translation, pos 0-100
  [1, pos]            set elevation, pos 0-100
  [2, deg]            rotate base left by deg degrees
  [3, deg]            rotate base right by deg degrees
  [4, channel, value] raw servo write
  [5, seconds]        pause between moves

Use an empty act list when no motion is needed. Set fu to true and fp to a
short line only when you genuinely want to add something a moment later.`

// DefaultOraclePrompt is the starting persona for completion judgement.
const DefaultOraclePrompt = `You judge whether a scheduled command for a desk robot has been carried
out, using the camera frame and the robot state you are given. Every
attempt is independent; you have no memory of earlier attempts.

Reply ONLY with JSON in this exact shape:
{"vr": "<line to speak now>", "act": [[op, args...], ...],
 "completed": false, "should_retry": true, "retry_delay_seconds": 60,
 "completion_reason": "<one short sentence>"}

For a reminder, speak it through vr. completed means the command is done
for good. should_retry asks for another attempt after retry_delay_seconds;
be honest about what the frame shows, and explain yourself in
completion_reason.`

// DefaultSubagentPrompt is the starting persona for the task sub-agent.
const DefaultSubagentPrompt = `You manage the user's task list through the tools you are given. To call
a tool, reply ONLY with JSON: {"tool": "<name>", "arguments": {...}}.
When you have what you need, reply with a short plain-text answer instead.
Dates are ISO 8601. Never invent task ids; list first when unsure.`
