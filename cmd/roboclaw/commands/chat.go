package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/assistant"
)

// newChatCmd creates the `roboclaw chat` command, a typed console session.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Long: `Open a typed console session against the full assistant. Intent
routing, scheduling, the task sub-agent, and the scheduled-action engine
all run; only the microphone and wake word are bypassed.

Examples:
  roboclaw chat
  echo "remind me to stretch at 3pm" | roboclaw chat`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	// The console owns the turn-taking; keep the voice loop idle.
	cfg.Speech.WakeCommand = nil

	logger := newLogger(cmd, cfg)
	assistant.ResolveSecrets(cfg, logger)

	bot := assistant.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bot.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer bot.Stop()

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runChatPiped(ctx, bot)
	}

	fmt.Printf("%s ready. Type a message (%s or Ctrl+D to leave).\n",
		cfg.Name, strings.Join(cfg.Dialogue.ExitWords, ", "))

	var historyFile string
	if dir, err := assistant.ConfigDir(); err == nil {
		historyFile = filepath.Join(dir, "chat_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing console: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			fmt.Println("(Ctrl+D or an exit word ends the session)")
			continue
		}
		if err != nil { // io.EOF
			fmt.Println("Goodbye.")
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if bot.IsExitWord(input) {
			fmt.Println("Goodbye.")
			return nil
		}

		if reply := bot.HandleUtterance(ctx, input); reply != "" {
			fmt.Println(reply)
		}
	}
}

// runChatPiped services non-interactive stdin, one utterance per line.
func runChatPiped(ctx context.Context, bot *assistant.Assistant) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if bot.IsExitWord(input) {
			break
		}
		if reply := bot.HandleUtterance(ctx, input); reply != "" {
			fmt.Println(reply)
		}
	}
	return scanner.Err()
}
