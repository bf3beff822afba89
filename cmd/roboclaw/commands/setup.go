package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/assistant"
)

// newSetupCmd creates the `roboclaw setup` command, an interactive wizard
// for the initial configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walk through the initial configuration: model endpoint, API keys,
hardware port, camera, voice, task service, and search. Secrets go to the
OS keyring or a local .env file, never into the YAML. Also writes starter
prompt files you can edit later.

Examples:
  roboclaw setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := assistant.DefaultConfig()

	// Edit the existing file in place when one is found.
	target := "roboclaw.yaml"
	if found := assistant.FindConfigFile(); found != "" {
		if existing, err := assistant.LoadConfigFromFile(found); err == nil {
			cfg = existing
			target = found
			fmt.Printf("Editing %s.\n\n", found)
		}
	}

	var secrets struct {
		llm, tts, stt, search, taskSecret string
	}
	hasKeyring := assistant.KeyringAvailable()
	storage := "env"
	if hasKeyring {
		storage = "keyring"
	}
	save := true

	storageOptions := []huh.Option[string]{
		huh.NewOption(".env file (plaintext, gitignored)", "env"),
		huh.NewOption("skip (set ROBOCLAW_* variables yourself)", "skip"),
	}
	if hasKeyring {
		storageOptions = append([]huh.Option[string]{
			huh.NewOption("OS keyring (encrypted by the OS)", "keyring"),
		}, storageOptions...)
	}

	form := huh.NewForm(
		// ── Model ──
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&cfg.Name),
			huh.NewInput().
				Title("LLM base URL").
				Description("Any OpenAI-compatible chat-completions endpoint.").
				Value(&cfg.LLM.BaseURL),
			huh.NewInput().
				Title("LLM model").
				Suggestions([]string{"gemini-2.5-flash", "gemini-2.5-pro", "gpt-4o", "gpt-4o-mini", "glm-4.7-flash"}).
				Value(&cfg.LLM.Model),
			huh.NewInput().
				Title("LLM API key").
				Description("Leave empty to keep the current one.").
				EchoMode(huh.EchoModePassword).
				Value(&secrets.llm),
		),

		// ── Hardware ──
		huh.NewGroup(
			huh.NewInput().
				Title("Serial port").
				Description("Actuator microcontroller, e.g. /dev/ttyUSB0. Empty runs disconnected.").
				Value(&cfg.Hardware.Port),
			huh.NewInput().
				Title("Camera snapshot URL").
				Description("Returns one image per GET. Empty disables vision.").
				Value(&cfg.Camera.SnapshotURL),
		),

		// ── Voice ──
		huh.NewGroup(
			huh.NewInput().
				Title("TTS API key (ElevenLabs)").
				Description("Empty leaves the robot mute; replies go to the log.").
				EchoMode(huh.EchoModePassword).
				Value(&secrets.tts),
			huh.NewInput().
				Title("TTS voice id").
				Value(&cfg.Speech.TTS.VoiceID),
			huh.NewInput().
				Title("STT API key (Whisper)").
				Description("Empty disables the microphone loop; 'roboclaw chat' still works.").
				EchoMode(huh.EchoModePassword).
				Value(&secrets.stt),
		),

		// ── Task service ──
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the task service?").
				Description("OAuth2 task manager the sub-agent and the reminder poller use.").
				Value(&cfg.TaskService.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Task service client id").
				Value(&cfg.TaskService.ClientID),
			huh.NewInput().
				Title("Task service client secret").
				EchoMode(huh.EchoModePassword).
				Value(&secrets.taskSecret),
		).WithHideFunc(func() bool { return !cfg.TaskService.Enabled }),

		// ── Search ──
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable web search?").
				Description("Search-grounded answers folded into replies when asked about the world.").
				Value(&cfg.Search.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Search API key").
				EchoMode(huh.EchoModePassword).
				Value(&secrets.search),
		).WithHideFunc(func() bool { return !cfg.Search.Enabled }),

		// ── Save ──
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should secrets go?").
				Options(storageOptions...).
				Value(&storage),
			huh.NewConfirm().
				Title(fmt.Sprintf("Save configuration to %s?", target)).
				Value(&save),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}
	if !save {
		fmt.Println("Setup cancelled. Nothing written.")
		return nil
	}

	// ── Store secrets (never in the YAML) ──
	pending := []struct {
		keyringName, envVar, value string
	}{
		{assistant.KeyLLM, "ROBOCLAW_LLM_KEY", secrets.llm},
		{assistant.KeyTTS, "ROBOCLAW_TTS_KEY", secrets.tts},
		{assistant.KeySTT, "ROBOCLAW_STT_KEY", secrets.stt},
		{assistant.KeySearch, "ROBOCLAW_SEARCH_KEY", secrets.search},
		{assistant.KeyTaskSecret, "ROBOCLAW_TASK_CLIENT_SECRET", secrets.taskSecret},
	}
	var envLines []string
	for _, s := range pending {
		if s.value == "" {
			continue
		}
		switch storage {
		case "keyring":
			if err := assistant.StoreKeyring(s.keyringName, s.value); err != nil {
				fmt.Printf("  [!] Keyring failed for %s: %v. Falling back to .env\n", s.envVar, err)
				envLines = append(envLines, s.envVar+"="+s.value)
			}
		case "env":
			envLines = append(envLines, s.envVar+"="+s.value)
		default:
			fmt.Printf("  Remember to set %s before 'roboclaw serve'.\n", s.envVar)
		}
	}
	if len(envLines) > 0 {
		content := "# RoboClaw secrets — do not commit this file.\n" +
			strings.Join(envLines, "\n") + "\n"
		if err := os.WriteFile(".env", []byte(content), 0o600); err != nil {
			fmt.Printf("  [!] Failed to write .env: %v\n", err)
		} else {
			fmt.Println(".env written with your keys (permissions: 600).")
		}
	}

	// ── Save config ──
	if err := assistant.SaveConfigToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("%s written.\n", target)

	// ── Starter prompt files ──
	promptDir := cfg.PromptDir
	if promptDir == "" {
		dir, err := assistant.ConfigDir()
		if err != nil {
			return err
		}
		promptDir = dir
	}
	if err := assistant.WritePromptStubs(promptDir); err != nil {
		fmt.Printf("  [!] Could not write prompt files: %v\n", err)
	} else {
		fmt.Printf("Prompt files ready under %s (edit them to shape the persona).\n", promptDir)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review the config and prompts")
	if cfg.TaskService.Enabled {
		fmt.Println("  2. Run: roboclaw auth login")
		fmt.Println("  3. Run: roboclaw serve")
	} else {
		fmt.Println("  2. Run: roboclaw serve")
	}
	return nil
}
