package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/assistant"
)

// newConfigCmd creates the `roboclaw config` command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage assistant configuration",
		Long: `Manage RoboClaw configuration.

Examples:
  roboclaw config init
  roboclaw config show
  roboclaw config validate`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default roboclaw.yaml",
		RunE: func(_ *cobra.Command, _ []string) error {
			target := "roboclaw.yaml"

			// Check if already exists.
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists. Remove it first or edit it directly", target)
			}

			// Write default config.
			cfg := assistant.DefaultConfig()
			if err := assistant.SaveConfigToFile(cfg, target); err != nil {
				return err
			}

			fmt.Printf("Created %s with default configuration.\n", target)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Run 'roboclaw setup' to enter API keys and hardware settings")
			fmt.Println("  2. Run: roboclaw serve")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			fmt.Printf("# Loaded from: %s\n\n", path)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			fmt.Printf("Config: %s\n", path)
			fmt.Printf("  Name:          %s\n", cfg.Name)
			fmt.Printf("  Model:         %s\n", cfg.LLM.Model)
			fmt.Printf("  Hardware port: %s\n", orNone(cfg.Hardware.Port))
			fmt.Printf("  Camera:        %s\n", orNone(cfg.Camera.SnapshotURL))
			fmt.Printf("  Action store:  %s\n", cfg.Schedule.DBPath)
			fmt.Printf("  Tick interval: %ds\n", cfg.Schedule.CheckIntervalSeconds)
			fmt.Printf("  Task service:  %v\n", cfg.TaskService.Enabled)
			fmt.Printf("  Poller:        %v (every %dm)\n", cfg.Poller.Enabled, cfg.Poller.IntervalMinutes)
			fmt.Printf("  Search:        %v\n", cfg.Search.Enabled)
			fmt.Printf("  Exit words:    %v\n", cfg.Dialogue.ExitWords)

			if err := cfg.Validate(); err != nil {
				return err
			}

			fmt.Println("\nConfiguration is valid.")
			return nil
		},
	}
}

// loadConfig loads the config from the --config flag or auto-discovers it.
func loadConfig(cmd *cobra.Command) (*assistant.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath == "" {
		configPath = assistant.FindConfigFile()
	}

	if configPath == "" {
		return nil, "", fmt.Errorf("no config file found.\nRun 'roboclaw config init' to create one, or use --config <path>")
	}

	cfg, err := assistant.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	return cfg, configPath, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
