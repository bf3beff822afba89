// Package commands implements the roboclaw CLI command tree.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand attached.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "roboclaw",
		Short: "Voice-driven desk robot assistant",
		Long: `RoboClaw runs an always-on desk robot assistant: it listens for its
wake word, looks through its camera, answers out loud, moves its servos,
and keeps a durable list of scheduled actions it checks back on until
they are actually done.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose (debug) logging")

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newScheduleCmd(),
		newAuthCmd(),
		newConfigCmd(),
		newSetupCmd(),
	)

	return rootCmd
}
