package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/schedule"
)

// newScheduleCmd creates the `roboclaw schedule` command for inspecting and
// editing the scheduled-action store without going through the voice loop.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and edit scheduled actions",
		Long: `Work with the scheduled-action store directly.

Examples:
  roboclaw schedule list
  roboclaw schedule add "remind me to stretch" --at "2026-08-25 15:00:00"
  roboclaw schedule add "check the stove" --in 20m --mode retry_with_condition
  roboclaw schedule delete 4f1f8c...
  roboclaw schedule prune`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleDeleteCmd(),
		newSchedulePruneCmd(),
	)

	return cmd
}

// openStore opens the action store configured for this installation.
func openStore(cmd *cobra.Command) (*schedule.Store, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)
	return schedule.OpenStore(cfg.Schedule.DBPath, logger)
}

func newScheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			all, _ := cmd.Flags().GetBool("all")

			actions, err := store.ListAll(context.Background())
			if err != nil {
				return err
			}

			shown := 0
			for _, a := range actions {
				if !all && (a.Status == schedule.StatusCompleted || a.Status == schedule.StatusExpired) {
					continue
				}
				printAction(a)
				shown++
			}
			if shown == 0 {
				fmt.Println("No scheduled actions.")
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "include completed and expired actions")
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <command>",
		Short: "Schedule an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			trigger, err := resolveTrigger(cmd)
			if err != nil {
				return err
			}

			mode, _ := cmd.Flags().GetString("mode")
			action := &schedule.Action{
				Command:     args[0],
				TriggerTime: trigger,
				Mode:        schedule.Mode(mode),
			}

			if retryFor, _ := cmd.Flags().GetDuration("retry-for"); retryFor > 0 {
				until := trigger.Add(retryFor)
				action.RetryUntil = &until
			}
			if every, _ := cmd.Flags().GetDuration("every"); every > 0 {
				action.Recurring = true
				action.IntervalSeconds = int(every / time.Second)
			}
			if untilStr, _ := cmd.Flags().GetString("until"); untilStr != "" {
				until, err := time.ParseInLocation(schedule.TimeLayout, untilStr, time.Local)
				if err != nil {
					return fmt.Errorf("parsing --until: %w", err)
				}
				action.RecurringUntil = &until
			}

			id, err := store.Insert(context.Background(), action)
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled %s for %s.\n", id, trigger.Format(schedule.TimeLayout))
			return nil
		},
	}
	cmd.Flags().String("at", "", "trigger time (\""+schedule.TimeLayout+"\", local)")
	cmd.Flags().Duration("in", 0, "trigger after a delay (e.g. 20m, 2h)")
	cmd.Flags().String("mode", string(schedule.ModeOneShot),
		"completion mode: one_shot, retry_until_acknowledged, retry_with_condition")
	cmd.Flags().Duration("retry-for", 0, "keep retrying for this long past the trigger")
	cmd.Flags().Duration("every", 0, "recur at this interval")
	cmd.Flags().String("until", "", "stop recurring after this time (\""+schedule.TimeLayout+"\", local)")
	return cmd
}

func newScheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a scheduled action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s.\n", args[0])
			return nil
		},
	}
}

func newSchedulePruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove completed and expired actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneTerminal(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d action(s).\n", n)
			return nil
		},
	}
}

// resolveTrigger turns the --at / --in flags into a trigger time.
func resolveTrigger(cmd *cobra.Command) (time.Time, error) {
	at, _ := cmd.Flags().GetString("at")
	in, _ := cmd.Flags().GetDuration("in")

	switch {
	case at != "" && in > 0:
		return time.Time{}, fmt.Errorf("--at and --in are mutually exclusive")
	case at != "":
		t, err := time.ParseInLocation(schedule.TimeLayout, at, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing --at: %w", err)
		}
		return t, nil
	case in > 0:
		return time.Now().Add(in), nil
	default:
		return time.Time{}, fmt.Errorf("one of --at or --in is required")
	}
}

// printAction renders one action as a short block.
func printAction(a *schedule.Action) {
	fmt.Printf("%s  [%s]\n", a.ID, a.Status)
	fmt.Printf("  command:  %s\n", a.Command)
	fmt.Printf("  trigger:  %s\n", a.TriggerTime.Local().Format(schedule.TimeLayout))
	fmt.Printf("  mode:     %s\n", a.Mode)
	if a.RetryUntil != nil {
		fmt.Printf("  retry until: %s\n", a.RetryUntil.Local().Format(schedule.TimeLayout))
	}
	if a.Recurring {
		every := (time.Duration(a.IntervalSeconds) * time.Second).String()
		if a.RecurringUntil != nil {
			fmt.Printf("  recurs:   every %s until %s\n", every, a.RecurringUntil.Local().Format(schedule.TimeLayout))
		} else {
			fmt.Printf("  recurs:   every %s\n", every)
		}
	}
	if a.AttemptCount > 0 {
		fmt.Printf("  attempts: %d\n", a.AttemptCount)
	}
	if transcript := a.Context["original_transcript"]; transcript != "" {
		fmt.Printf("  heard:    %q\n", strings.TrimSpace(transcript))
	}
	fmt.Println()
}
