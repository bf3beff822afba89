package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/assistant"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/taskservice"
)

// newAuthCmd creates the `roboclaw auth` command for the task-service
// OAuth2 grant.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize the task service",
		Long: `Manage the task-service OAuth2 grant. login opens the authorization
URL (and prints it as a QR code so you can grant from your phone), then
waits for the redirect on the local callback port.

Examples:
  roboclaw auth login
  roboclaw auth status
  roboclaw auth logout`,
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthStatusCmd(),
		newAuthLogoutCmd(),
	)

	return cmd
}

// newAuth builds the token manager from the resolved config.
func newAuth(cmd *cobra.Command) (*taskservice.Auth, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)
	assistant.ResolveSecrets(cfg, logger)

	return taskservice.NewAuth(taskservice.AuthConfig{
		ClientID:     cfg.TaskService.ClientID,
		ClientSecret: cfg.TaskService.ClientSecret,
		RedirectURL:  cfg.TaskService.RedirectURL,
		Scopes:       cfg.TaskService.Scopes,
		CachePath:    cfg.TaskService.TokenCachePath,
	}, logger), nil
}

func newAuthLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Run the interactive authorization grant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			auth, err := newAuth(cmd)
			if err != nil {
				return err
			}

			noQR, _ := cmd.Flags().GetBool("no-qr")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			err = auth.Login(ctx, func(authURL string) {
				fmt.Println("Open this URL to authorize:")
				fmt.Println()
				fmt.Println("  " + authURL)
				fmt.Println()
				if !noQR {
					// The robot rarely has a browser; a phone does.
					qrterminal.GenerateWithConfig(authURL, qrterminal.Config{
						Level:     qrterminal.L,
						Writer:    os.Stdout,
						BlackChar: qrterminal.BLACK,
						WhiteChar: qrterminal.WHITE,
						QuietZone: 1,
					})
					fmt.Println()
				}
				fmt.Println("Waiting for the authorization to come back...")
			})
			if err != nil {
				return err
			}

			fmt.Println("Authorized. Token cached; 'roboclaw serve' can now use the task service.")
			return nil
		},
	}
	cmd.Flags().Bool("no-qr", false, "print the URL only, without the QR code")
	return cmd
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current token status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			auth, err := newAuth(cmd)
			if err != nil {
				return err
			}

			expiry, ok := auth.Status()
			if !ok {
				fmt.Println("Not authorized. Run 'roboclaw auth login'.")
				return nil
			}
			if expiry.IsZero() {
				fmt.Println("Authorized (token does not expire).")
				return nil
			}
			if time.Now().After(expiry) {
				fmt.Printf("Authorized, token expired %s (refresh happens on next use).\n",
					expiry.Local().Format(time.RFC1123))
				return nil
			}
			fmt.Printf("Authorized, token valid until %s.\n", expiry.Local().Format(time.RFC1123))
			return nil
		},
	}
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the cached token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			auth, err := newAuth(cmd)
			if err != nil {
				return err
			}
			if err := auth.Logout(); err != nil {
				return err
			}
			fmt.Println("Token cache cleared.")
			return nil
		},
	}
}
