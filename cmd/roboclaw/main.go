// Package main is the entry point for the roboclaw CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/jholhewres/roboclaw/cmd/roboclaw/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	// Secrets may live in a local .env next to the binary.
	_ = godotenv.Load(".env")

	rootCmd := commands.NewRootCmd(version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
