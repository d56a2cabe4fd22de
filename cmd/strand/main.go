// Package main is the strand CLI: an interactive coding-agent session
// in the terminal.
//
// # Basic Usage
//
// Start an interactive session:
//
//	strand run
//
// Ask one question and exit:
//
//	strand run "why does this test flake?"
//
// Inspect stored sessions:
//
//	strand sessions list
//	strand sessions show <id>
//
// Check the environment:
//
//	strand doctor
//
// # Configuration
//
// Settings are read from ~/.strand/settings.yaml merged with
// .strand/settings.yaml in the working directory; --settings overrides
// the global path. API keys fall back to ANTHROPIC_API_KEY and
// OPENAI_API_KEY.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "strand",
		Short:         "Interactive coding-agent sessions in the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("settings", "", "Path to the global settings file")

	root.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
		buildDoctorCmd(),
		buildVersionCmd(),
	)
	return root
}

func main() {
	root := buildRootCmd()

	// SIGINT, SIGTERM, and SIGHUP all cancel the root context; the run
	// handler flushes and disposes the controller on the way out.
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "strand:", err)
		os.Exit(1)
	}
}
