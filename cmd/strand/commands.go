// commands.go defines the cobra commands and their flags. Each command
// delegates to a handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Start a session, or ask one question and exit",
		Long: `Run starts an agent session in the current directory.

With arguments (or piped stdin) the prompt runs once and the answer is
printed. Without arguments on a terminal, run opens an interactive
loop; type /help there for the in-session commands.`,
		Example: `  # Interactive session
  strand run

  # One-shot question
  strand run "explain the failing test in pkg/parser"

  # Pipe a prompt in
  git diff | strand run "review this change"

  # Resume where you left off
  strand run --resume 4f9d2c1a`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.settingsPath, _ = cmd.Flags().GetString("settings")
			return runRun(cmd.Context(), args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.model, "model", "m", "", `Model to use, e.g. "anthropic/claude-sonnet-4-5"`)
	cmd.Flags().StringVar(&opts.title, "session", "", "Title for the new session")
	cmd.Flags().StringVarP(&opts.resume, "resume", "r", "", "Session ID to resume")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")

	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var limit int
	var cwdOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			settingsPath, _ := cmd.Flags().GetString("settings")
			return runSessionsList(cmd.Context(), settingsPath, limit, cwdOnly)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list")
	cmd.Flags().BoolVar(&cwdOnly, "cwd", false, "Only sessions started in the current directory")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settingsPath, _ := cmd.Flags().GetString("settings")
			return runSessionsShow(cmd.Context(), settingsPath, args[0], full)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Include every branch, not just the active one")
	return cmd
}

func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment: data dir, provider keys, shell, ssh",
		RunE: func(cmd *cobra.Command, args []string) error {
			settingsPath, _ := cmd.Flags().GetString("settings")
			return runDoctor(cmd.Context(), settingsPath)
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("strand %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
