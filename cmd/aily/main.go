package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Exit codes.
const (
	exitOK       = 0
	exitGeneric  = 1
	exitConfig   = 2
	exitStorage  = 3
	exitPlatform = 4
	exitSignal   = 130
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aily",
		Short: "aily — bridge tmux AI agent sessions to chat platforms",
		Long: "aily relays messages between terminal-multiplexer sessions running AI\n" +
			"coding agents and per-session threads on Discord and Slack, and exposes\n" +
			"session state to a web dashboard.",
	}
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDBCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aily %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitGeneric
	}
	return exitOK
}

func main() {
	os.Exit(execute(newRootCmd()))
}
