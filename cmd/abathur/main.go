// Command abathur is the CLI for the abathur task queue: a persistent,
// dependency-aware priority queue over SQLite with a swarm of concurrent
// LLM agent executors.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/abathur-dev/abathur/internal/config"
)

// version is stamped by the release build.
var version = "dev"

// Global flags.
var (
	configPath string
	dbPath     string
	jsonOutput bool
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "abathur",
		Short:   "Persistent task queue with dependency-aware scheduling and an agent swarm",
		Version: version,
		Long: `Abathur queues units of work for LLM agents, schedules them by
priority and dependency order, and runs them through a bounded
concurrent swarm. State lives in a local SQLite database so the queue
survives restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultConfigFile+")")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")

	root.AddCommand(
		newInitCmd(),
		newStatusCmd(),
		newTaskCmd(),
		newSwarmCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		os.Exit(exitOK)
	}

	renderError(err)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		os.Exit(exitInterrupted)
	}
	os.Exit(exitError)
}

// renderError prints a single red-prefixed line with an optional
// remediation hint. Stack traces never reach the user.
func renderError(err error) {
	prefix := "Error:"
	if color.NoColor {
		fmt.Fprintf(os.Stderr, "%s %v\n", prefix, err)
	} else {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint(prefix), err)
	}
	if hint := remediationHint(err); hint != "" {
		fmt.Fprintf(os.Stderr, "  hint: %s\n", hint)
	}
}
