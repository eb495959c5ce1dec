package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plateworks/conductor/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// errInterrupted marks a run ended by SIGINT; the process exits 130 like any
// interrupted shell command.
var errInterrupted = errors.New("interrupted")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a failed run to its exit status: 130 for an interrupted run,
// 1 for configuration and usage errors, 2 for everything fatal at runtime.
func exitCode(err error) int {
	var cfgErr *types.ConfigError
	switch {
	case errors.Is(err, errInterrupted):
		return 130
	case errors.As(err, &cfgErr), isUsageError(err):
		return 1
	default:
		return 2
	}
}

func isUsageError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown command") ||
		strings.Contains(msg, "unknown flag") ||
		strings.Contains(msg, "accepts") ||
		strings.Contains(msg, "required flag")
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - laboratory workflow orchestrator",
	Long: `Conductor schedules and executes laboratory automation workflows
across shared devices: incubators, plate readers, liquid handlers,
centrifuges, movers and storage hotels.

Workflows are YAML process descriptions; the server plans them against
the lab's capacity, drives the devices and tracks every container.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serverAddr string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conductor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8080", "Conductor server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(labCmd)
}
