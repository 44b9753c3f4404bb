// Package main provides the upwreason CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// errChecksFailed is returned by check commands run with --strict when a
// check reported violations.
var errChecksFailed = errors.New("checks failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, errChecksFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// options holds the persistent flags.
type options struct {
	configPath string
	dataDir    string
	inMemory   bool
	fixture    string
	output     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "upwreason",
		Short: "upwreason - rule-based reasoning over an ultrapure-water plant graph",
		Long: `upwreason derives new facts from a UPW plant graph and checks it for
consistency.

Features:
  • Declarative inference rules with preview, apply and trace
  • Tagged inferred facts that can be listed, counted and cleared
  • Axioms and constraints with severities and bounded violation lists
  • Daemon mode with cron schedules and Prometheus metrics`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputJSON, outputText:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want json or text)", opts.output)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Data directory (overrides config)")
	flags.BoolVar(&opts.inMemory, "in-memory", false, "Keep the graph in memory only")
	flags.StringVar(&opts.fixture, "fixture", "", "Fixture to load before running the command")
	flags.StringVarP(&opts.output, "output", "o", outputText, "Output format: json or text")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "upwreason v%s (%s)\n", version, commit)
			},
		},
		newRulesCmd(opts),
		newInferredCmd(opts),
		newAxiomsCmd(opts),
		newConstraintsCmd(opts),
		newLoadCmd(opts),
		newDaemonCmd(opts),
	)
	return rootCmd
}
