package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath    string
	verbose       bool
	jsonOutput    bool
	metricsListen string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mailsleuth",
		Short: "MailSleuth - contact email discovery and delivery tracking",
		Long: `MailSleuth finds work email addresses for named contacts and tracks
whether outreach sent to them actually lands.

Discovery walks a layered verification cascade per contact, from a local
pattern store out to provider probes, website mining, reachability checks,
and external contact APIs. Every confirmed pattern is learned, so repeat
runs against the same companies stay off the network entirely.

Tracking drives each attempt through its delivery state machine: bounce
evidence is authoritative, silence past the confirmation window counts as
delivered, and bounced candidates are retried with the next naming template
until the retry budget runs out.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (disabled when empty)")

	// Add subcommands
	rootCmd.AddCommand(newDiscoverCommand())
	rootCmd.AddCommand(newTrackCommand())
	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResetCreditsCommand())

	return rootCmd
}
