package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailsleuth/mailsleuth/pkg/engine"
	"github.com/mailsleuth/mailsleuth/pkg/tracker"
)

func newTrackCommand() *cobra.Command {
	var (
		inboxDir string
		draftDir string
	)

	cmd := &cobra.Command{
		Use:   "track",
		Short: "Run one delivery-tracking pass",
		Long: `Run one tracking pass over every in-flight attempt.

The pass applies bounce signals scanned from the inbox directory, moves
sent attempts into the confirmation window, confirms delivery for attempts
whose window elapsed without a bounce, and drafts the next candidate for
bounced attempts that still have retry budget.

Run this periodically (for example from cron) alongside whatever sends the
drafted messages.`,
		Example: `  # Track with bounce signals from a local inbox dump
  mailsleuth track --inbox ./inbox

  # Track on timers alone
  mailsleuth track`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), draftDir)
			if err != nil {
				return err
			}
			defer rt.Close()

			var signals []*tracker.BounceSignal
			if inboxDir != "" {
				feed := engine.NewBounceFeed(inboxDir, rt.logger)
				signals, err = feed.Scan(cmd.Context())
				if err != nil {
					return err
				}
			}

			stats, err := rt.engine.Track(cmd.Context(), time.Now().UTC(), signals)
			if err != nil {
				return err
			}

			fmt.Printf("reconciled=%d delivered=%d bounced=%d retried=%d given_up=%d\n",
				stats.Reconciled, stats.Delivered, stats.Bounced, stats.Retried, stats.GivenUp)
			return nil
		},
	}

	cmd.Flags().StringVar(&inboxDir, "inbox", "", "directory of raw bounce messages to apply")
	cmd.Flags().StringVar(&draftDir, "drafts", "drafts", "directory for retry draft stubs")

	return cmd
}
