package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailsleuth/mailsleuth/pkg/engine"
	"github.com/mailsleuth/mailsleuth/pkg/tracker"
)

func newScanCommand() *cobra.Command {
	var (
		watch    bool
		draftDir string
	)

	cmd := &cobra.Command{
		Use:   "scan <inbox-dir>",
		Short: "Scan an inbox directory for bounce messages",
		Long: `Scan raw messages in a directory for bounce notifications and apply
them to their attempts.

Extraction tries, in order: RFC 3464 delivery status fields, natural
language bounce phrasing, bare addresses near SMTP error codes, and a
keyword proximity search. Mail-infrastructure addresses are never treated
as the bounced recipient.

With --watch the directory is watched and new messages are applied as they
arrive, until interrupted.`,
		Example: `  # One-shot scan
  mailsleuth scan ./inbox

  # Keep applying bounces as the MTA drops files in
  mailsleuth scan ./inbox --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), draftDir)
			if err != nil {
				return err
			}
			defer rt.Close()

			feed := engine.NewBounceFeed(args[0], rt.logger)

			ctx := cmd.Context()
			if !watch {
				signals, err := feed.Scan(ctx)
				if err != nil {
					return err
				}
				return applySignals(ctx, rt, signals)
			}

			out := make(chan *tracker.BounceSignal, 16)
			go func() {
				for signal := range out {
					if err := applySignals(ctx, rt, []*tracker.BounceSignal{signal}); err != nil {
						rt.logger.WithError(err).Error("failed to apply bounce signal")
					}
				}
			}()
			return feed.Watch(ctx, out)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the directory for new messages")
	cmd.Flags().StringVar(&draftDir, "drafts", "drafts", "directory for retry draft stubs")

	return cmd
}

func applySignals(ctx context.Context, rt *runtime, signals []*tracker.BounceSignal) error {
	if len(signals) == 0 {
		fmt.Println("no bounce signals found")
		return nil
	}
	stats, err := rt.engine.Track(ctx, time.Now().UTC(), signals)
	if err != nil {
		return err
	}
	fmt.Printf("signals=%d bounced=%d retried=%d given_up=%d\n",
		len(signals), stats.Bounced, stats.Retried, stats.GivenUp)
	return nil
}
