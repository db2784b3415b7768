package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newResetCreditsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-credits",
		Short: "Reset external API credit usage",
		Long: `Zero the usage counters for every external contact-data provider and
start a fresh monthly window.

Normally the counters reset themselves when the stored reset date passes;
this command is for plan changes or manual top-ups mid-cycle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), "drafts")
			if err != nil {
				return err
			}
			defer rt.Close()

			resetAt := nextMonthStart(time.Now().UTC())
			if err := rt.store.ResetCredits(cmd.Context(), resetAt); err != nil {
				return err
			}

			for provider, budget := range rt.cfg.Discovery.APIBudgets {
				fmt.Printf("%-10s budget=%d used=0 resets=%s\n",
					provider, budget, resetAt.Format("2006-01-02"))
			}
			return nil
		},
	}

	return cmd
}
