package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/tracker"
)

var allStates = []stores.AttemptState{
	stores.StateDiscovered,
	stores.StateDrafted,
	stores.StateScheduled,
	stores.StateSent,
	stores.StatePendingConf,
	stores.StateDelivered,
	stores.StateBounced,
	stores.StateRetryDrafted,
	stores.StateGivenUp,
}

func newStatusCommand() *cobra.Command {
	var stateFilter string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the delivery status of every attempt",
		Example: `  # All attempts
  mailsleuth status

  # Only bounced attempts
  mailsleuth status --state bounced`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), "drafts")
			if err != nil {
				return err
			}
			defer rt.Close()

			states := allStates
			if stateFilter != "" {
				states = []stores.AttemptState{stores.AttemptState(stateFilter)}
			}

			var attempts []*stores.Attempt
			for _, state := range states {
				batch, err := rt.store.ListAttemptsByState(cmd.Context(), state)
				if err != nil {
					return err
				}
				attempts = append(attempts, batch...)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(attempts)
			}

			for _, attempt := range attempts {
				fmt.Printf("%-30s %-40s %s\n",
					attempt.ContactName, attempt.Candidate, tracker.StatusText(attempt))
			}
			if len(attempts) == 0 {
				fmt.Println("no attempts")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFilter, "state", "", "only show attempts in this state")

	return cmd
}
