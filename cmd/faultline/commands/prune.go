package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old terminal instances from the archive",
		Long: `Delete reverted and rejected instances older than the given age
from the archive, along with their transition history. Live instances
and recent terminal instances are never touched.`,
		Example: `  # Drop terminal instances older than a week
  faultline prune --older-than 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if a.store == nil {
				return fmt.Errorf("no archive configured (store.path is empty)")
			}

			cutoff := time.Now().Add(-olderThan)
			pruned, err := a.store.PruneTerminal(cmd.Context(), cutoff)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]int64{"pruned": pruned})
			}
			fmt.Printf("Pruned %d instances\n", pruned)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of terminal instances to prune")
	return cmd
}
