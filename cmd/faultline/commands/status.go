package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var transitions bool

	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show a fault instance",
		Long: `Show the current state of a fault instance.

Live instances come from the lifecycle manager; terminal instances are
looked up in the archive when one is configured. With --transitions the
archived state history is printed as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			instanceID := args[0]
			inst, err := a.orch.Status(cmd.Context(), instanceID)
			if err != nil {
				// Terminal instances are pruned from memory between runs.
				if a.store == nil {
					return err
				}
				archived, archiveErr := a.store.GetInstance(cmd.Context(), instanceID)
				if archiveErr != nil {
					return err
				}
				inst = *archived
			}

			if jsonOutput {
				return printJSON(inst)
			}
			printInstance(inst)

			if transitions && a.store != nil {
				records, err := a.store.ListTransitions(cmd.Context(), instanceID, 100, 0)
				if err != nil {
					return err
				}
				fmt.Println("\nTransitions:")
				for _, rec := range records {
					line := fmt.Sprintf("  %s  %s -> %s",
						rec.Timestamp.Format(time.RFC3339), rec.FromState, rec.ToState)
					if rec.Reason != nil {
						line += fmt.Sprintf("  (%s)", *rec.Reason)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&transitions, "transitions", false, "include archived state history")
	return cmd
}
