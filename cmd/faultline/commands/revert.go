package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRevertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revert <instance-id>",
		Short: "Revert an active fault",
		Long: `Revert a fault instance through its backend adapter.

Reverting is idempotent: reverting an already reverted instance succeeds
without touching the backend again. A backend that has no record of the
fault counts as success.`,
		Example: `  faultline revert 6b8c0e52-7a3f-4f1e-9b57-1f2d3c4e5a6b`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.orch.Revert(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			switch {
			case result.AlreadyGone:
				fmt.Println("Reverted (backend had no record of the fault)")
			case result.Reverted:
				fmt.Println("Reverted")
			}
			if result.Message != "" {
				fmt.Println(result.Message)
			}
			return nil
		},
	}
	return cmd
}
