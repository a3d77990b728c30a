package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long: `Run a single reconciliation pass over all active instances.

TTL-expired faults are reverted, faults the backend reports as finished
are cleaned up, and faults the backend no longer knows about are marked
FAILED_PARTIAL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.orch.Reconcile(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(report)
			}
			fmt.Printf("Checked:   %d\n", report.Checked)
			fmt.Printf("Expired:   %d\n", report.Expired)
			fmt.Printf("Completed: %d\n", report.Completed)
			fmt.Printf("Drifted:   %d\n", report.Drifted)
			fmt.Printf("Unknown:   %d\n", report.Unknown)
			return nil
		},
	}
	return cmd
}
