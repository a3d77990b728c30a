package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/faultline/faultline/pkg/engine"
)

func newListCommand() *cobra.Command {
	var (
		states   []string
		archived bool
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fault instances",
		Long: `List fault instances known to the engine.

By default only live instances are shown. With --archived the archive is
queried instead, which includes reverted and rejected instances.`,
		Example: `  # Live instances
  faultline list

  # Only active ones
  faultline list --state active

  # Everything the archive remembers, newest first
  faultline list --archived --limit 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			filter := make([]engine.InstanceState, 0, len(states))
			for _, s := range states {
				filter = append(filter, engine.InstanceState(s))
			}

			var instances []engine.FaultInstance
			if archived {
				if a.store == nil {
					return fmt.Errorf("no archive configured (store.path is empty)")
				}
				instances, err = a.store.ListInstances(cmd.Context(), filter, limit, offset)
				if err != nil {
					return err
				}
			} else {
				instances = a.orch.List(cmd.Context(), filter...)
			}

			if jsonOutput {
				return printJSON(instances)
			}
			printInstanceTable(instances)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (pending, active, reverting, reverted, failed_partial, rejected)")
	cmd.Flags().BoolVar(&archived, "archived", false, "list from the archive instead of live state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum archived instances to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "archived instances to skip")

	return cmd
}

func printInstanceTable(instances []engine.FaultInstance) {
	if len(instances) == 0 {
		fmt.Println("No instances found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTEMPLATE\tNAMESPACE\tBACKEND\tSTATE\tEXPIRES")
	for _, inst := range instances {
		expires := "-"
		if inst.ExpiresAt != nil {
			expires = inst.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inst.ID, inst.Request.TemplateID, inst.Request.Metadata.Namespace,
			inst.Backend, inst.State, expires)
	}
	w.Flush()
}
