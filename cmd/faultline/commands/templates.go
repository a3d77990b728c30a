package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage fault templates",
	}
	cmd.AddCommand(newTemplatesListCommand())
	return cmd
}

func newTemplatesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered fault templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			templates := a.registry.List()
			if jsonOutput {
				return printJSON(templates)
			}
			if len(templates) == 0 {
				fmt.Println("No templates registered")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBACKEND\tCOMPOSABLE\tMAX TTL\tDESCRIPTION")
			for _, tmpl := range templates {
				maxTTL := "-"
				if tmpl.MaxTTL > 0 {
					maxTTL = tmpl.MaxTTL.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
					tmpl.ID, tmpl.Backend, tmpl.Composable, maxTTL, tmpl.Description)
			}
			return w.Flush()
		},
	}
	return cmd
}
