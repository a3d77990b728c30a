package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "faultline",
		Short: "Faultline - Fault Injection Orchestration Engine",
		Long: `Faultline orchestrates controlled fault injection across Kubernetes
clusters and bare-metal hosts.

Faults are described by templates with typed parameter schemas, admitted
through guardrail policies, applied through pluggable backends, and
reverted automatically when their TTL elapses.

Backends:
  - chaos-mesh: Kubernetes chaos objects applied through kubectl
  - host-agent: chaosd attacks on bare-metal hosts over SSH
  - custom:     operator-supplied Starlark fault scripts`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "faultline.cue", "config file or directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newRevertCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTemplatesCommand())
	rootCmd.AddCommand(newPruneCommand())

	return rootCmd
}
