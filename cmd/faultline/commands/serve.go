package commands

import (
	"github.com/spf13/cobra"

	"github.com/faultline/faultline/pkg/registry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		Long: `Run the engine as a long-lived process.

The reconciliation loop reverts expired faults and detects drift, the
template registry reloads on filesystem changes when templates.watch is
enabled, and Prometheus metrics are exposed when metrics are enabled.
Unfinished instances from a previous process are recovered on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			logger := a.tel.Logger.Zerolog()

			if err := a.tel.StartMetricsServer(); err != nil {
				return err
			}

			if a.cfg.Templates.Watch {
				watcher := registry.NewWatcher(a.registry, logger)
				go func() {
					if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
						logger.Error().Err(err).Msg("template watcher stopped")
					}
				}()
			}

			logger.Info().
				Int("templates", a.registry.Len()).
				Str("reconcile_interval", a.cfg.Engine.ReconcileInterval.Std().String()).
				Msg("engine running")

			return a.orch.Run(ctx)
		},
	}
	return cmd
}
