package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/faultline/faultline/pkg/backends/chaosmesh"
	"github.com/faultline/faultline/pkg/backends/custom"
	"github.com/faultline/faultline/pkg/backends/hostagent"
	"github.com/faultline/faultline/pkg/config"
	"github.com/faultline/faultline/pkg/engine"
	"github.com/faultline/faultline/pkg/policy"
	"github.com/faultline/faultline/pkg/registry"
	"github.com/faultline/faultline/pkg/render"
	"github.com/faultline/faultline/pkg/stores"
	"github.com/faultline/faultline/pkg/telemetry"
	"github.com/faultline/faultline/pkg/transports/ssh"
	"github.com/faultline/faultline/pkg/validate"
)

// app holds the wired engine for one command invocation. One-shot commands
// build it, act, and tear it down; serve keeps it alive until interrupted.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	registry *registry.Registry
	store    *stores.SQLiteStore
	orch     *engine.Orchestrator
}

// newApp loads configuration and wires the full engine: registry,
// validator, policy guardrails, backend adapters, durable archive and the
// orchestrator. Unfinished instances from a previous process are adopted
// back into the lifecycle manager.
func newApp(ctx context.Context) (*app, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	reg := registry.New(cfg.Templates.Root, logger)
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}

	validator := validate.New(validate.Defaults{
		Namespace: cfg.Defaults.Namespace,
		MaxTTL:    cfg.Defaults.MaxTTL.Std(),
	})

	policyEngine, err := policy.NewEngine(policy.Limits{
		ProtectedNamespaces: cfg.Policy.ProtectedNamespaces,
		MaxTTL:              cfg.Policy.MaxTTL.Std(),
		MaxTargetPods:       cfg.Policy.MaxTargetPods,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Policy.PolicyDir != "" {
		paths, err := collectRegoFiles(cfg.Policy.PolicyDir)
		if err != nil {
			return nil, err
		}
		if err := policyEngine.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Policy.Disabled {
		if err := policyEngine.SetPolicyEnabled(name, false); err != nil {
			return nil, err
		}
	}

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return nil, err
	}

	var store *stores.SQLiteStore
	var archive engine.InstanceArchiver
	if cfg.Store.Path != "" {
		store, err = stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		archive = store
	}

	orch, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Templates: reg,
		Validator: validator,
		Adapters:  adapters,
		Lifecycle: engine.NewLifecycleManager(),
		Policy:    policyEngine,
		Archive:   archive,
		Observer:  transitionObserver(tel),
		Logger:    logger,
		Options:   cfg.EngineOptions(),
	})
	if err != nil {
		return nil, err
	}

	if store != nil {
		records, err := store.LoadUnfinished(ctx)
		if err != nil {
			return nil, err
		}
		if err := orch.Recover(ctx, records); err != nil {
			return nil, err
		}
	}

	return &app{
		cfg:      cfg,
		tel:      tel,
		registry: reg,
		store:    store,
		orch:     orch,
	}, nil
}

// close tears the app down. Telemetry shutdown gets its own deadline so a
// stuck exporter cannot hang the process.
func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.tel.Shutdown(ctx)
}

// buildAdapters registers every enabled backend adapter.
func buildAdapters(cfg *config.Config, logger zerolog.Logger) (*engine.AdapterRegistry, error) {
	adapters := engine.NewAdapterRegistry()
	renderer := render.NewRenderer()

	if cfg.Backends.ChaosMesh.Enabled {
		submitter := chaosmesh.NewKubectlSubmitter(
			cfg.Backends.ChaosMesh.KubectlBinary,
			cfg.Backends.ChaosMesh.KubeContext,
			logger,
		)
		if err := adapters.Register(chaosmesh.New(renderer, submitter, logger)); err != nil {
			return nil, err
		}
	}

	if cfg.Backends.HostAgent.Enabled {
		sshCfg := &ssh.Config{
			Host:                  cfg.Backends.HostAgent.SSH.Host,
			Port:                  cfg.Backends.HostAgent.SSH.Port,
			User:                  cfg.Backends.HostAgent.SSH.User,
			AuthMethod:            ssh.AuthMethod(cfg.Backends.HostAgent.SSH.AuthMethod),
			Password:              cfg.Backends.HostAgent.SSH.Password,
			PrivateKeyPath:        cfg.Backends.HostAgent.SSH.PrivateKeyPath,
			KnownHostsPath:        cfg.Backends.HostAgent.SSH.KnownHostsPath,
			StrictHostKeyChecking: cfg.Backends.HostAgent.SSH.StrictHostKeyChecking,
			ConnectTimeout:        cfg.Backends.HostAgent.SSH.ConnectTimeout.Std(),
		}
		runner, err := ssh.NewClient(sshCfg, logger)
		if err != nil {
			return nil, err
		}
		adapter := hostagent.New(renderer, runner, hostagent.Options{
			Binary:     cfg.Backends.HostAgent.Binary,
			PayloadDir: cfg.Backends.HostAgent.PayloadDir,
		}, logger)
		if err := adapters.Register(adapter); err != nil {
			return nil, err
		}
	}

	if cfg.Backends.Custom.Enabled {
		adapter := custom.New(cfg.Backends.Custom.HookTimeout.Std(), logger)
		if err := adapters.Register(adapter); err != nil {
			return nil, err
		}
	}

	return adapters, nil
}

// transitionObserver bridges lifecycle transitions into metrics and events.
func transitionObserver(tel *telemetry.Telemetry) engine.TransitionObserver {
	return func(inst engine.FaultInstance, from engine.InstanceState, reason string) {
		tel.ObserveTransition(
			inst.ID,
			inst.Request.TemplateID,
			string(inst.Backend),
			string(inst.Handle),
			string(from),
			string(inst.State),
			reason,
			inst.UpdatedAt.Sub(inst.CreatedAt),
		)
	}
}

// telemetryConfig maps the application config onto the telemetry stack.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	if verbose {
		tc.Logging.Level = "debug"
	}
	tc.Metrics.Enabled = cfg.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddress
	tc.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	tc.Tracing.Exporter = cfg.Telemetry.TracingExporter
	tc.Tracing.Endpoint = cfg.Telemetry.TracingEndpoint
	return tc
}

// collectRegoFiles lists .rego files under dir, sorted by WalkDir order.
func collectRegoFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".rego") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy dir %s: %w", dir, err)
	}
	return paths, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printInstance writes a human-readable instance summary.
func printInstance(inst engine.FaultInstance) {
	fmt.Printf("Instance:  %s\n", inst.ID)
	fmt.Printf("Template:  %s\n", inst.Request.TemplateID)
	fmt.Printf("Namespace: %s\n", inst.Request.Metadata.Namespace)
	fmt.Printf("Backend:   %s\n", inst.Backend)
	fmt.Printf("State:     %s\n", inst.State)
	if !inst.Handle.IsZero() {
		fmt.Printf("Handle:    %s\n", inst.Handle)
	}
	if inst.ExpiresAt != nil {
		fmt.Printf("Expires:   %s\n", inst.ExpiresAt.Format(time.RFC3339))
	}
	if inst.LastError != "" {
		fmt.Printf("Error:     %s\n", inst.LastError)
	}
}
