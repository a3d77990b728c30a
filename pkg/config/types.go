package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/faultline/faultline/pkg/engine"
)

// Duration is a time.Duration that decodes from CUE/JSON strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root application configuration.
type Config struct {
	// Engine tunes orchestration behavior.
	Engine EngineConfig `json:"engine"`

	// Templates configures the fault template registry.
	Templates TemplatesConfig `json:"templates" validate:"required"`

	// Defaults are applied to requests during validation.
	Defaults DefaultsConfig `json:"defaults"`

	// Policy configures the guardrail policy engine.
	Policy PolicyConfig `json:"policy"`

	// Backends configures the backend adapters.
	Backends BackendsConfig `json:"backends"`

	// Store configures the durable instance archive.
	Store StoreConfig `json:"store"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// EngineConfig tunes the orchestrator's retry and reconciliation behavior.
type EngineConfig struct {
	// MaxRetries bounds retry attempts for transient backend failures.
	MaxRetries int `json:"max_retries" validate:"gte=0,lte=10"`

	// BaseBackoff is the initial retry delay.
	BaseBackoff Duration `json:"base_backoff"`

	// MaxBackoff caps the retry delay.
	MaxBackoff Duration `json:"max_backoff"`

	// ApplyTimeout bounds a single backend apply call.
	ApplyTimeout Duration `json:"apply_timeout"`

	// RevertTimeout bounds a single backend revert call.
	RevertTimeout Duration `json:"revert_timeout"`

	// ReconcileInterval is the period of the reconciliation loop.
	ReconcileInterval Duration `json:"reconcile_interval"`

	// UnknownGrace is how long a backend may report UNKNOWN before the
	// instance is marked FAILED_PARTIAL.
	UnknownGrace Duration `json:"unknown_grace"`
}

// TemplatesConfig configures the template registry.
type TemplatesConfig struct {
	// Root is the directory holding index.yaml and the template sources.
	Root string `json:"root" validate:"required"`

	// Watch enables automatic reload on filesystem changes.
	Watch bool `json:"watch"`
}

// DefaultsConfig supplies request defaults applied during validation.
type DefaultsConfig struct {
	// Namespace is used when a request does not name one.
	Namespace string `json:"namespace"`

	// MaxTTL caps requested TTLs for templates without their own cap.
	MaxTTL Duration `json:"max_ttl"`
}

// PolicyConfig configures the guardrail policies.
type PolicyConfig struct {
	// ProtectedNamespaces can never be targeted by a fault.
	ProtectedNamespaces []string `json:"protected_namespaces"`

	// MaxTTL is the policy ceiling on fault duration.
	MaxTTL Duration `json:"max_ttl"`

	// MaxTargetPods caps the blast radius of a single fault.
	MaxTargetPods int `json:"max_target_pods" validate:"gte=0"`

	// PolicyDir holds additional .rego policies loaded at startup.
	PolicyDir string `json:"policy_dir"`

	// Disabled lists built-in policy names to skip.
	Disabled []string `json:"disabled"`
}

// BackendsConfig configures the backend adapters.
type BackendsConfig struct {
	ChaosMesh ChaosMeshConfig `json:"chaos_mesh"`
	HostAgent HostAgentConfig `json:"host_agent"`
	Custom    CustomConfig    `json:"custom"`
}

// ChaosMeshConfig configures the Kubernetes chaos backend.
type ChaosMeshConfig struct {
	// Enabled registers the adapter.
	Enabled bool `json:"enabled"`

	// KubectlBinary overrides the kubectl binary name.
	KubectlBinary string `json:"kubectl_binary"`

	// KubeContext selects a kubeconfig context. Empty uses the current one.
	KubeContext string `json:"kube_context"`
}

// HostAgentConfig configures the SSH host-agent backend.
type HostAgentConfig struct {
	// Enabled registers the adapter.
	Enabled bool `json:"enabled"`

	// Binary is the agent binary on the target host.
	Binary string `json:"binary"`

	// PayloadDir is where rendered attack payloads are uploaded.
	PayloadDir string `json:"payload_dir"`

	// SSH configures the transport to the target host.
	SSH SSHConfig `json:"ssh"`
}

// SSHConfig configures the SSH transport for the host-agent backend.
type SSHConfig struct {
	Host string `json:"host"`
	Port int    `json:"port" validate:"gte=0,lte=65535"`
	User string `json:"user"`

	// AuthMethod is "key" or "password".
	AuthMethod string `json:"auth_method" validate:"omitempty,oneof=key password"`

	Password       string `json:"password"`
	PrivateKeyPath string `json:"private_key_path"`
	KnownHostsPath string `json:"known_hosts_path"`

	StrictHostKeyChecking bool     `json:"strict_host_key_checking"`
	ConnectTimeout        Duration `json:"connect_timeout"`
}

// CustomConfig configures the Starlark script backend.
type CustomConfig struct {
	// Enabled registers the adapter.
	Enabled bool `json:"enabled"`

	// HookTimeout bounds each script hook invocation.
	HookTimeout Duration `json:"hook_timeout"`
}

// StoreConfig configures the durable instance archive.
type StoreConfig struct {
	// Path is the SQLite database path. Empty disables persistence.
	Path string `json:"path"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	// LogLevel is trace, debug, info, warn, error or fatal.
	LogLevel string `json:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat is console or json.
	LogFormat string `json:"log_format" validate:"omitempty,oneof=console json"`

	// MetricsEnabled exposes Prometheus metrics.
	MetricsEnabled bool `json:"metrics_enabled"`

	// MetricsAddress is the metrics listen address.
	MetricsAddress string `json:"metrics_address"`

	// TracingEnabled exports OpenTelemetry traces.
	TracingEnabled bool `json:"tracing_enabled"`

	// TracingExporter is otlp, stdout or none.
	TracingExporter string `json:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `json:"tracing_endpoint"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.BaseBackoff == 0 {
		c.Engine.BaseBackoff = Duration(500 * time.Millisecond)
	}
	if c.Engine.MaxBackoff == 0 {
		c.Engine.MaxBackoff = Duration(30 * time.Second)
	}
	if c.Engine.ApplyTimeout == 0 {
		c.Engine.ApplyTimeout = Duration(60 * time.Second)
	}
	if c.Engine.RevertTimeout == 0 {
		c.Engine.RevertTimeout = Duration(60 * time.Second)
	}
	if c.Engine.ReconcileInterval == 0 {
		c.Engine.ReconcileInterval = Duration(30 * time.Second)
	}
	if c.Engine.UnknownGrace == 0 {
		c.Engine.UnknownGrace = Duration(2 * time.Minute)
	}

	if c.Defaults.Namespace == "" {
		c.Defaults.Namespace = "chaos-testing"
	}

	if c.Policy.MaxTargetPods == 0 {
		c.Policy.MaxTargetPods = 25
	}
	if c.Policy.MaxTTL == 0 {
		c.Policy.MaxTTL = Duration(4 * time.Hour)
	}
	if len(c.Policy.ProtectedNamespaces) == 0 {
		c.Policy.ProtectedNamespaces = []string{"kube-system", "kube-public", "kube-node-lease"}
	}

	if c.Backends.ChaosMesh.KubectlBinary == "" {
		c.Backends.ChaosMesh.KubectlBinary = "kubectl"
	}
	if c.Backends.HostAgent.Binary == "" {
		c.Backends.HostAgent.Binary = "chaosd"
	}
	if c.Backends.HostAgent.PayloadDir == "" {
		c.Backends.HostAgent.PayloadDir = "/var/run/faultline"
	}
	if c.Backends.HostAgent.SSH.Port == 0 {
		c.Backends.HostAgent.SSH.Port = 22
	}
	if c.Backends.HostAgent.SSH.AuthMethod == "" {
		c.Backends.HostAgent.SSH.AuthMethod = "key"
	}
	if c.Backends.HostAgent.SSH.ConnectTimeout == 0 {
		c.Backends.HostAgent.SSH.ConnectTimeout = Duration(30 * time.Second)
	}
	if c.Backends.Custom.HookTimeout == 0 {
		c.Backends.Custom.HookTimeout = Duration(30 * time.Second)
	}

	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = "console"
	}
	if c.Telemetry.MetricsAddress == "" {
		c.Telemetry.MetricsAddress = ":9090"
	}
	if c.Telemetry.TracingExporter == "" {
		c.Telemetry.TracingExporter = "stdout"
	}
}

// EngineOptions converts the engine block into orchestrator options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		MaxRetries:        c.Engine.MaxRetries,
		BaseBackoff:       c.Engine.BaseBackoff.Std(),
		MaxBackoff:        c.Engine.MaxBackoff.Std(),
		ApplyTimeout:      c.Engine.ApplyTimeout.Std(),
		RevertTimeout:     c.Engine.RevertTimeout.Std(),
		ReconcileInterval: c.Engine.ReconcileInterval.Std(),
		UnknownGrace:      c.Engine.UnknownGrace.Std(),
	}
}

// ValidationError describes one problem found while loading configuration.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (v ValidationError) Error() string {
	if v.File != "" && v.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", v.File, v.Line, v.Column, v.Message)
	}
	if v.Path != "" {
		return fmt.Sprintf("%s: %s", v.Path, v.Message)
	}
	return v.Message
}

// LoadError aggregates the problems found while loading configuration.
type LoadError struct {
	Problems []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid configuration: %s", e.Problems[0].Error())
	}
	return fmt.Sprintf("invalid configuration: %d problems, first: %s", len(e.Problems), e.Problems[0].Error())
}
