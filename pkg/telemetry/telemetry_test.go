package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default config is valid", mutate: func(c *Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "bad exporter when tracing enabled",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: true,
		},
		{name: "sampling rate out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{
			name: "metrics without listen address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	// None of these should panic on a no-op instance
	m.RecordSubmission("network/latency", "chaos-mesh")
	m.RecordRejection("VALIDATION_FAILED")
	m.RecordActivation()
	m.RecordDeactivation("chaos-mesh", time.Minute)
	m.RecordRevert("reverted")
	m.RecordAdapterCall("chaos-mesh", "apply", time.Second)
	m.RecordAdapterError("chaos-mesh", "apply")
	m.RecordRetry("apply")
	m.RecordReconcilePass(1, 2)
	m.RecordError("transient", "TIMEOUT")
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:       true,
		ListenAddress: ":0",
		Path:          "/metrics",
		Namespace:     "faultline",
	})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordSubmission("network/latency", "chaos-mesh")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, fam := range families {
		if fam.GetName() == "faultline_faults_submitted_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected faults_submitted_total in registry output")
	}
}

func TestEventPublisherSyncDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	received := []Event{}
	done := make(chan struct{}, 1)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
	}, nil)

	if err := ep.PublishFaultActivated("inst-1", "network/latency", "ns/NetworkChaos/x"); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	e := received[0]
	if e.Type != EventTypeFaultActivated {
		t.Errorf("expected type %s, got %s", EventTypeFaultActivated, e.Type)
	}
	if e.InstanceID != "inst-1" || e.TemplateID != "network/latency" {
		t.Errorf("unexpected event identity: %+v", e)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be populated")
	}
}

func TestEventFilters(t *testing.T) {
	warnOrWorse := FilterByLevel(EventLevelWarning)
	if warnOrWorse(Event{Level: EventLevelInfo}) {
		t.Error("info event should not pass warning filter")
	}
	if !warnOrWorse(Event{Level: EventLevelError}) {
		t.Error("error event should pass warning filter")
	}

	byType := FilterByType(EventTypeDriftDetected)
	if byType(Event{Type: EventTypeFaultReverted}) {
		t.Error("unexpected type should not pass type filter")
	}

	byInstance := FilterByInstanceID("inst-7")
	if !byInstance(Event{InstanceID: "inst-7"}) {
		t.Error("matching instance should pass instance filter")
	}
}

func TestLoggerFluentHelpers(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	child := logger.
		NewComponentLogger("engine").
		WithInstanceID("inst-1").
		WithTemplateID("network/latency").
		WithBackend("chaos-mesh").
		WithNamespace("chaos-testing")
	if child == nil {
		t.Fatal("expected child logger")
	}
	if child.Zerolog().GetLevel() != logger.Zerolog().GetLevel() {
		t.Error("child logger should inherit the parent level")
	}
}

func TestTelemetryShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
