package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/faultline/faultline/pkg/engine"
)

const cpuThrottleSchema = `
cpu_percent: int & >=1 & <=100
duration:    string
workers?:    int & >=1
`

const cpuThrottleManifest = `apiVersion: chaos-mesh.org/v1alpha1
kind: StressChaos
metadata:
  name: {{ .Name }}
  namespace: {{ .Namespace }}
spec:
  stressors:
    cpu:
      load: {{ .Params.cpu_percent }}
`

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func writeValidIndex(t *testing.T, root string) {
	t.Helper()
	writeFile(t, root, "index.yaml", `templates:
  - id: cpu-throttle
    backend: chaos-mesh
    schema: cpu-throttle/schema.cue
    template: cpu-throttle/manifest.yaml.tmpl
    max_ttl: 10m
    description: Throttle CPU on targeted pods
`)
	writeFile(t, root, "cpu-throttle/schema.cue", cpuThrottleSchema)
	writeFile(t, root, "cpu-throttle/manifest.yaml.tmpl", cpuThrottleManifest)
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	writeValidIndex(t, root)
	reg := New(root, zerolog.Nop())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return reg, root
}

func TestRegistry_LoadAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)

	tmpl, err := reg.Get("cpu-throttle")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if tmpl.Backend != engine.BackendChaosMesh {
		t.Errorf("Expected backend %s, got %s", engine.BackendChaosMesh, tmpl.Backend)
	}
	if tmpl.MaxTTL != 10*time.Minute {
		t.Errorf("Expected max_ttl 10m, got %v", tmpl.MaxTTL)
	}
	if tmpl.ParamSchema == "" {
		t.Error("Expected schema source loaded")
	}
	if tmpl.Render.Path == "" {
		t.Error("Expected render path resolved")
	}
}

func TestRegistry_GetUnknownTemplate(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Get("no-such-template")
	if err == nil {
		t.Fatal("Expected error for unknown template")
	}
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func TestRegistry_LoadEnumeratesAllProblems(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.yaml", `templates:
  - id: cpu-throttle
    backend: chaos-mesh
    schema: cpu-throttle/missing.cue
    template: cpu-throttle/manifest.yaml.tmpl
  - id: bad-backend
    backend: not-a-backend
    schema: whatever.cue
    template: whatever.tmpl
  - id: bad-ttl
    backend: chaos-mesh
    schema: cpu-throttle/schema.cue
    template: cpu-throttle/manifest.yaml.tmpl
    max_ttl: "not-a-duration"
`)
	writeFile(t, root, "cpu-throttle/schema.cue", cpuThrottleSchema)
	writeFile(t, root, "cpu-throttle/manifest.yaml.tmpl", cpuThrottleManifest)

	reg := New(root, zerolog.Nop())
	err := reg.Load(context.Background())
	if err == nil {
		t.Fatal("Expected load error")
	}
	if !engine.HasCode(err, engine.ErrCodeInvalidTemplate) {
		t.Errorf("Expected INVALID_TEMPLATE, got %v", err)
	}
	var fe *engine.FaultError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FaultError, got %T", err)
	}
	if len(fe.Violations) != 3 {
		t.Errorf("Expected all 3 problems enumerated, got %d: %v", len(fe.Violations), fe.Violations)
	}
}

func TestRegistry_LoadRejectsBadSchema(t *testing.T) {
	root := t.TempDir()
	writeValidIndex(t, root)
	writeFile(t, root, "cpu-throttle/schema.cue", `cpu_percent: int & >=`)

	reg := New(root, zerolog.Nop())
	if err := reg.Load(context.Background()); err == nil {
		t.Fatal("Expected load error for malformed CUE schema")
	}
}

func TestRegistry_LoadRejectsDuplicateIDs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.yaml", `templates:
  - id: cpu-throttle
    backend: chaos-mesh
    schema: cpu-throttle/schema.cue
    template: cpu-throttle/manifest.yaml.tmpl
  - id: cpu-throttle
    backend: chaos-mesh
    schema: cpu-throttle/schema.cue
    template: cpu-throttle/manifest.yaml.tmpl
`)
	writeFile(t, root, "cpu-throttle/schema.cue", cpuThrottleSchema)
	writeFile(t, root, "cpu-throttle/manifest.yaml.tmpl", cpuThrottleManifest)

	reg := New(root, zerolog.Nop())
	if err := reg.Load(context.Background()); err == nil {
		t.Fatal("Expected load error for duplicate template IDs")
	}
}

func TestRegistry_FailedReloadKeepsPreviousSet(t *testing.T) {
	reg, root := newTestRegistry(t)

	// Corrupt the index, then reload. The old set must stay live.
	writeFile(t, root, "index.yaml", `templates: [`)
	if err := reg.Reload(context.Background()); err == nil {
		t.Fatal("Expected reload error")
	}

	tmpl, err := reg.Get("cpu-throttle")
	if err != nil {
		t.Fatalf("Expected previous set to survive failed reload: %v", err)
	}
	if tmpl.ID != "cpu-throttle" {
		t.Errorf("Unexpected template: %+v", tmpl)
	}
}

func TestRegistry_ReloadPicksUpNewTemplates(t *testing.T) {
	reg, root := newTestRegistry(t)

	writeFile(t, root, "index.yaml", `templates:
  - id: cpu-throttle
    backend: chaos-mesh
    schema: cpu-throttle/schema.cue
    template: cpu-throttle/manifest.yaml.tmpl
  - id: network-latency
    backend: chaos-mesh
    composable: true
    schema: network-latency/schema.cue
    template: network-latency/manifest.yaml.tmpl
`)
	writeFile(t, root, "network-latency/schema.cue", `latency_ms: int & >0
jitter_ms?: int & >=0`)
	writeFile(t, root, "network-latency/manifest.yaml.tmpl", cpuThrottleManifest)

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Errorf("Expected 2 templates after reload, got %d", reg.Len())
	}
	tmpl, err := reg.Get("network-latency")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !tmpl.Composable {
		t.Error("Expected network-latency marked composable")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	reg, root := newTestRegistry(t)
	writeFile(t, root, "index.yaml", `templates:
  - id: zz-last
    backend: chaos-mesh
    schema: cpu-throttle/schema.cue
    template: cpu-throttle/manifest.yaml.tmpl
  - id: aa-first
    backend: chaos-mesh
    schema: cpu-throttle/schema.cue
    template: cpu-throttle/manifest.yaml.tmpl
`)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 templates, got %d", len(list))
	}
	if list[0].ID != "aa-first" || list[1].ID != "zz-last" {
		t.Errorf("Expected sorted order, got %s then %s", list[0].ID, list[1].ID)
	}
}
