package policy

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

func newTestEngine(t *testing.T, limits Limits) *Engine {
	t.Helper()
	e, err := NewEngine(limits, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func guardedRequest() (*engine.FaultRequest, *engine.FaultTemplate) {
	req := &engine.FaultRequest{
		TemplateID: "cpu-throttle",
		Metadata: engine.RequestMetadata{
			Name:      "cpu-throttle-instance",
			Namespace: "staging",
			TTL:       time.Minute,
		},
		Selector: engine.TargetSelector{Pods: []string{"web-0"}},
	}
	tmpl := &engine.FaultTemplate{ID: "cpu-throttle", Backend: engine.BackendChaosMesh}
	return req, tmpl
}

func TestEngine_AllowsCompliantRequest(t *testing.T) {
	e := newTestEngine(t, DefaultLimits())
	req, tmpl := guardedRequest()

	if err := e.Check(context.Background(), req, tmpl); err != nil {
		t.Fatalf("Expected compliant request to pass: %v", err)
	}
}

func TestEngine_DeniesProtectedNamespace(t *testing.T) {
	e := newTestEngine(t, DefaultLimits())
	req, tmpl := guardedRequest()
	req.Metadata.Namespace = "kube-system"

	err := e.Check(context.Background(), req, tmpl)
	if err == nil {
		t.Fatal("Expected denial for protected namespace")
	}
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("Expected POLICY_DENIED, got %v", err)
	}
	var fe *engine.FaultError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FaultError, got %T", err)
	}
	if len(fe.Violations) == 0 {
		t.Error("Expected blocking violations listed")
	}
}

func TestEngine_DeniesTTLAboveCeiling(t *testing.T) {
	e := newTestEngine(t, Limits{MaxTTL: time.Hour})
	req, tmpl := guardedRequest()
	req.Metadata.TTL = 2 * time.Hour

	err := e.Check(context.Background(), req, tmpl)
	if err == nil {
		t.Fatal("Expected denial for TTL above ceiling")
	}
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("Expected POLICY_DENIED, got %v", err)
	}
}

func TestEngine_DeniesMissingTTLWhenCeilingSet(t *testing.T) {
	e := newTestEngine(t, Limits{MaxTTL: time.Hour})
	req, tmpl := guardedRequest()
	req.Metadata.TTL = 0

	if err := e.Check(context.Background(), req, tmpl); err == nil {
		t.Fatal("Expected denial for unbounded fault under a TTL ceiling")
	}
}

func TestEngine_DeniesWideBlastRadius(t *testing.T) {
	e := newTestEngine(t, Limits{MaxTargetPods: 2})
	req, tmpl := guardedRequest()
	req.Selector.Pods = []string{"a", "b", "c"}

	if err := e.Check(context.Background(), req, tmpl); err == nil {
		t.Fatal("Expected denial for selector above pod limit")
	}
}

func TestEngine_WarningsDoNotBlock(t *testing.T) {
	// No TTL ceiling configured: a missing TTL only warns.
	e := newTestEngine(t, Limits{})
	req, tmpl := guardedRequest()
	req.Metadata.TTL = 0

	result, err := e.Evaluate(context.Background(), req, tmpl)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected warning-only result to be allowed")
	}
	foundWarning := false
	for _, v := range result.Violations {
		if v.Severity == SeverityWarning {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Errorf("Expected a warning violation, got %+v", result.Violations)
	}

	if err := e.Check(context.Background(), req, tmpl); err != nil {
		t.Errorf("Expected Check to pass on warnings only: %v", err)
	}
}

func TestEngine_DisabledPolicySkipped(t *testing.T) {
	e := newTestEngine(t, DefaultLimits())
	if err := e.SetPolicyEnabled("protected-namespaces", false); err != nil {
		t.Fatalf("SetPolicyEnabled failed: %v", err)
	}

	req, tmpl := guardedRequest()
	req.Metadata.Namespace = "kube-system"
	if err := e.Check(context.Background(), req, tmpl); err != nil {
		t.Errorf("Expected disabled policy to be skipped: %v", err)
	}
}

func TestEngine_LoadPoliciesFromDisk(t *testing.T) {
	e := newTestEngine(t, DefaultLimits())

	dir := t.TempDir()
	rego := `package faultline.policies.custom

import rego.v1

deny contains violation if {
	input.request.metadata.labels.env == "prod"
	violation := {
		"message": "faults labelled env=prod are not allowed",
		"severity": "error",
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "no-prod.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	req, tmpl := guardedRequest()
	req.Metadata.Labels = map[string]string{"env": "prod"}
	if err := e.Check(context.Background(), req, tmpl); err == nil {
		t.Fatal("Expected denial from loaded policy")
	}

	req.Metadata.Labels = map[string]string{"env": "staging"}
	if err := e.Check(context.Background(), req, tmpl); err != nil {
		t.Errorf("Expected staging request to pass: %v", err)
	}
}

func TestEngine_LoadRejectsMalformedPolicy(t *testing.T) {
	e := newTestEngine(t, DefaultLimits())

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("not rego at all {"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := e.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected error loading malformed policy")
	}
}
