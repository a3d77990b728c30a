package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRequestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestBuildRequestFromFile(t *testing.T) {
	path := writeRequestFile(t, `
template_id: network/latency
metadata:
  name: demo
  namespace: chaos-testing
  ttl: 90s
selector:
  pods: [web-1, web-2]
params:
  latency_ms: 250
`)

	req, err := buildRequest(path, "", "", "", 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("buildRequest failed: %v", err)
	}
	if req.TemplateID != "network/latency" {
		t.Errorf("Expected template network/latency, got %s", req.TemplateID)
	}
	if req.Metadata.TTL != 90*time.Second {
		t.Errorf("Expected ttl 90s, got %v", req.Metadata.TTL)
	}
	if len(req.Selector.Pods) != 2 {
		t.Errorf("Expected 2 pods, got %v", req.Selector.Pods)
	}
	if v, ok := req.Params["latency_ms"].(int); !ok || v != 250 {
		t.Errorf("Expected latency_ms 250, got %v", req.Params["latency_ms"])
	}
}

func TestBuildRequestFlagsOverrideFile(t *testing.T) {
	path := writeRequestFile(t, `
template_id: network/latency
metadata:
  namespace: chaos-testing
  ttl: 90s
selector:
  pods: [web-1]
`)

	req, err := buildRequest(path, "network/loss", "", "prod-chaos", 30*time.Second,
		[]string{"db-1"}, nil, []string{"loss_percent=10"})
	if err != nil {
		t.Fatalf("buildRequest failed: %v", err)
	}
	if req.TemplateID != "network/loss" {
		t.Errorf("Expected flag template to win, got %s", req.TemplateID)
	}
	if req.Metadata.Namespace != "prod-chaos" {
		t.Errorf("Expected flag namespace to win, got %s", req.Metadata.Namespace)
	}
	if req.Metadata.TTL != 30*time.Second {
		t.Errorf("Expected flag ttl to win, got %v", req.Metadata.TTL)
	}
	if len(req.Selector.Pods) != 1 || req.Selector.Pods[0] != "db-1" {
		t.Errorf("Expected flag pods to win, got %v", req.Selector.Pods)
	}
	if v, ok := req.Params["loss_percent"].(float64); !ok || v != 10 {
		t.Errorf("Expected loss_percent 10, got %v", req.Params["loss_percent"])
	}
}

func TestBuildRequestRequiresTemplate(t *testing.T) {
	_, err := buildRequest("", "", "", "", 0, []string{"web-1"}, nil, nil)
	if err == nil {
		t.Fatal("Expected error without a template")
	}
}

func TestBuildRequestBadTTL(t *testing.T) {
	path := writeRequestFile(t, `
template_id: network/latency
metadata:
  ttl: soon
`)
	_, err := buildRequest(path, "", "", "", 0, nil, nil, nil)
	if err == nil {
		t.Fatal("Expected error for unparsable ttl")
	}
}

func TestParseParam(t *testing.T) {
	tests := []struct {
		input string
		key   string
		value interface{}
	}{
		{"latency_ms=250", "latency_ms", float64(250)},
		{"dry_run=true", "dry_run", true},
		{"mode=aggressive", "mode", "aggressive"},
		{"ratio=0.5", "ratio", 0.5},
	}

	for _, tt := range tests {
		key, value, err := parseParam(tt.input)
		if err != nil {
			t.Errorf("parseParam(%q) failed: %v", tt.input, err)
			continue
		}
		if key != tt.key || value != tt.value {
			t.Errorf("parseParam(%q) = %q, %v; want %q, %v", tt.input, key, value, tt.key, tt.value)
		}
	}

	if _, _, err := parseParam("no-equals"); err == nil {
		t.Error("Expected error for parameter without =")
	}
}
