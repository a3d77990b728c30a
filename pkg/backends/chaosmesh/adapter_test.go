package chaosmesh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/faultline/faultline/pkg/engine"
	"github.com/faultline/faultline/pkg/render"
)

// Fake submitter for testing
type fakeSubmitter struct {
	mu       sync.Mutex
	applied  [][]byte
	deleted  []string
	applyErr error
	delErr   error
	phase    string
	phaseErr error
}

func (f *fakeSubmitter) Apply(ctx context.Context, manifest []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, manifest)
	return nil
}

func (f *fakeSubmitter) Delete(ctx context.Context, namespace, kind, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, namespace+"/"+kind+"/"+name)
	return nil
}

func (f *fakeSubmitter) Phase(ctx context.Context, namespace, kind, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase, f.phaseErr
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeSubmitter, *engine.FaultTemplate) {
	t.Helper()
	manifest := `apiVersion: chaos-mesh.org/v1alpha1
kind: StressChaos
metadata:
  name: {{ .Name }}
  namespace: {{ .Namespace }}
spec:
  mode: all
  selector:
    pods: {{ toYaml .Selector.Pods | nindent 6 }}
  stressors:
    cpu:
      load: {{ .Params.cpu_percent }}
  duration: {{ .Duration | quote }}
`
	path := filepath.Join(t.TempDir(), "manifest.yaml.tmpl")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tmpl := &engine.FaultTemplate{
		ID:      "cpu-throttle",
		Backend: engine.BackendChaosMesh,
		Render:  engine.RenderRef{Path: path},
	}
	sub := &fakeSubmitter{phase: "Running"}
	return New(render.NewRenderer(), sub, zerolog.Nop()), sub, tmpl
}

func throttleRequest() *engine.FaultRequest {
	return &engine.FaultRequest{
		TemplateID: "cpu-throttle",
		Metadata: engine.RequestMetadata{
			Name:      "cpu-throttle-instance",
			Namespace: "chaos-testing",
			TTL:       60 * time.Second,
		},
		Selector: engine.TargetSelector{Pods: []string{"web-0"}},
		Params:   map[string]interface{}{"cpu_percent": 80},
	}
}

func TestAdapter_RenderProducesCoordinates(t *testing.T) {
	a, _, tmpl := newTestAdapter(t)

	artifact, err := a.Render(context.Background(), tmpl, throttleRequest())
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if artifact.Metadata["kind"] != "StressChaos" {
		t.Errorf("Expected kind StressChaos, got %q", artifact.Metadata["kind"])
	}
	if artifact.Metadata["namespace"] != "chaos-testing" {
		t.Errorf("Expected namespace chaos-testing, got %q", artifact.Metadata["namespace"])
	}
	if artifact.Metadata["name"] != "cpu-throttle-instance" {
		t.Errorf("Expected name cpu-throttle-instance, got %q", artifact.Metadata["name"])
	}
	if !strings.Contains(string(artifact.Data), `duration: "60s"`) {
		t.Errorf("Expected TTL rendered as duration:\n%s", artifact.Data)
	}
}

func TestAdapter_RenderRejectsNonManifestOutput(t *testing.T) {
	a, _, tmpl := newTestAdapter(t)
	path := filepath.Join(t.TempDir(), "broken.tmpl")
	if err := os.WriteFile(path, []byte("just text, no kind"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	tmpl.Render.Path = path

	_, err := a.Render(context.Background(), tmpl, throttleRequest())
	if err == nil {
		t.Fatal("Expected error for manifest without kind/name")
	}
	if !engine.HasCode(err, engine.ErrCodeRenderFailed) {
		t.Errorf("Expected RENDER_FAILED, got %v", err)
	}
}

func TestAdapter_ApplyReturnsHandle(t *testing.T) {
	a, sub, tmpl := newTestAdapter(t)
	artifact, err := a.Render(context.Background(), tmpl, throttleRequest())
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	handle, err := a.Apply(context.Background(), artifact)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if handle != "chaos-testing/StressChaos/cpu-throttle-instance" {
		t.Errorf("Unexpected handle %q", handle)
	}
	if len(sub.applied) != 1 {
		t.Errorf("Expected 1 manifest applied, got %d", len(sub.applied))
	}
}

func TestAdapter_ApplyPropagatesClassifiedError(t *testing.T) {
	a, sub, tmpl := newTestAdapter(t)
	sub.applyErr = engine.NewTransientError("connection refused", nil)
	artifact, _ := a.Render(context.Background(), tmpl, throttleRequest())

	handle, err := a.Apply(context.Background(), artifact)
	if err == nil {
		t.Fatal("Expected apply error")
	}
	if !handle.IsZero() {
		t.Errorf("Expected no handle on failed apply, got %q", handle)
	}
	if !engine.IsRetryable(err) {
		t.Errorf("Expected transient error to stay retryable, got %v", err)
	}
}

func TestAdapter_RevertDeletesObject(t *testing.T) {
	a, sub, _ := newTestAdapter(t)

	res, err := a.Revert(context.Background(), "chaos-testing/StressChaos/cpu-throttle-instance")
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if !res.Reverted || res.AlreadyGone {
		t.Errorf("Expected clean revert, got %+v", res)
	}
	if len(sub.deleted) != 1 || sub.deleted[0] != "chaos-testing/StressChaos/cpu-throttle-instance" {
		t.Errorf("Unexpected deletes: %v", sub.deleted)
	}
}

func TestAdapter_RevertIdempotentOnNotFound(t *testing.T) {
	a, sub, _ := newTestAdapter(t)
	sub.delErr = engine.NewPermanentError("not found", nil).WithCode(engine.ErrCodeNotFound)

	res, err := a.Revert(context.Background(), "chaos-testing/StressChaos/x")
	if err != nil {
		t.Fatalf("Expected already-gone success, got %v", err)
	}
	if !res.Reverted || !res.AlreadyGone {
		t.Errorf("Expected AlreadyGone result, got %+v", res)
	}
}

func TestAdapter_RevertMalformedHandle(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if _, err := a.Revert(context.Background(), "garbage"); err == nil {
		t.Fatal("Expected error for malformed handle")
	}
}

func TestAdapter_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		phase    string
		phaseErr error
		want     engine.BackendStatus
		wantErr  bool
	}{
		{name: "running", phase: "Run", want: engine.BackendStatusRunning},
		{name: "finished", phase: "Finished", want: engine.BackendStatusCompleted},
		{
			name:     "gone",
			phaseErr: engine.NewPermanentError("not found", nil).WithCode(engine.ErrCodeNotFound),
			want:     engine.BackendStatusGone,
		},
		{
			name:     "unreachable",
			phaseErr: engine.NewTransientError("connection refused", nil),
			want:     engine.BackendStatusUnknown,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sub, _ := newTestAdapter(t)
			sub.phase = tt.phase
			sub.phaseErr = tt.phaseErr

			got, err := a.Status(context.Background(), "ns/StressChaos/x")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Status error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyKubectlError(t *testing.T) {
	tests := []struct {
		name      string
		stderr    string
		wantCode  string
		retryable bool
	}{
		{
			name:      "connection refused is transient",
			stderr:    "The connection to the server localhost:8080 was refused",
			retryable: true,
		},
		{
			name:     "not found",
			stderr:   `Error from server (NotFound): stresschaos.chaos-mesh.org "x" not found`,
			wantCode: engine.ErrCodeNotFound,
		},
		{
			name:     "webhook denial is rejected",
			stderr:   "admission webhook \"vauth.chaos-mesh.org\" denied the request",
			wantCode: engine.ErrCodeApplyRejected,
		},
		{
			name:     "validation failure is rejected",
			stderr:   "error validating data: unknown field \"stresors\"",
			wantCode: engine.ErrCodeApplyRejected,
		},
		{
			name:     "anything else is apply failed",
			stderr:   "something unexpected happened",
			wantCode: engine.ErrCodeApplyFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyKubectlError("apply", tt.stderr, context.DeadlineExceeded)
			if engine.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", engine.IsRetryable(err), tt.retryable)
			}
			if tt.wantCode != "" && !engine.HasCode(err, tt.wantCode) {
				t.Errorf("Expected code %s, got %v", tt.wantCode, err)
			}
		})
	}
}
