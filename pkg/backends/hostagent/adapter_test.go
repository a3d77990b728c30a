package hostagent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/faultline/faultline/pkg/engine"
	"github.com/faultline/faultline/pkg/render"
)

// Fake runner standing in for the SSH transport
type fakeRunner struct {
	mu       sync.Mutex
	uploads  map[string][]byte
	commands []string

	runStdout string
	runStderr string
	runErr    error
	uploadErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{uploads: make(map[string][]byte)}
}

func (f *fakeRunner) Run(ctx context.Context, command string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return f.runStdout, f.runStderr, f.runErr
}

func (f *fakeRunner) Upload(ctx context.Context, data []byte, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads[remotePath] = data
	return nil
}

func (f *fakeRunner) lastCommand() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return ""
	}
	return f.commands[len(f.commands)-1]
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeRunner, *engine.FaultTemplate) {
	t.Helper()
	payload := `{
  "action": "stress-cpu",
  "load": {{ .Params.cpu_percent }},
  "workers": {{ .Params.workers }}
}`
	path := filepath.Join(t.TempDir(), "payload.json.tmpl")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tmpl := &engine.FaultTemplate{
		ID:      "host-cpu-stress",
		Backend: engine.BackendHostAgent,
		Render:  engine.RenderRef{Path: path},
	}
	runner := newFakeRunner()
	runner.runStdout = `{"uid": "attack-7f3a"}`
	adapter := New(render.NewRenderer(), runner, Options{}, zerolog.Nop())
	return adapter, runner, tmpl
}

func stressRequest() *engine.FaultRequest {
	return &engine.FaultRequest{
		TemplateID: "host-cpu-stress",
		Metadata: engine.RequestMetadata{
			Name:      "host-cpu-stress-instance",
			Namespace: "lab",
		},
		Selector: engine.TargetSelector{Pods: []string{"host-1"}},
		Params: map[string]interface{}{
			"cpu_percent": 75,
			"workers":     4,
		},
	}
}

func TestAdapter_RenderProducesJSONPayload(t *testing.T) {
	a, _, tmpl := newTestAdapter(t)

	artifact, err := a.Render(context.Background(), tmpl, stressRequest())
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if artifact.ContentType != "application/json" {
		t.Errorf("Expected JSON payload, got %q", artifact.ContentType)
	}
	if !strings.Contains(string(artifact.Data), `"load": 75`) {
		t.Errorf("Expected parameters rendered into payload:\n%s", artifact.Data)
	}
}

func TestAdapter_RenderRejectsNonJSON(t *testing.T) {
	a, _, tmpl := newTestAdapter(t)
	path := filepath.Join(t.TempDir(), "broken.tmpl")
	if err := os.WriteFile(path, []byte("action: {{ .Name }}"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	tmpl.Render.Path = path

	_, err := a.Render(context.Background(), tmpl, stressRequest())
	if err == nil {
		t.Fatal("Expected error for non-JSON payload")
	}
	if !engine.HasCode(err, engine.ErrCodeRenderFailed) {
		t.Errorf("Expected RENDER_FAILED, got %v", err)
	}
}

func TestAdapter_ApplyUploadsAndReturnsUID(t *testing.T) {
	a, runner, tmpl := newTestAdapter(t)
	artifact, err := a.Render(context.Background(), tmpl, stressRequest())
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	handle, err := a.Apply(context.Background(), artifact)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if handle != "attack-7f3a" {
		t.Errorf("Expected handle attack-7f3a, got %q", handle)
	}
	if len(runner.uploads) != 1 {
		t.Fatalf("Expected 1 upload, got %d", len(runner.uploads))
	}
	for remotePath := range runner.uploads {
		if !strings.HasPrefix(remotePath, "/var/run/faultline/host-cpu-stress-instance-") {
			t.Errorf("Unexpected payload path %q", remotePath)
		}
	}
	cmd := runner.lastCommand()
	if !strings.HasPrefix(cmd, "chaosd attack create --config ") || !strings.HasSuffix(cmd, "-o json") {
		t.Errorf("Unexpected create command %q", cmd)
	}
}

func TestAdapter_ApplyWithoutUIDFails(t *testing.T) {
	a, runner, tmpl := newTestAdapter(t)
	runner.runStdout = `{"message": "ok"}`
	artifact, _ := a.Render(context.Background(), tmpl, stressRequest())

	handle, err := a.Apply(context.Background(), artifact)
	if err == nil {
		t.Fatal("Expected error when agent returns no uid")
	}
	if !handle.IsZero() {
		t.Errorf("Expected no handle, got %q", handle)
	}
}

func TestAdapter_ApplyTransportFailureIsTransient(t *testing.T) {
	a, runner, tmpl := newTestAdapter(t)
	runner.runErr = errors.New("ssh: failed to connect to host-1:22")
	artifact, _ := a.Render(context.Background(), tmpl, stressRequest())

	_, err := a.Apply(context.Background(), artifact)
	if err == nil {
		t.Fatal("Expected apply error")
	}
	if !engine.IsRetryable(err) {
		t.Errorf("Expected transport failure to be retryable, got %v", err)
	}
}

func TestAdapter_RevertRecoversAttack(t *testing.T) {
	a, runner, _ := newTestAdapter(t)
	runner.runStdout = `{"message": "recovered"}`

	res, err := a.Revert(context.Background(), "attack-7f3a")
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if !res.Reverted || res.AlreadyGone {
		t.Errorf("Expected clean revert, got %+v", res)
	}
	if runner.lastCommand() != "chaosd attack recover attack-7f3a -o json" {
		t.Errorf("Unexpected recover command %q", runner.lastCommand())
	}
}

func TestAdapter_RevertIdempotentOnUnknownUID(t *testing.T) {
	a, runner, _ := newTestAdapter(t)
	runner.runErr = errors.New("exit status 1")
	runner.runStderr = "attack attack-7f3a not found"

	res, err := a.Revert(context.Background(), "attack-7f3a")
	if err != nil {
		t.Fatalf("Expected already-gone success, got %v", err)
	}
	if !res.Reverted || !res.AlreadyGone {
		t.Errorf("Expected AlreadyGone result, got %+v", res)
	}
}

func TestAdapter_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		stderr string
		runErr error
		want   engine.BackendStatus
	}{
		{name: "running", stdout: `{"status": "success"}`, want: engine.BackendStatusRunning},
		{name: "created", stdout: `{"status": "created"}`, want: engine.BackendStatusRunning},
		{name: "finished", stdout: `{"status": "finished"}`, want: engine.BackendStatusCompleted},
		{name: "destroyed", stdout: `{"status": "destroyed"}`, want: engine.BackendStatusGone},
		{
			name:   "unknown uid",
			stderr: "attack attack-7f3a not found",
			runErr: errors.New("exit status 1"),
			want:   engine.BackendStatusGone,
		},
		{
			name:   "unreachable host",
			stderr: "dial tcp: i/o timeout",
			runErr: errors.New("exit status 255"),
			want:   engine.BackendStatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, runner, _ := newTestAdapter(t)
			runner.runStdout = tt.stdout
			runner.runStderr = tt.stderr
			runner.runErr = tt.runErr

			got, _ := a.Status(context.Background(), "attack-7f3a")
			if got != tt.want {
				t.Errorf("Status = %s, want %s", got, tt.want)
			}
		})
	}
}
