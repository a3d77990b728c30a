// Package hostagent implements the direct-agent backend: rendered attack
// payloads are uploaded to the target host and executed by the agent binary
// over SSH. The backend handle is the attack uid the agent returns, which
// later drives recover and status calls.
package hostagent

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/faultline/faultline/pkg/engine"
	"github.com/faultline/faultline/pkg/render"
)

// Runner abstracts the host transport so the adapter can be tested without
// a live host. The SSH client satisfies it.
type Runner interface {
	Run(ctx context.Context, command string) (stdout, stderr string, err error)
	Upload(ctx context.Context, data []byte, remotePath string) error
}

// Options configures the host-agent adapter.
type Options struct {
	// Binary is the agent binary on the target host. Defaults to "chaosd".
	Binary string

	// PayloadDir is where rendered payloads are uploaded.
	// Defaults to /var/run/faultline.
	PayloadDir string
}

// Adapter is the host-agent backend adapter.
type Adapter struct {
	renderer *render.Renderer
	runner   Runner
	opts     Options
	logger   zerolog.Logger
}

// New creates a host-agent adapter.
func New(renderer *render.Renderer, runner Runner, opts Options, logger zerolog.Logger) *Adapter {
	if opts.Binary == "" {
		opts.Binary = "chaosd"
	}
	if opts.PayloadDir == "" {
		opts.PayloadDir = "/var/run/faultline"
	}
	return &Adapter{
		renderer: renderer,
		runner:   runner,
		opts:     opts,
		logger:   logger.With().Str("component", "hostagent-adapter").Logger(),
	}
}

// Kind implements engine.BackendAdapter.
func (a *Adapter) Kind() engine.BackendKind { return engine.BackendHostAgent }

// Render renders the template's attack payload. The payload must be valid
// JSON; the agent refuses anything else, so that failure is caught here.
func (a *Adapter) Render(_ context.Context, tmpl *engine.FaultTemplate, req *engine.FaultRequest) (*engine.Artifact, error) {
	data, err := a.renderer.RenderFile(tmpl.Render.Path, render.NewContext(req))
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, engine.NewPermanentError("rendered attack payload is not valid JSON", nil).
			WithCode(engine.ErrCodeRenderFailed).
			WithTemplate(tmpl.ID)
	}

	return &engine.Artifact{
		Backend:     engine.BackendHostAgent,
		ContentType: "application/json",
		Data:        data,
		Metadata: map[string]string{
			"payload_name": req.Metadata.Name,
		},
	}, nil
}

// Apply uploads the payload and runs the agent's attack create. The
// returned handle is the attack uid parsed from the agent's JSON output.
func (a *Adapter) Apply(ctx context.Context, artifact *engine.Artifact) (engine.BackendHandle, error) {
	remotePath := path.Join(a.opts.PayloadDir,
		fmt.Sprintf("%s-%s.json", artifact.Metadata["payload_name"], uuid.New().String()[:8]))

	if err := a.runner.Upload(ctx, artifact.Data, remotePath); err != nil {
		return "", classifyAgentError("upload", "", err)
	}

	cmd := fmt.Sprintf("%s attack create --config %s -o json", a.opts.Binary, remotePath)
	stdout, stderr, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return "", classifyAgentError("apply", stderr, err)
	}

	var out struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil || out.UID == "" {
		return "", engine.NewPermanentError(
			fmt.Sprintf("agent returned no attack uid: %s", strings.TrimSpace(stdout)), err).
			WithCode(engine.ErrCodeApplyFailed).
			WithOperation("apply")
	}

	a.logger.Info().Str("uid", out.UID).Str("payload", remotePath).Msg("attack created")
	return engine.BackendHandle(out.UID), nil
}

// Revert recovers the attack. An unknown uid counts as already gone so the
// revert stays idempotent.
func (a *Adapter) Revert(ctx context.Context, handle engine.BackendHandle) (*engine.RevertResult, error) {
	cmd := fmt.Sprintf("%s attack recover %s -o json", a.opts.Binary, handle)
	_, stderr, err := a.runner.Run(ctx, cmd)
	if err != nil {
		classified := classifyAgentError("revert", stderr, err)
		if engine.HasCode(classified, engine.ErrCodeNotFound) {
			return &engine.RevertResult{
				Reverted:    true,
				AlreadyGone: true,
				Message:     "agent has no record of the attack",
			}, nil
		}
		return nil, classified
	}
	return &engine.RevertResult{Reverted: true}, nil
}

// Status queries the attack status and maps the agent's vocabulary onto the
// backend status set.
func (a *Adapter) Status(ctx context.Context, handle engine.BackendHandle) (engine.BackendStatus, error) {
	cmd := fmt.Sprintf("%s attack status %s -o json", a.opts.Binary, handle)
	stdout, stderr, err := a.runner.Run(ctx, cmd)
	if err != nil {
		classified := classifyAgentError("status", stderr, err)
		if engine.HasCode(classified, engine.ErrCodeNotFound) {
			return engine.BackendStatusGone, nil
		}
		return engine.BackendStatusUnknown, classified
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		return engine.BackendStatusUnknown, engine.NewTransientError(
			fmt.Sprintf("agent returned unparsable status: %s", strings.TrimSpace(stdout)), err).
			WithOperation("status")
	}

	switch strings.ToLower(out.Status) {
	case "created", "success", "running":
		return engine.BackendStatusRunning, nil
	case "finished", "done":
		return engine.BackendStatusCompleted, nil
	case "destroyed", "recovered":
		return engine.BackendStatusGone, nil
	default:
		return engine.BackendStatusUnknown, nil
	}
}

// classifyAgentError maps transport and agent failures onto the engine's
// error taxonomy.
func classifyAgentError(op, stderr string, cause error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such attack"):
		return engine.NewPermanentError(fmt.Sprintf("agent %s: %s", op, msg), cause).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(op)

	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "handshake failed"),
		strings.Contains(lower, "no route to host"),
		strings.Contains(lower, "failed to connect"):
		return engine.NewTransientError(fmt.Sprintf("agent %s: %s", op, msg), cause).
			WithOperation(op)

	case strings.Contains(lower, "invalid"),
		strings.Contains(lower, "unsupported attack"),
		strings.Contains(lower, "permission denied"):
		return engine.NewPermanentError(fmt.Sprintf("agent %s: %s", op, msg), cause).
			WithCode(engine.ErrCodeApplyRejected).
			WithOperation(op)

	default:
		return engine.NewPermanentError(fmt.Sprintf("agent %s: %s", op, msg), cause).
			WithCode(engine.ErrCodeApplyFailed).
			WithOperation(op)
	}
}
