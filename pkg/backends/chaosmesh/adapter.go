// Package chaosmesh implements the declarative-manifest backend: fault
// templates render into cluster manifests that are submitted to the cluster
// API. The backend handle is the object coordinate namespace/kind/name, so
// revert and status need nothing but the handle.
package chaosmesh

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/faultline/faultline/pkg/engine"
	"github.com/faultline/faultline/pkg/render"
)

// Submitter abstracts the cluster API interaction so the adapter can be
// tested without a cluster. The default implementation shells out to
// kubectl.
type Submitter interface {
	// Apply submits a manifest. Errors are classified: transient for
	// connectivity problems, APPLY_REJECTED when the cluster refused the
	// object.
	Apply(ctx context.Context, manifest []byte) error

	// Delete removes an object. A missing object returns a NOT_FOUND error.
	Delete(ctx context.Context, namespace, kind, name string) error

	// Phase reports the object's experiment phase. A missing object returns
	// a NOT_FOUND error.
	Phase(ctx context.Context, namespace, kind, name string) (string, error)
}

// manifestHeader is the subset of a rendered manifest the adapter needs to
// build the handle.
type manifestHeader struct {
	Kind     string `yaml:"kind"`
	Metadata struct {
		Name      string `yaml:"name"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metadata"`
}

// Adapter is the chaos-mesh backend adapter.
type Adapter struct {
	renderer  *render.Renderer
	submitter Submitter
	logger    zerolog.Logger
}

// New creates a chaos-mesh adapter.
func New(renderer *render.Renderer, submitter Submitter, logger zerolog.Logger) *Adapter {
	return &Adapter{
		renderer:  renderer,
		submitter: submitter,
		logger:    logger.With().Str("component", "chaosmesh-adapter").Logger(),
	}
}

// Kind implements engine.BackendAdapter.
func (a *Adapter) Kind() engine.BackendKind { return engine.BackendChaosMesh }

// Render renders the template's manifest and records the object coordinates
// in the artifact metadata. The rendered manifest must be valid YAML with a
// kind and a named metadata block; anything else is a RENDER_FAILED error.
func (a *Adapter) Render(_ context.Context, tmpl *engine.FaultTemplate, req *engine.FaultRequest) (*engine.Artifact, error) {
	data, err := a.renderer.RenderFile(tmpl.Render.Path, render.NewContext(req))
	if err != nil {
		return nil, err
	}

	var header manifestHeader
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, engine.NewPermanentError("rendered manifest is not valid YAML", err).
			WithCode(engine.ErrCodeRenderFailed).
			WithTemplate(tmpl.ID)
	}
	if header.Kind == "" || header.Metadata.Name == "" {
		return nil, engine.NewPermanentError(
			"rendered manifest is missing kind or metadata.name", nil).
			WithCode(engine.ErrCodeRenderFailed).
			WithTemplate(tmpl.ID)
	}
	namespace := header.Metadata.Namespace
	if namespace == "" {
		namespace = req.Metadata.Namespace
	}

	return &engine.Artifact{
		Backend:     engine.BackendChaosMesh,
		ContentType: "application/yaml",
		Data:        data,
		Metadata: map[string]string{
			"namespace": namespace,
			"kind":      header.Kind,
			"name":      header.Metadata.Name,
		},
	}, nil
}

// Apply submits the manifest. The handle is only returned on success;
// kubectl apply either creates the object or leaves nothing behind.
func (a *Adapter) Apply(ctx context.Context, artifact *engine.Artifact) (engine.BackendHandle, error) {
	if err := a.submitter.Apply(ctx, artifact.Data); err != nil {
		return "", err
	}
	handle := engine.BackendHandle(fmt.Sprintf("%s/%s/%s",
		artifact.Metadata["namespace"], artifact.Metadata["kind"], artifact.Metadata["name"]))
	a.logger.Info().Str("handle", string(handle)).Msg("manifest applied")
	return handle, nil
}

// Revert deletes the object. A NOT_FOUND from the cluster counts as
// success: the fault is gone either way, which keeps revert idempotent.
func (a *Adapter) Revert(ctx context.Context, handle engine.BackendHandle) (*engine.RevertResult, error) {
	namespace, kind, name, err := parseHandle(handle)
	if err != nil {
		return nil, err
	}

	if err := a.submitter.Delete(ctx, namespace, kind, name); err != nil {
		if engine.HasCode(err, engine.ErrCodeNotFound) {
			return &engine.RevertResult{
				Reverted:    true,
				AlreadyGone: true,
				Message:     "object already deleted",
			}, nil
		}
		return nil, err
	}
	return &engine.RevertResult{Reverted: true}, nil
}

// Status maps the object's experiment phase onto the backend status set.
func (a *Adapter) Status(ctx context.Context, handle engine.BackendHandle) (engine.BackendStatus, error) {
	namespace, kind, name, err := parseHandle(handle)
	if err != nil {
		return engine.BackendStatusUnknown, err
	}

	phase, err := a.submitter.Phase(ctx, namespace, kind, name)
	if err != nil {
		if engine.HasCode(err, engine.ErrCodeNotFound) {
			return engine.BackendStatusGone, nil
		}
		return engine.BackendStatusUnknown, err
	}

	switch strings.ToLower(phase) {
	case "finished", "succeed", "succeeded":
		return engine.BackendStatusCompleted, nil
	default:
		return engine.BackendStatusRunning, nil
	}
}

func parseHandle(handle engine.BackendHandle) (namespace, kind, name string, err error) {
	parts := strings.Split(string(handle), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", engine.NewPermanentError(
			fmt.Sprintf("malformed handle %q, want namespace/kind/name", handle), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return parts[0], parts[1], parts[2], nil
}
