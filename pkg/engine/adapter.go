package engine

import (
	"context"
	"fmt"
	"sync"
)

// BackendAdapter is the capability contract every backend family implements.
// One implementation exists per backend kind; the engine resolves the adapter
// once at submit time and never branches on the backend kind itself.
type BackendAdapter interface {
	// Kind returns the backend family this adapter serves.
	Kind() BackendKind

	// Render turns a template plus a validated request into a
	// backend-specific artifact. Pure transformation: no backend calls.
	// Fails with a RENDER_FAILED error on rendering-time expression errors
	// not already caught by validation.
	Render(ctx context.Context, tmpl *FaultTemplate, req *FaultRequest) (*Artifact, error)

	// Apply submits the artifact to the backend and returns the opaque
	// handle needed to revert or query the fault later. Errors are
	// classified: transient failures are safe to retry, APPLY_REJECTED means
	// the backend refused the artifact and must not be retried. A non-empty
	// handle returned alongside an error signals a partial apply that needs
	// cleanup.
	Apply(ctx context.Context, artifact *Artifact) (BackendHandle, error)

	// Revert undoes an applied fault. Must be idempotent: reverting an
	// already-reverted or never-applied handle returns success with
	// AlreadyGone set rather than erroring.
	Revert(ctx context.Context, handle BackendHandle) (*RevertResult, error)

	// Status reports the live backend state for a handle. UNKNOWN means the
	// backend is unreachable, not that the fault is gone.
	Status(ctx context.Context, handle BackendHandle) (BackendStatus, error)
}

// AdapterRegistry maps backend kinds to their adapters. Kinds that are
// declared in the closed set but have no registered adapter resolve to an
// explicit unsupported adapter: every operation fails with
// BACKEND_UNSUPPORTED instead of silently succeeding.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[BackendKind]BackendAdapter
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[BackendKind]BackendAdapter),
	}
}

// Register registers an adapter for its backend kind, replacing any
// previously registered adapter for the same kind.
func (r *AdapterRegistry) Register(adapter BackendAdapter) error {
	if adapter == nil {
		return NewPermanentError("adapter is nil", nil).WithCode(ErrCodeInternal)
	}
	if err := adapter.Kind().Validate(); err != nil {
		return NewPermanentError("adapter declares unknown backend kind", err).
			WithCode(ErrCodeInternal)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Kind()] = adapter
	return nil
}

// Resolve returns the adapter for the given kind. A known kind with no
// registered adapter resolves to an unsupported adapter; an unknown kind is
// an error (templates declaring it should have been rejected at load time).
func (r *AdapterRegistry) Resolve(kind BackendKind) (BackendAdapter, error) {
	if err := kind.Validate(); err != nil {
		return nil, NewPermanentError("cannot resolve adapter", err).
			WithCode(ErrCodeInvalidTemplate)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if adapter, ok := r.adapters[kind]; ok {
		return adapter, nil
	}
	return &unsupportedAdapter{kind: kind}, nil
}

// Kinds returns the backend kinds with a registered adapter.
func (r *AdapterRegistry) Kinds() []BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]BackendKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

// unsupportedAdapter is the explicit stand-in for backend kinds that are
// declared but not implemented in this deployment. It never pretends work
// was done: every operation returns a distinguishable BACKEND_UNSUPPORTED
// error.
type unsupportedAdapter struct {
	kind BackendKind
}

func (a *unsupportedAdapter) Kind() BackendKind { return a.kind }

func (a *unsupportedAdapter) Render(_ context.Context, tmpl *FaultTemplate, _ *FaultRequest) (*Artifact, error) {
	return nil, a.err("render").WithTemplate(tmpl.ID)
}

func (a *unsupportedAdapter) Apply(_ context.Context, _ *Artifact) (BackendHandle, error) {
	return "", a.err("apply")
}

func (a *unsupportedAdapter) Revert(_ context.Context, _ BackendHandle) (*RevertResult, error) {
	return nil, a.err("revert")
}

func (a *unsupportedAdapter) Status(_ context.Context, _ BackendHandle) (BackendStatus, error) {
	return BackendStatusUnknown, a.err("status")
}

func (a *unsupportedAdapter) err(op string) *FaultError {
	return NewPermanentError(
		fmt.Sprintf("backend %q has no adapter registered in this deployment", a.kind), nil).
		WithCode(ErrCodeUnsupported).
		WithOperation(op)
}
