package engine

import (
	"time"
)

// FaultTemplate identifies a reusable fault definition. Templates are
// immutable once loaded and owned exclusively by the template registry;
// a reload builds a complete new set and swaps it atomically.
type FaultTemplate struct {
	// ID is the unique template identifier (e.g. "cpu-throttle").
	ID string `json:"id"`

	// Backend is the backend family that executes this fault.
	Backend BackendKind `json:"backend"`

	// Composable marks the template as allowed to coexist with
	// overlapping-scope instances. Non-composable templates conflict.
	Composable bool `json:"composable,omitempty"`

	// ParamSchema is the CUE source describing required/optional parameters
	// and their types. Compiled at registry load time; requests are unified
	// against it during validation.
	ParamSchema string `json:"param_schema"`

	// Render references how parameters are turned into a backend artifact:
	// a manifest template path for declarative backends, an attack payload
	// template for the host agent, or a Starlark script for custom backends.
	Render RenderRef `json:"render"`

	// MaxTTL optionally caps the TTL a request may ask for with this
	// template. Zero means the engine-wide maximum applies.
	MaxTTL time.Duration `json:"max_ttl,omitempty"`

	// Description is a human-readable summary of the fault.
	Description string `json:"description,omitempty"`

	// Labels are key-value pairs for organizing templates.
	Labels map[string]string `json:"labels,omitempty"`

	// LoadedAt is when this template was loaded into the registry.
	LoadedAt time.Time `json:"loaded_at"`
}

// RenderRef is an opaque reference to a rendering definition. The engine
// never interprets it; the backend adapter's renderer does.
type RenderRef struct {
	// Path is the rendering definition path relative to the template root.
	Path string `json:"path"`
}

// RequestMetadata describes contextual attributes of a fault request.
type RequestMetadata struct {
	// Name is the name assigned to this fault instance. Defaulted from the
	// template ID during normalization if omitted.
	Name string `json:"name,omitempty"`

	// Namespace is the scope in which the fault is applied. Defaulted to the
	// engine's configured namespace if omitted.
	Namespace string `json:"namespace,omitempty"`

	// TTL is how long the fault may stay active before the reconciler
	// reverts it. Zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`

	// Labels are caller-supplied key-value pairs carried onto the instance.
	Labels map[string]string `json:"labels,omitempty"`
}

// TargetSelector identifies the blast scope of a fault within a namespace.
type TargetSelector struct {
	// Pods lists specific pod or host names targeted by the fault.
	Pods []string `json:"pods,omitempty"`

	// Labels matches targets carrying these labels.
	Labels map[string]string `json:"labels,omitempty"`
}

// IsEmpty returns true if the selector targets nothing explicitly.
// An empty selector is rejected by validation: a fault must always name its
// blast scope.
func (s TargetSelector) IsEmpty() bool {
	return len(s.Pods) == 0 && len(s.Labels) == 0
}

// Overlaps reports whether two selectors may hit the same targets.
// Selectors in different namespaces never overlap; the namespace comparison
// happens in the lifecycle manager. Within a namespace, pod lists overlap if
// they intersect, and label selectors overlap if they share any key-value
// pair. A pod list and a label selector are conservatively treated as
// overlapping since membership cannot be decided without live cluster state.
func (s TargetSelector) Overlaps(other TargetSelector) bool {
	if len(s.Pods) > 0 && len(other.Pods) > 0 {
		set := make(map[string]struct{}, len(s.Pods))
		for _, p := range s.Pods {
			set[p] = struct{}{}
		}
		for _, p := range other.Pods {
			if _, ok := set[p]; ok {
				return true
			}
		}
		// Disjoint pod lists: only a conflict if label selectors also collide.
		if len(s.Labels) == 0 && len(other.Labels) == 0 {
			return false
		}
	}

	if len(s.Labels) > 0 && len(other.Labels) > 0 {
		for k, v := range s.Labels {
			if ov, ok := other.Labels[k]; ok && ov == v {
				return true
			}
		}
		if len(s.Pods) == 0 && len(other.Pods) == 0 {
			return false
		}
	}

	// Mixed selector shapes (pods vs labels) cannot be proven disjoint.
	mixed := (len(s.Pods) > 0 && len(other.Labels) > 0 && len(other.Pods) == 0) ||
		(len(s.Labels) > 0 && len(other.Pods) > 0 && len(s.Pods) == 0)
	return mixed
}

// FaultRequest is a normalized, backend-agnostic description of intent.
// It is created by a caller, validated once, then either discarded or
// promoted into a FaultInstance.
type FaultRequest struct {
	// TemplateID is the identifier of the registered fault template.
	TemplateID string `json:"template_id" validate:"required"`

	// Metadata describes the fault instance (name, namespace, TTL).
	Metadata RequestMetadata `json:"metadata"`

	// Selector identifies the target scope of the fault.
	Selector TargetSelector `json:"selector"`

	// Params are the fault-specific parameters required by the template.
	Params map[string]interface{} `json:"params,omitempty"`
}

// BackendHandle is the opaque token an adapter needs to revert or query a
// fault later. Empty while no backend state exists.
type BackendHandle string

// IsZero returns true if no handle is set.
func (h BackendHandle) IsZero() bool { return h == "" }

// FaultInstance is the authoritative unit of engine state: one concrete
// application of a template with bound parameters. Owned exclusively by the
// lifecycle manager and mutated only through its transitions.
type FaultInstance struct {
	// ID is the unique instance identifier. Never reused for the process
	// lifetime, even after the instance reaches a terminal state.
	ID string `json:"id"`

	// Request is the originating, normalized fault request.
	Request FaultRequest `json:"request"`

	// Backend is the backend family resolved from the template.
	Backend BackendKind `json:"backend"`

	// Composable is copied from the template at admission so conflict checks
	// do not depend on the registry's current contents.
	Composable bool `json:"composable,omitempty"`

	// State is the current lifecycle state.
	State InstanceState `json:"state"`

	// Handle is the opaque backend token. Set if and only if
	// State.RequiresHandle() is true.
	Handle BackendHandle `json:"handle,omitempty"`

	// CreatedAt is when the instance was admitted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the instance last transitioned.
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is when the fault's TTL elapses, if a TTL was requested.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// LastError records the failure that drove the instance into a failure
	// state, if any.
	LastError string `json:"last_error,omitempty"`

	// revertQueued is set when a revert was requested while apply was still
	// in flight; the revert runs immediately once apply completes.
	revertQueued bool

	// unknownSince tracks how long the backend has been reporting UNKNOWN
	// for this instance during reconciliation.
	unknownSince *time.Time
}

// Expired returns true if the instance has a TTL and it has elapsed.
func (i *FaultInstance) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Snapshot returns a read-only copy of the instance safe to hand to callers.
func (i *FaultInstance) Snapshot() FaultInstance {
	out := *i
	out.revertQueued = false
	out.unknownSince = nil
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

// Artifact is the backend-specific result of rendering a template with a
// request's parameters: a manifest, an agent payload, or a script binding.
type Artifact struct {
	// Backend is the backend family this artifact targets.
	Backend BackendKind `json:"backend"`

	// ContentType describes the artifact encoding (e.g. "application/yaml").
	ContentType string `json:"content_type"`

	// Data is the rendered artifact body.
	Data []byte `json:"data"`

	// Metadata carries adapter-specific hints (object coordinates, script
	// entry points) from render to apply.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RevertResult describes the outcome of a revert call. Revert is idempotent:
// reverting an already-reverted or never-applied handle succeeds.
type RevertResult struct {
	// Reverted is true if the fault is no longer applied.
	Reverted bool `json:"reverted"`

	// AlreadyGone is true if the backend had no record of the fault, which
	// counts as success since cleanup paths may run more than once.
	AlreadyGone bool `json:"already_gone,omitempty"`

	// Message is an optional human-readable detail.
	Message string `json:"message,omitempty"`
}
