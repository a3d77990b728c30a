package engine

import (
	"encoding/json"
	"fmt"
)

// InstanceState represents the lifecycle state of a fault instance.
type InstanceState string

const (
	// StatePending indicates the request was validated and admitted but the
	// fault has not been applied to the backend yet.
	StatePending InstanceState = "pending"

	// StateActive indicates the backend apply succeeded and a backend handle
	// is recorded.
	StateActive InstanceState = "active"

	// StateReverting indicates a revert has been requested and is in progress.
	StateReverting InstanceState = "reverting"

	// StateReverted indicates the fault was successfully undone. Terminal.
	StateReverted InstanceState = "reverted"

	// StateFailedPartial indicates apply partially succeeded or revert failed
	// after exhausting the retry budget. Terminal but retryable: a revert may
	// be re-attempted by an operator or the reconciler.
	StateFailedPartial InstanceState = "failed_partial"

	// StateRejected indicates apply was never attempted or failed
	// non-retryably. Terminal.
	StateRejected InstanceState = "rejected"
)

// IsTerminal returns true if the state represents a final state.
// StateFailedPartial is terminal but may still accept a revert retry.
func (s InstanceState) IsTerminal() bool {
	return s == StateReverted || s == StateFailedPartial || s == StateRejected
}

// IsActive returns true if the instance still holds (or may hold) a live
// fault on the backend.
func (s InstanceState) IsActive() bool {
	return s == StateActive || s == StateReverting || s == StateFailedPartial
}

// RequiresHandle returns true if the state must carry a backend handle.
// The handle is set if and only if the state is in this set.
func (s InstanceState) RequiresHandle() bool {
	return s == StateActive || s == StateReverting || s == StateFailedPartial
}

// Validate checks if the instance state is valid.
func (s InstanceState) Validate() error {
	switch s {
	case StatePending, StateActive, StateReverting,
		StateReverted, StateFailedPartial, StateRejected:
		return nil
	default:
		return fmt.Errorf("invalid instance state: %s", s)
	}
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Transitions outside this table are rejected by the lifecycle manager.
func (s InstanceState) CanTransitionTo(next InstanceState) bool {
	switch s {
	case StatePending:
		return next == StateActive || next == StateRejected || next == StateFailedPartial
	case StateActive:
		return next == StateReverting || next == StateFailedPartial
	case StateReverting:
		return next == StateReverted || next == StateFailedPartial
	case StateFailedPartial:
		// Terminal but retryable: an operator-triggered revert retry re-enters
		// the reverting path.
		return next == StateReverting
	default:
		return false
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s InstanceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *InstanceState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = InstanceState(str)
	return s.Validate()
}

// BackendStatus represents the live status of a fault as reported by the
// backend, used during reconciliation.
type BackendStatus string

const (
	// BackendStatusRunning indicates the fault is still injected and active.
	BackendStatusRunning BackendStatus = "running"

	// BackendStatusCompleted indicates the fault ran to its natural end on
	// the backend side (e.g. a bounded-duration experiment finished).
	BackendStatusCompleted BackendStatus = "completed"

	// BackendStatusGone indicates the backend has no record of the fault.
	BackendStatusGone BackendStatus = "gone"

	// BackendStatusUnknown indicates the backend is unreachable. This is NOT
	// the same as gone: callers must never treat unknown as success.
	BackendStatusUnknown BackendStatus = "unknown"
)

// Validate checks if the backend status is valid.
func (s BackendStatus) Validate() error {
	switch s {
	case BackendStatusRunning, BackendStatusCompleted, BackendStatusGone, BackendStatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid backend status: %s", s)
	}
}

// BackendKind identifies a backend family. The set is closed: templates
// declaring a kind outside this set are rejected at registry load time.
type BackendKind string

const (
	// BackendChaosMesh is the declarative-manifest backend: faults are
	// rendered into cluster manifests and submitted to the cluster API.
	BackendChaosMesh BackendKind = "chaos-mesh"

	// BackendHostAgent is the direct-agent backend: faults are applied by a
	// host agent invoked over SSH.
	BackendHostAgent BackendKind = "host-agent"

	// BackendCustom is the user-extensible backend: faults are applied by a
	// user-supplied Starlark script.
	BackendCustom BackendKind = "custom"
)

// KnownBackendKinds returns the closed set of supported backend kinds.
func KnownBackendKinds() []BackendKind {
	return []BackendKind{BackendChaosMesh, BackendHostAgent, BackendCustom}
}

// Validate checks if the backend kind is a member of the closed set.
func (k BackendKind) Validate() error {
	switch k {
	case BackendChaosMesh, BackendHostAgent, BackendCustom:
		return nil
	default:
		return fmt.Errorf("unknown backend kind: %s", k)
	}
}
