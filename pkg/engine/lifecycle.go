package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransitionObserver is notified after every successful lifecycle transition.
// It is invoked outside the manager's lock with an immutable snapshot.
type TransitionObserver func(inst FaultInstance, from InstanceState, reason string)

// LifecycleManager owns the authoritative record of fault instances. All
// state mutations go through its transition methods, which enforce the state
// machine and the scope conflict rule. Per-instance transitions are strictly
// ordered: the manager's lock makes each mutation path single-owner.
type LifecycleManager struct {
	mu        sync.RWMutex
	instances map[string]*FaultInstance
	observer  TransitionObserver
}

// NewLifecycleManager creates an empty lifecycle manager.
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		instances: make(map[string]*FaultInstance),
	}
}

// SetObserver installs the transition observer. Must be called before the
// manager is shared across goroutines.
func (m *LifecycleManager) SetObserver(obs TransitionObserver) {
	m.observer = obs
}

// Admit promotes a validated request into a PENDING instance. It fails with
// a conflict error if an instance that still holds (or may still hold) the
// backend fault overlaps the request's scope and neither template is
// composable. Checking admitted-but-not-yet-active peers here is what makes
// two identical parallel submits resolve to exactly one winner.
func (m *LifecycleManager) Admit(req *FaultRequest, tmpl *FaultTemplate) (FaultInstance, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !tmpl.Composable {
		for _, other := range m.instances {
			if other.State.IsTerminal() && other.State != StateFailedPartial {
				continue
			}
			if other.Composable {
				continue
			}
			if other.Request.Metadata.Namespace != req.Metadata.Namespace {
				continue
			}
			if other.Request.Selector.Overlaps(req.Selector) {
				return FaultInstance{}, NewConflictError(
					fmt.Sprintf("scope overlaps instance %s (%s) in namespace %q",
						other.ID, other.State, req.Metadata.Namespace), nil).
					WithTemplate(req.TemplateID)
			}
		}
	}

	inst := &FaultInstance{
		ID:         uuid.New().String(),
		Request:    *req,
		Backend:    tmpl.Backend,
		Composable: tmpl.Composable,
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.instances[inst.ID] = inst

	snap := inst.Snapshot()
	m.notify(snap, "", "admitted")
	return snap, nil
}

// Activate records a successful apply: PENDING -> ACTIVE with the backend
// handle. The conflict rule is re-checked against ACTIVE instances before
// the transition commits. The returned revertQueued flag is true when a
// revert arrived while apply was in flight; the caller must execute it
// immediately.
func (m *LifecycleManager) Activate(instanceID string, handle BackendHandle) (inst FaultInstance, revertQueued bool, err error) {
	if handle.IsZero() {
		return FaultInstance{}, false, NewPermanentError("activate requires a backend handle", nil).
			WithCode(ErrCodeInternal).WithInstance(instanceID)
	}

	m.mu.Lock()
	cur, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return FaultInstance{}, false, notFound(instanceID)
	}
	if err := m.checkTransition(cur, StateActive); err != nil {
		m.mu.Unlock()
		return FaultInstance{}, false, err
	}

	if !cur.Composable {
		for _, other := range m.instances {
			if other.ID == cur.ID || other.State != StateActive || other.Composable {
				continue
			}
			if other.Request.Metadata.Namespace != cur.Request.Metadata.Namespace {
				continue
			}
			if other.Request.Selector.Overlaps(cur.Request.Selector) {
				m.mu.Unlock()
				return FaultInstance{}, false, NewConflictError(
					fmt.Sprintf("scope overlaps active instance %s", other.ID), nil).
					WithInstance(instanceID)
			}
		}
	}

	from := cur.State
	cur.State = StateActive
	cur.Handle = handle
	cur.UpdatedAt = time.Now()
	if ttl := cur.Request.Metadata.TTL; ttl > 0 {
		exp := cur.UpdatedAt.Add(ttl)
		cur.ExpiresAt = &exp
	}
	queued := cur.revertQueued
	cur.revertQueued = false
	snap := cur.Snapshot()
	m.mu.Unlock()

	m.notify(snap, from, "apply succeeded")
	return snap, queued, nil
}

// Reject terminates a PENDING instance that never reached the backend (or
// whose partial apply was cleaned up): PENDING -> REJECTED.
func (m *LifecycleManager) Reject(instanceID string, cause error) (FaultInstance, error) {
	return m.transition(instanceID, StateRejected, causeReason(cause), func(inst *FaultInstance) {
		if cause != nil {
			inst.LastError = cause.Error()
		}
		inst.Handle = ""
	})
}

// QueueRevert requests a revert for an instance whose apply is still in
// flight. The in-flight apply is not cancelled; the revert executes
// immediately once apply completes. Returns true if the revert was queued,
// false if the instance is past PENDING and the caller should take the
// normal revert path.
func (m *LifecycleManager) QueueRevert(instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return false, notFound(instanceID)
	}
	if inst.State != StatePending {
		return false, nil
	}
	inst.revertQueued = true
	return true, nil
}

// BeginRevert transitions ACTIVE or FAILED_PARTIAL to REVERTING. For an
// instance that already reached REVERTED it reports alreadyDone instead of
// erroring, which is what makes the engine's revert idempotent.
func (m *LifecycleManager) BeginRevert(instanceID string) (inst FaultInstance, alreadyDone bool, err error) {
	m.mu.Lock()
	cur, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return FaultInstance{}, false, notFound(instanceID)
	}
	if cur.State == StateReverted {
		snap := cur.Snapshot()
		m.mu.Unlock()
		return snap, true, nil
	}
	if err := m.checkTransition(cur, StateReverting); err != nil {
		m.mu.Unlock()
		return FaultInstance{}, false, err
	}
	from := cur.State
	cur.State = StateReverting
	cur.UpdatedAt = time.Now()
	snap := cur.Snapshot()
	m.mu.Unlock()

	m.notify(snap, from, "revert requested")
	return snap, false, nil
}

// CompleteRevert finishes a revert: REVERTING -> REVERTED. The backend
// handle is cleared; it is only meaningful while backend state may exist.
func (m *LifecycleManager) CompleteRevert(instanceID string) (FaultInstance, error) {
	return m.transition(instanceID, StateReverted, "revert succeeded", func(inst *FaultInstance) {
		inst.Handle = ""
		inst.LastError = ""
	})
}

// MarkPartial moves an instance to FAILED_PARTIAL: apply partially
// succeeded, revert exhausted its retry budget, or reconciliation could not
// confirm backend state. Partial state is surfaced, never hidden. A
// non-empty handle records backend state left behind by a partial apply;
// an empty handle keeps whatever handle the instance already carries.
func (m *LifecycleManager) MarkPartial(instanceID, reason string, cause error, handle BackendHandle) (FaultInstance, error) {
	return m.transition(instanceID, StateFailedPartial, reason, func(inst *FaultInstance) {
		if !handle.IsZero() {
			inst.Handle = handle
		}
		if cause != nil {
			inst.LastError = cause.Error()
		} else if reason != "" {
			inst.LastError = reason
		}
	})
}

// Adopt inserts an instance recovered from the durable archive, preserving
// its ID and handle. Used at startup; fails if the ID is already present.
func (m *LifecycleManager) Adopt(inst FaultInstance) error {
	if err := inst.State.Validate(); err != nil {
		return NewPermanentError("cannot adopt instance", err).WithCode(ErrCodeInvalidState)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.ID]; exists {
		return NewPermanentError("instance already tracked", nil).
			WithCode(ErrCodeInvalidState).WithInstance(inst.ID)
	}
	adopted := inst
	m.instances[inst.ID] = &adopted
	return nil
}

// Get returns a read-only snapshot of an instance.
func (m *LifecycleManager) Get(instanceID string) (FaultInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return FaultInstance{}, notFound(instanceID)
	}
	return inst.Snapshot(), nil
}

// List returns snapshots of all instances in the given states, or all
// instances when no states are given.
func (m *LifecycleManager) List(states ...InstanceState) []FaultInstance {
	filter := make(map[InstanceState]struct{}, len(states))
	for _, s := range states {
		filter[s] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FaultInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		if len(filter) > 0 {
			if _, ok := filter[inst.State]; !ok {
				continue
			}
		}
		out = append(out, inst.Snapshot())
	}
	return out
}

// MarkUnknown records that the backend reported UNKNOWN for this instance
// and returns how long it has been unconfirmed. The reconciler escalates to
// FAILED_PARTIAL once the grace period is exceeded.
func (m *LifecycleManager) MarkUnknown(instanceID string, now time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return 0, notFound(instanceID)
	}
	if inst.unknownSince == nil {
		t := now
		inst.unknownSince = &t
		return 0, nil
	}
	return now.Sub(*inst.unknownSince), nil
}

// ClearUnknown resets the UNKNOWN tracking after the backend became
// reachable again.
func (m *LifecycleManager) ClearUnknown(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[instanceID]; ok {
		inst.unknownSince = nil
	}
}

// transition performs a validated state transition under the lock and
// notifies the observer outside it.
func (m *LifecycleManager) transition(instanceID string, to InstanceState, reason string, mutate func(*FaultInstance)) (FaultInstance, error) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return FaultInstance{}, notFound(instanceID)
	}
	if err := m.checkTransition(inst, to); err != nil {
		m.mu.Unlock()
		return FaultInstance{}, err
	}
	from := inst.State
	inst.State = to
	inst.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(inst)
	}
	snap := inst.Snapshot()
	m.mu.Unlock()

	m.notify(snap, from, reason)
	return snap, nil
}

func (m *LifecycleManager) checkTransition(inst *FaultInstance, to InstanceState) error {
	if !inst.State.CanTransitionTo(to) {
		return NewPermanentError(
			fmt.Sprintf("transition %s -> %s not permitted", inst.State, to), nil).
			WithCode(ErrCodeInvalidState).
			WithInstance(inst.ID)
	}
	return nil
}

func (m *LifecycleManager) notify(snap FaultInstance, from InstanceState, reason string) {
	if m.observer != nil {
		m.observer(snap, from, reason)
	}
}

func notFound(instanceID string) *FaultError {
	return NewPermanentError("fault instance not found", nil).
		WithCode(ErrCodeNotFound).
		WithInstance(instanceID)
}

func causeReason(cause error) string {
	if cause == nil {
		return "rejected"
	}
	return "rejected: " + cause.Error()
}
