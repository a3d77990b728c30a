package engine

import (
	"sync"
	"testing"
	"time"
)

func testTemplate() *FaultTemplate {
	return &FaultTemplate{
		ID:      "cpu-throttle",
		Backend: BackendChaosMesh,
	}
}

func testRequest(pods ...string) *FaultRequest {
	return &FaultRequest{
		TemplateID: "cpu-throttle",
		Metadata: RequestMetadata{
			Name:      "cpu-throttle-instance",
			Namespace: "chaos-testing",
			TTL:       time.Minute,
		},
		Selector: TargetSelector{Pods: pods},
	}
}

func admitInstance(t *testing.T, m *LifecycleManager, pods ...string) FaultInstance {
	t.Helper()
	inst, err := m.Admit(testRequest(pods...), testTemplate())
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	return inst
}

func TestLifecycle_AdmitCreatesPending(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")

	if inst.State != StatePending {
		t.Errorf("Expected state %s, got %s", StatePending, inst.State)
	}
	if inst.ID == "" {
		t.Error("Expected non-empty instance ID")
	}
	if !inst.Handle.IsZero() {
		t.Errorf("Expected no handle on pending instance, got %q", inst.Handle)
	}
}

func TestLifecycle_AdmitConflictOnOverlap(t *testing.T) {
	m := NewLifecycleManager()
	admitInstance(t, m, "pod-a", "pod-b")

	_, err := m.Admit(testRequest("pod-b", "pod-c"), testTemplate())
	if err == nil {
		t.Fatal("Expected conflict error for overlapping selector, got nil")
	}
	if !IsConflict(err) {
		t.Errorf("Expected conflict class, got %v", err)
	}
}

func TestLifecycle_AdmitDisjointScopes(t *testing.T) {
	m := NewLifecycleManager()
	admitInstance(t, m, "pod-a")

	if _, err := m.Admit(testRequest("pod-b"), testTemplate()); err != nil {
		t.Fatalf("Expected disjoint scopes to coexist, got %v", err)
	}
}

func TestLifecycle_AdmitDifferentNamespaces(t *testing.T) {
	m := NewLifecycleManager()
	admitInstance(t, m, "pod-a")

	req := testRequest("pod-a")
	req.Metadata.Namespace = "other-ns"
	if _, err := m.Admit(req, testTemplate()); err != nil {
		t.Fatalf("Expected same pods in different namespaces to coexist, got %v", err)
	}
}

func TestLifecycle_ComposableTemplatesNeverConflict(t *testing.T) {
	m := NewLifecycleManager()
	tmpl := testTemplate()
	tmpl.Composable = true

	if _, err := m.Admit(testRequest("pod-a"), tmpl); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if _, err := m.Admit(testRequest("pod-a"), tmpl); err != nil {
		t.Fatalf("Expected composable templates to overlap freely, got %v", err)
	}
}

func TestLifecycle_ConflictCoversPendingAndReverting(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")

	// Pending peer blocks admission.
	if _, err := m.Admit(testRequest("pod-a"), testTemplate()); !IsConflict(err) {
		t.Errorf("Expected conflict against pending peer, got %v", err)
	}

	if _, _, err := m.Activate(inst.ID, "handle-1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if _, _, err := m.BeginRevert(inst.ID); err != nil {
		t.Fatalf("BeginRevert failed: %v", err)
	}

	// Reverting peer still holds the fault and still blocks admission.
	if _, err := m.Admit(testRequest("pod-a"), testTemplate()); !IsConflict(err) {
		t.Errorf("Expected conflict against reverting peer, got %v", err)
	}

	if _, err := m.CompleteRevert(inst.ID); err != nil {
		t.Fatalf("CompleteRevert failed: %v", err)
	}

	// Reverted peer no longer blocks.
	if _, err := m.Admit(testRequest("pod-a"), testTemplate()); err != nil {
		t.Errorf("Expected admission after peer reverted, got %v", err)
	}
}

func TestLifecycle_ActivateSetsHandleAndExpiry(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")

	active, queued, err := m.Activate(inst.ID, "ns/PodChaos/x")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if queued {
		t.Error("Expected no queued revert")
	}
	if active.State != StateActive {
		t.Errorf("Expected state %s, got %s", StateActive, active.State)
	}
	if active.Handle != "ns/PodChaos/x" {
		t.Errorf("Expected handle recorded, got %q", active.Handle)
	}
	if active.ExpiresAt == nil {
		t.Fatal("Expected ExpiresAt set for TTL request")
	}
}

func TestLifecycle_ActivateRequiresHandle(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")

	if _, _, err := m.Activate(inst.ID, ""); err == nil {
		t.Fatal("Expected error activating without a handle")
	}
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")

	// PENDING cannot complete a revert.
	if _, err := m.CompleteRevert(inst.ID); err == nil {
		t.Error("Expected error on PENDING -> REVERTED")
	}

	rejected, err := m.Reject(inst.ID, NewPermanentError("backend refused", nil))
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.State != StateRejected {
		t.Errorf("Expected state %s, got %s", StateRejected, rejected.State)
	}

	// REJECTED is terminal.
	if _, _, err := m.Activate(inst.ID, "h"); err == nil {
		t.Error("Expected error on REJECTED -> ACTIVE")
	}
	if !HasCode(mustErr(t, func() error {
		_, _, err := m.Activate(inst.ID, "h")
		return err
	}), ErrCodeInvalidState) {
		t.Error("Expected INVALID_STATE code on illegal transition")
	}
}

func TestLifecycle_QueueRevertDuringPending(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")

	queued, err := m.QueueRevert(inst.ID)
	if err != nil {
		t.Fatalf("QueueRevert failed: %v", err)
	}
	if !queued {
		t.Fatal("Expected revert to queue while pending")
	}

	_, gotQueued, err := m.Activate(inst.ID, "h")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if !gotQueued {
		t.Error("Expected Activate to report the queued revert")
	}

	// The flag is consumed by Activate.
	_, gotQueued2, err := func() (FaultInstance, bool, error) {
		inst2 := admitInstance(t, m, "pod-z")
		return m.Activate(inst2.ID, "h2")
	}()
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if gotQueued2 {
		t.Error("Expected fresh instance to have no queued revert")
	}
}

func TestLifecycle_BeginRevertIdempotent(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")
	if _, _, err := m.Activate(inst.ID, "h"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if _, done, err := m.BeginRevert(inst.ID); err != nil || done {
		t.Fatalf("BeginRevert = done=%v err=%v, want done=false err=nil", done, err)
	}
	if _, err := m.CompleteRevert(inst.ID); err != nil {
		t.Fatalf("CompleteRevert failed: %v", err)
	}

	// Second revert of a reverted instance reports alreadyDone.
	_, done, err := m.BeginRevert(inst.ID)
	if err != nil {
		t.Fatalf("BeginRevert failed: %v", err)
	}
	if !done {
		t.Error("Expected alreadyDone for reverted instance")
	}

	got, err := m.Get(inst.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Handle.IsZero() {
		t.Errorf("Expected handle cleared after revert, got %q", got.Handle)
	}
}

func TestLifecycle_MarkPartialRecordsHandleAndAllowsRetry(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")

	partial, err := m.MarkPartial(inst.ID, "apply failed and cleanup revert failed",
		NewTransientError("timeout", nil), "ns/PodChaos/x")
	if err != nil {
		t.Fatalf("MarkPartial failed: %v", err)
	}
	if partial.State != StateFailedPartial {
		t.Errorf("Expected state %s, got %s", StateFailedPartial, partial.State)
	}
	if partial.Handle != "ns/PodChaos/x" {
		t.Errorf("Expected partial-apply handle recorded, got %q", partial.Handle)
	}
	if partial.LastError == "" {
		t.Error("Expected LastError populated")
	}

	// FAILED_PARTIAL accepts a revert retry.
	if _, done, err := m.BeginRevert(inst.ID); err != nil || done {
		t.Fatalf("BeginRevert = done=%v err=%v, want retry path", done, err)
	}
	if _, err := m.CompleteRevert(inst.ID); err != nil {
		t.Fatalf("CompleteRevert failed: %v", err)
	}
}

func TestLifecycle_GetUnknownInstance(t *testing.T) {
	m := NewLifecycleManager()
	_, err := m.Get("no-such-id")
	if err == nil {
		t.Fatal("Expected error for unknown instance")
	}
	if !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND code, got %v", err)
	}
}

func TestLifecycle_ListFiltersByState(t *testing.T) {
	m := NewLifecycleManager()
	a := admitInstance(t, m, "pod-a")
	admitInstance(t, m, "pod-b")
	if _, _, err := m.Activate(a.ID, "h"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if got := len(m.List()); got != 2 {
		t.Errorf("Expected 2 instances, got %d", got)
	}
	if got := len(m.List(StateActive)); got != 1 {
		t.Errorf("Expected 1 active instance, got %d", got)
	}
	if got := len(m.List(StateReverted)); got != 0 {
		t.Errorf("Expected 0 reverted instances, got %d", got)
	}
}

func TestLifecycle_ObserverSeesTransitions(t *testing.T) {
	m := NewLifecycleManager()
	var mu sync.Mutex
	var transitions []InstanceState
	m.SetObserver(func(inst FaultInstance, from InstanceState, reason string) {
		mu.Lock()
		transitions = append(transitions, inst.State)
		mu.Unlock()
	})

	inst := admitInstance(t, m, "pod-a")
	if _, _, err := m.Activate(inst.ID, "h"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if _, _, err := m.BeginRevert(inst.ID); err != nil {
		t.Fatalf("BeginRevert failed: %v", err)
	}
	if _, err := m.CompleteRevert(inst.ID); err != nil {
		t.Fatalf("CompleteRevert failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []InstanceState{StatePending, StateActive, StateReverting, StateReverted}
	if len(transitions) != len(want) {
		t.Fatalf("Expected %d transitions, got %d", len(want), len(transitions))
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Errorf("Transition %d: expected %s, got %s", i, s, transitions[i])
		}
	}
}

func TestLifecycle_ParallelIdenticalAdmitsOneWinner(t *testing.T) {
	m := NewLifecycleManager()

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Admit(testRequest("pod-a"), testTemplate())
		}(i)
	}
	wg.Wait()

	var admitted, conflicted int
	for _, err := range results {
		switch {
		case err == nil:
			admitted++
		case IsConflict(err):
			conflicted++
		default:
			t.Errorf("Unexpected error class: %v", err)
		}
	}
	if admitted != 1 {
		t.Errorf("Expected exactly 1 admission, got %d", admitted)
	}
	if conflicted != n-1 {
		t.Errorf("Expected %d conflicts, got %d", n-1, conflicted)
	}
}

func TestLifecycle_AdoptRestoresInstance(t *testing.T) {
	m := NewLifecycleManager()
	rec := FaultInstance{
		ID:      "recovered-1",
		Request: *testRequest("pod-a"),
		Backend: BackendChaosMesh,
		State:   StateActive,
		Handle:  "ns/PodChaos/x",
	}
	if err := m.Adopt(rec); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	got, err := m.Get("recovered-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != StateActive || got.Handle != "ns/PodChaos/x" {
		t.Errorf("Adopted instance mismatch: %+v", got)
	}

	if err := m.Adopt(rec); err == nil {
		t.Error("Expected error adopting duplicate ID")
	}
}

func TestLifecycle_UnknownTracking(t *testing.T) {
	m := NewLifecycleManager()
	inst := admitInstance(t, m, "pod-a")
	if _, _, err := m.Activate(inst.ID, "h"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	t0 := time.Now()
	dur, err := m.MarkUnknown(inst.ID, t0)
	if err != nil {
		t.Fatalf("MarkUnknown failed: %v", err)
	}
	if dur != 0 {
		t.Errorf("Expected zero duration on first mark, got %v", dur)
	}

	dur, err = m.MarkUnknown(inst.ID, t0.Add(90*time.Second))
	if err != nil {
		t.Fatalf("MarkUnknown failed: %v", err)
	}
	if dur != 90*time.Second {
		t.Errorf("Expected 90s unconfirmed, got %v", dur)
	}

	m.ClearUnknown(inst.ID)
	dur, err = m.MarkUnknown(inst.ID, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("MarkUnknown failed: %v", err)
	}
	if dur != 0 {
		t.Errorf("Expected tracking reset after clear, got %v", dur)
	}
}

func TestSelector_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b TargetSelector
		want bool
	}{
		{
			name: "intersecting pods",
			a:    TargetSelector{Pods: []string{"a", "b"}},
			b:    TargetSelector{Pods: []string{"b", "c"}},
			want: true,
		},
		{
			name: "disjoint pods",
			a:    TargetSelector{Pods: []string{"a"}},
			b:    TargetSelector{Pods: []string{"b"}},
			want: false,
		},
		{
			name: "shared label pair",
			a:    TargetSelector{Labels: map[string]string{"app": "web"}},
			b:    TargetSelector{Labels: map[string]string{"app": "web", "tier": "front"}},
			want: true,
		},
		{
			name: "same key different value",
			a:    TargetSelector{Labels: map[string]string{"app": "web"}},
			b:    TargetSelector{Labels: map[string]string{"app": "db"}},
			want: false,
		},
		{
			name: "pods versus labels is conservative",
			a:    TargetSelector{Pods: []string{"a"}},
			b:    TargetSelector{Labels: map[string]string{"app": "web"}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps() = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("Overlaps() not symmetric: reverse = %v, want %v", got, tt.want)
			}
		})
	}
}

func mustErr(t *testing.T, fn func() error) error {
	t.Helper()
	err := fn()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	return err
}
