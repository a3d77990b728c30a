package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// TemplateResolver resolves fault templates by ID. Implemented by the
// template registry.
type TemplateResolver interface {
	// Get returns the template or a NOT_FOUND error.
	Get(templateID string) (*FaultTemplate, error)

	// Reload atomically swaps the template set from the source.
	Reload(ctx context.Context) error
}

// RequestValidator checks a request against its template's declared schema
// and returns a normalized copy (defaults applied). Side-effect free.
type RequestValidator interface {
	Validate(req *FaultRequest, tmpl *FaultTemplate) (*FaultRequest, error)
}

// PolicyChecker evaluates guardrail policies against a validated request
// before admission. A nil return allows the request.
type PolicyChecker interface {
	Check(ctx context.Context, req *FaultRequest, tmpl *FaultTemplate) error
}

// InstanceArchiver persists instance snapshots and transitions durably.
// Archiving is best-effort from the engine's perspective: the in-memory
// lifecycle manager stays authoritative.
type InstanceArchiver interface {
	SaveInstance(ctx context.Context, inst FaultInstance) error
	RecordTransition(ctx context.Context, inst FaultInstance, from InstanceState, reason string) error
}

// Options tunes the orchestrator's retry, timeout and reconciliation
// behavior.
type Options struct {
	// MaxRetries bounds retry attempts for transient apply/revert failures.
	MaxRetries int

	// BaseBackoff is the initial backoff delay between retries.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration

	// ApplyTimeout bounds a single backend apply call.
	ApplyTimeout time.Duration

	// RevertTimeout bounds a single backend revert call.
	RevertTimeout time.Duration

	// ReconcileInterval is how often the reconciliation pass runs.
	ReconcileInterval time.Duration

	// UnknownGrace is how long a backend may report UNKNOWN for an active
	// instance before it is marked FAILED_PARTIAL.
	UnknownGrace time.Duration
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = 60 * time.Second
	}
	if o.RevertTimeout <= 0 {
		o.RevertTimeout = 60 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.UnknownGrace <= 0 {
		o.UnknownGrace = 2 * time.Minute
	}
	return o
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Templates TemplateResolver
	Validator RequestValidator
	Adapters  *AdapterRegistry
	Lifecycle *LifecycleManager

	// Policy is optional; nil disables guardrail evaluation.
	Policy PolicyChecker

	// Archive is optional; nil disables durable persistence.
	Archive InstanceArchiver

	// Observer is an optional extra transition observer (metrics, events).
	Observer TransitionObserver

	Logger  zerolog.Logger
	Options Options
}

// Orchestrator is the engine façade. It accepts requests, consults the
// validator and registry, resolves the backend adapter, and delegates
// lifecycle transitions to the lifecycle manager. From the caller's
// perspective submit is all-or-nothing: any failure after validation
// triggers automatic best-effort cleanup before the error returns.
type Orchestrator struct {
	templates TemplateResolver
	validator RequestValidator
	adapters  *AdapterRegistry
	lifecycle *LifecycleManager
	policy    PolicyChecker
	archive   InstanceArchiver
	logger    zerolog.Logger
	opts      Options
}

// NewOrchestrator creates the engine façade and installs the transition
// observer chain (archive first, then the caller's observer).
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Templates == nil || cfg.Validator == nil || cfg.Adapters == nil || cfg.Lifecycle == nil {
		return nil, NewPermanentError("orchestrator requires templates, validator, adapters and lifecycle", nil).
			WithCode(ErrCodeInternal)
	}

	o := &Orchestrator{
		templates: cfg.Templates,
		validator: cfg.Validator,
		adapters:  cfg.Adapters,
		lifecycle: cfg.Lifecycle,
		policy:    cfg.Policy,
		archive:   cfg.Archive,
		logger:    cfg.Logger.With().Str("component", "orchestrator").Logger(),
		opts:      cfg.Options.withDefaults(),
	}

	extra := cfg.Observer
	cfg.Lifecycle.SetObserver(func(inst FaultInstance, from InstanceState, reason string) {
		o.persist(inst, from, reason)
		if extra != nil {
			extra(inst, from, reason)
		}
	})

	return o, nil
}

// Submit validates, admits, renders and applies a fault request. On success
// the returned instance is ACTIVE with a backend handle. On failure the
// returned instance (when one was admitted) is in a terminal failure state
// and the error describes why; partial backend state is either cleaned up or
// surfaced as FAILED_PARTIAL, never dropped.
func (o *Orchestrator) Submit(ctx context.Context, req *FaultRequest) (FaultInstance, error) {
	tmpl, err := o.templates.Get(req.TemplateID)
	if err != nil {
		return FaultInstance{}, err
	}

	normalized, err := o.validator.Validate(req, tmpl)
	if err != nil {
		return FaultInstance{}, err
	}

	if o.policy != nil {
		if err := o.policy.Check(ctx, normalized, tmpl); err != nil {
			return FaultInstance{}, err
		}
	}

	inst, err := o.lifecycle.Admit(normalized, tmpl)
	if err != nil {
		return FaultInstance{}, err
	}
	log := o.logger.With().
		Str("instance_id", inst.ID).
		Str("template_id", tmpl.ID).
		Str("backend", string(tmpl.Backend)).
		Logger()

	adapter, err := o.adapters.Resolve(tmpl.Backend)
	if err != nil {
		rejected, _ := o.lifecycle.Reject(inst.ID, err)
		return rejected, err
	}

	artifact, err := adapter.Render(ctx, tmpl, normalized)
	if err != nil {
		log.Error().Err(err).Msg("render failed")
		rejected, _ := o.lifecycle.Reject(inst.ID, err)
		return rejected, err
	}

	handle, err := o.applyWithRetry(ctx, adapter, artifact, inst.ID)
	if err != nil {
		return o.failSubmit(ctx, adapter, inst.ID, handle, err, log)
	}

	active, queued, err := o.lifecycle.Activate(inst.ID, handle)
	if err != nil {
		// Lost the activation race or an invalid transition: undo the apply.
		return o.failSubmit(ctx, adapter, inst.ID, handle, err, log)
	}
	log.Info().Str("handle", string(handle)).Msg("fault active")

	if queued {
		// A revert arrived while apply was in flight; execute it now.
		log.Info().Msg("executing queued revert")
		if _, err := o.executeRevert(ctx, adapter, active.ID); err != nil {
			final, _ := o.lifecycle.Get(active.ID)
			return final, err
		}
		final, _ := o.lifecycle.Get(active.ID)
		return final, nil
	}

	return active, nil
}

// failSubmit cleans up after a failed apply or activation. If backend state
// may exist (non-empty handle), it attempts an immediate revert; if that
// also fails, the instance becomes FAILED_PARTIAL with the handle recorded.
func (o *Orchestrator) failSubmit(ctx context.Context, adapter BackendAdapter, instanceID string, handle BackendHandle, cause error, log zerolog.Logger) (FaultInstance, error) {
	if handle.IsZero() {
		rejected, _ := o.lifecycle.Reject(instanceID, cause)
		return rejected, cause
	}

	log.Warn().Err(cause).Msg("apply left backend state, attempting cleanup revert")
	rctx, cancel := context.WithTimeout(ctx, o.opts.RevertTimeout)
	defer cancel()
	if _, rerr := adapter.Revert(rctx, handle); rerr != nil {
		log.Error().Err(rerr).Msg("cleanup revert failed, marking partial")
		partial, _ := o.lifecycle.MarkPartial(instanceID, "apply failed and cleanup revert failed", cause, handle)
		return partial, cause
	}

	rejected, _ := o.lifecycle.Reject(instanceID, cause)
	return rejected, cause
}

// Revert undoes a fault instance. Idempotent: reverting an instance that is
// already REVERTED (or was rejected before any backend work) succeeds.
// Reverting an instance whose apply is still in flight queues the revert to
// run as soon as apply completes.
func (o *Orchestrator) Revert(ctx context.Context, instanceID string) (*RevertResult, error) {
	inst, err := o.lifecycle.Get(instanceID)
	if err != nil {
		return nil, err
	}

	switch inst.State {
	case StatePending:
		queued, err := o.lifecycle.QueueRevert(instanceID)
		if err != nil {
			return nil, err
		}
		if queued {
			return &RevertResult{Reverted: false, Message: "revert queued behind in-flight apply"}, nil
		}
		// The instance moved past PENDING between Get and QueueRevert;
		// fall through to the normal path.
	case StateRejected:
		// Apply never succeeded; nothing to undo.
		return &RevertResult{Reverted: true, AlreadyGone: true}, nil
	case StateReverting:
		return &RevertResult{Reverted: false, Message: "revert already in progress"}, nil
	}

	adapter, err := o.adapters.Resolve(inst.Backend)
	if err != nil {
		return nil, err
	}
	return o.executeRevert(ctx, adapter, instanceID)
}

// executeRevert drives ACTIVE|FAILED_PARTIAL -> REVERTING -> terminal.
func (o *Orchestrator) executeRevert(ctx context.Context, adapter BackendAdapter, instanceID string) (*RevertResult, error) {
	inst, alreadyDone, err := o.lifecycle.BeginRevert(instanceID)
	if err != nil {
		return nil, err
	}
	if alreadyDone {
		return &RevertResult{Reverted: true, AlreadyGone: true}, nil
	}

	result, err := o.revertWithRetry(ctx, adapter, inst.Handle, instanceID)
	if err != nil {
		o.logger.Error().Err(err).Str("instance_id", instanceID).Msg("revert failed after retries")
		if _, perr := o.lifecycle.MarkPartial(instanceID, "revert failed after exhausting retry budget", err, ""); perr != nil {
			o.logger.Error().Err(perr).Str("instance_id", instanceID).Msg("failed to mark instance partial")
		}
		return nil, err
	}

	if _, err := o.lifecycle.CompleteRevert(instanceID); err != nil {
		return nil, err
	}
	return result, nil
}

// Status returns a read-only snapshot of an instance.
func (o *Orchestrator) Status(_ context.Context, instanceID string) (FaultInstance, error) {
	return o.lifecycle.Get(instanceID)
}

// List returns snapshots of instances, optionally filtered by state.
func (o *Orchestrator) List(_ context.Context, states ...InstanceState) []FaultInstance {
	return o.lifecycle.List(states...)
}

// ReloadTemplates atomically reloads the template registry from its source.
func (o *Orchestrator) ReloadTemplates(ctx context.Context) error {
	return o.templates.Reload(ctx)
}

// Recover re-adopts instances loaded from the durable archive after a
// restart. ACTIVE instances go back under reconciliation, FAILED_PARTIAL
// instances stay available for revert retries, and PENDING or REVERTING
// records mean the process crashed mid-transition, so they are marked
// FAILED_PARTIAL for operator attention.
func (o *Orchestrator) Recover(_ context.Context, records []FaultInstance) error {
	var errs []error
	for _, rec := range records {
		switch rec.State {
		case StateActive, StateFailedPartial:
			if err := o.lifecycle.Adopt(rec); err != nil {
				errs = append(errs, err)
			}
		case StatePending, StateReverting:
			if err := o.lifecycle.Adopt(rec); err != nil {
				errs = append(errs, err)
				continue
			}
			if _, err := o.lifecycle.MarkPartial(rec.ID,
				fmt.Sprintf("process restarted while instance was %s", rec.State), nil, ""); err != nil {
				errs = append(errs, err)
			}
		default:
			// Terminal states need no recovery.
		}
	}
	return errors.Join(errs...)
}

// applyWithRetry applies the artifact with bounded exponential backoff.
// Only transient errors are retried; rejection and unsupported results
// surface immediately. A non-empty handle on the final error marks a
// partial apply the caller must clean up.
func (o *Orchestrator) applyWithRetry(ctx context.Context, adapter BackendAdapter, artifact *Artifact, instanceID string) (BackendHandle, error) {
	var handle BackendHandle
	var err error

	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, o.opts.ApplyTimeout)
		handle, err = adapter.Apply(actx, artifact)
		cancel()

		if err == nil {
			return handle, nil
		}
		err = classifyTimeout(err)

		if !IsRetryable(err) || !handle.IsZero() || attempt >= o.opts.MaxRetries {
			break
		}

		delay := o.backoff(attempt)
		o.logger.Warn().Err(err).
			Str("instance_id", instanceID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("apply failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return handle, NewTransientError("apply cancelled", ctx.Err()).
				WithCode(ErrCodeTimeout).WithInstance(instanceID)
		}
	}

	var fe *FaultError
	if !errors.As(err, &fe) {
		err = NewPermanentError("apply failed", err).WithCode(ErrCodeApplyFailed)
	}
	return handle, err
}

// revertWithRetry reverts a handle with the same bounded backoff discipline.
func (o *Orchestrator) revertWithRetry(ctx context.Context, adapter BackendAdapter, handle BackendHandle, instanceID string) (*RevertResult, error) {
	var result *RevertResult
	var err error

	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, o.opts.RevertTimeout)
		result, err = adapter.Revert(rctx, handle)
		cancel()

		if err == nil {
			return result, nil
		}
		err = classifyTimeout(err)

		if !IsRetryable(err) || attempt >= o.opts.MaxRetries {
			break
		}

		delay := o.backoff(attempt)
		o.logger.Warn().Err(err).
			Str("instance_id", instanceID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("revert failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewTransientError("revert cancelled", ctx.Err()).
				WithCode(ErrCodeTimeout).WithInstance(instanceID)
		}
	}

	var fe *FaultError
	if !errors.As(err, &fe) {
		err = NewPermanentError("revert failed", err).WithCode(ErrCodeRevertFailed)
	}
	return nil, err
}

// backoff computes exponential backoff with jitter, capped at MaxBackoff.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(o.opts.BaseBackoff) * math.Pow(2, float64(attempt)))
	if delay > o.opts.MaxBackoff {
		delay = o.opts.MaxBackoff
	}
	// Jitter ±25% to avoid thundering retries against a struggling backend.
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}

// persist archives the transition; failures are logged, never propagated,
// because the in-memory lifecycle manager remains authoritative.
func (o *Orchestrator) persist(inst FaultInstance, from InstanceState, reason string) {
	if o.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.archive.SaveInstance(ctx, inst); err != nil {
		o.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to archive instance")
		return
	}
	if err := o.archive.RecordTransition(ctx, inst, from, reason); err != nil {
		o.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to archive transition")
	}
}

// classifyTimeout maps context deadline errors onto the transient TIMEOUT
// code so they enter the retry path.
func classifyTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		var fe *FaultError
		if !errors.As(err, &fe) {
			return NewTransientError("backend call timed out", err).WithCode(ErrCodeTimeout)
		}
	}
	return err
}
