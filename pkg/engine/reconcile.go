package engine

import (
	"context"
	"time"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	// Checked is the number of instances inspected.
	Checked int `json:"checked"`

	// Expired is the number of instances reverted because their TTL elapsed.
	Expired int `json:"expired"`

	// Completed is the number of instances reverted because the backend
	// reported the fault ran to its natural end.
	Completed int `json:"completed"`

	// Drifted is the number of instances marked FAILED_PARTIAL because the
	// backend lost the fault out from under the engine.
	Drifted int `json:"drifted"`

	// Unknown is the number of instances whose backend state could not be
	// confirmed this pass.
	Unknown int `json:"unknown"`
}

// Reconcile runs one reconciliation pass over all ACTIVE instances:
// TTL-expired instances are reverted, backend-completed instances are
// reverted to clean up residue, instances the backend no longer knows about
// become FAILED_PARTIAL, and instances stuck in UNKNOWN beyond the grace
// period are escalated to FAILED_PARTIAL as well. Errors on individual
// instances are logged and counted, never aborting the pass.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := time.Now()

	for _, inst := range o.lifecycle.List(StateActive) {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		log := o.logger.With().Str("instance_id", inst.ID).Logger()

		adapter, err := o.adapters.Resolve(inst.Backend)
		if err != nil {
			log.Error().Err(err).Msg("reconcile: cannot resolve adapter")
			continue
		}

		if inst.Expired(now) {
			log.Info().Time("expires_at", *inst.ExpiresAt).Msg("ttl elapsed, reverting")
			if _, err := o.executeRevert(ctx, adapter, inst.ID); err != nil {
				log.Error().Err(err).Msg("ttl revert failed")
			}
			report.Expired++
			continue
		}

		status, serr := o.probeStatus(ctx, adapter, inst.Handle)
		switch {
		case serr != nil || status == BackendStatusUnknown:
			report.Unknown++
			dur, merr := o.lifecycle.MarkUnknown(inst.ID, now)
			if merr != nil {
				log.Error().Err(merr).Msg("reconcile: cannot track unknown status")
				continue
			}
			if dur >= o.opts.UnknownGrace {
				log.Warn().Dur("unconfirmed_for", dur).Msg("backend unconfirmed beyond grace, marking partial")
				if _, err := o.lifecycle.MarkPartial(inst.ID,
					"backend state unconfirmed beyond grace period", serr, ""); err != nil {
					log.Error().Err(err).Msg("reconcile: cannot mark instance partial")
				}
			}

		case status == BackendStatusRunning:
			o.lifecycle.ClearUnknown(inst.ID)

		case status == BackendStatusCompleted:
			o.lifecycle.ClearUnknown(inst.ID)
			log.Info().Msg("backend reports fault completed, cleaning up")
			if _, err := o.executeRevert(ctx, adapter, inst.ID); err != nil {
				log.Error().Err(err).Msg("cleanup revert failed")
			}
			report.Completed++

		case status == BackendStatusGone:
			o.lifecycle.ClearUnknown(inst.ID)
			log.Warn().Msg("backend has no record of fault, marking partial")
			if _, err := o.lifecycle.MarkPartial(inst.ID,
				"backend reports fault gone while instance was active", nil, ""); err != nil {
				log.Error().Err(err).Msg("reconcile: cannot mark instance partial")
			}
			report.Drifted++
		}
	}

	return report, nil
}

// probeStatus queries the backend with a bounded timeout.
func (o *Orchestrator) probeStatus(ctx context.Context, adapter BackendAdapter, handle BackendHandle) (BackendStatus, error) {
	sctx, cancel := context.WithTimeout(ctx, o.opts.ApplyTimeout)
	defer cancel()
	return adapter.Status(sctx, handle)
}

// Run drives periodic reconciliation until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.ReconcileInterval)
	defer ticker.Stop()

	o.logger.Info().Dur("interval", o.opts.ReconcileInterval).Msg("reconciliation loop started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			report, err := o.Reconcile(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.logger.Error().Err(err).Msg("reconcile pass failed")
				continue
			}
			o.logger.Debug().
				Int("checked", report.Checked).
				Int("expired", report.Expired).
				Int("completed", report.Completed).
				Int("drifted", report.Drifted).
				Int("unknown", report.Unknown).
				Msg("reconcile pass complete")
		}
	}
}
