package stores

import (
	"context"
	"time"

	"github.com/faultline/faultline/pkg/engine"
)

// TransitionRecord is one row of the append-only transition log.
type TransitionRecord struct {
	ID         int64               `json:"id"`
	InstanceID string              `json:"instance_id"`
	FromState  engine.InstanceState `json:"from_state"`
	ToState    engine.InstanceState `json:"to_state"`
	Reason     *string             `json:"reason,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Store defines the durable archive for fault instances. The in-memory
// lifecycle manager stays authoritative while the process runs; the store
// exists so active faults can be re-adopted after a restart and so the
// transition history survives for audit.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Archive operations, satisfying engine.InstanceArchiver
	SaveInstance(ctx context.Context, inst engine.FaultInstance) error
	RecordTransition(ctx context.Context, inst engine.FaultInstance, from engine.InstanceState, reason string) error

	// Instance queries
	GetInstance(ctx context.Context, id string) (*engine.FaultInstance, error)
	ListInstances(ctx context.Context, states []engine.InstanceState, limit, offset int) ([]engine.FaultInstance, error)
	LoadUnfinished(ctx context.Context) ([]engine.FaultInstance, error)

	// Transition log
	ListTransitions(ctx context.Context, instanceID string, limit, offset int) ([]*TransitionRecord, error)

	// Housekeeping
	PruneTerminal(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
