package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/faultline/faultline/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveInstance upserts the instance snapshot. The full instance is stored
// as a JSON blob alongside the indexed columns, so a restart can recover
// exactly what the lifecycle manager held.
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst engine.FaultInstance) error {
	snapshot, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance snapshot: %w", err)
	}

	var expiresAt *string
	if inst.ExpiresAt != nil {
		formatted := inst.ExpiresAt.UTC().Format("2006-01-02 15:04:05")
		expiresAt = &formatted
	}
	var lastError *string
	if inst.LastError != "" {
		lastError = &inst.LastError
	}

	query := `
		INSERT INTO instances (
			id, template_id, namespace, name, backend, composable, state,
			handle, expires_at, last_error, snapshot, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			handle = excluded.handle,
			expires_at = excluded.expires_at,
			last_error = excluded.last_error,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.Request.TemplateID,
		inst.Request.Metadata.Namespace,
		inst.Request.Metadata.Name,
		inst.Backend,
		inst.Composable,
		inst.State,
		string(inst.Handle),
		expiresAt,
		lastError,
		string(snapshot),
		inst.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		inst.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
	)

	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	return nil
}

// RecordTransition appends one row to the transition log.
func (s *SQLiteStore) RecordTransition(ctx context.Context, inst engine.FaultInstance, from engine.InstanceState, reason string) error {
	query := `
		INSERT INTO transitions (instance_id, from_state, to_state, reason, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	_, err := s.db.ExecContext(ctx, query,
		inst.ID,
		from,
		inst.State,
		reasonPtr,
		time.Now().UTC().Format("2006-01-02 15:04:05"),
	)

	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return nil
}

// GetInstance retrieves an instance by ID, decoded from its stored snapshot.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*engine.FaultInstance, error) {
	query := `SELECT snapshot FROM instances WHERE id = ?`

	var snapshot string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, engine.NewPermanentError(fmt.Sprintf("instance %s not found in archive", id), nil).
			WithCode(engine.ErrCodeNotFound).
			WithInstance(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return decodeSnapshot(snapshot)
}

// ListInstances lists archived instances, optionally filtered by state,
// newest first.
func (s *SQLiteStore) ListInstances(ctx context.Context, states []engine.InstanceState, limit, offset int) ([]engine.FaultInstance, error) {
	query := `SELECT snapshot FROM instances`
	args := []interface{}{}

	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []engine.FaultInstance{}
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// LoadUnfinished returns every instance the engine must re-adopt after a
// restart: everything except REVERTED and REJECTED records.
func (s *SQLiteStore) LoadUnfinished(ctx context.Context) ([]engine.FaultInstance, error) {
	query := `
		SELECT snapshot FROM instances
		WHERE state NOT IN (?, ?)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, engine.StateReverted, engine.StateRejected)
	if err != nil {
		return nil, fmt.Errorf("failed to load unfinished instances: %w", err)
	}
	defer rows.Close()

	instances := []engine.FaultInstance{}
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// ListTransitions lists the transition log for an instance, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, instanceID string, limit, offset int) ([]*TransitionRecord, error) {
	query := `
		SELECT id, instance_id, from_state, to_state, reason, timestamp
		FROM transitions
		WHERE instance_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, instanceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	records := []*TransitionRecord{}
	for rows.Next() {
		rec := &TransitionRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.InstanceID,
			&rec.FromState,
			&rec.ToState,
			&rec.Reason,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return records, nil
}

// PruneTerminal deletes REVERTED and REJECTED instances last updated before
// the cutoff. Their transition rows go with them via the cascade.
func (s *SQLiteStore) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM instances
		WHERE state IN (?, ?) AND datetime(updated_at) < datetime(?)
	`

	result, err := s.db.ExecContext(ctx, query,
		engine.StateReverted,
		engine.StateRejected,
		before.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune instances: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func decodeSnapshot(snapshot string) (*engine.FaultInstance, error) {
	inst := &engine.FaultInstance{}
	if err := json.Unmarshal([]byte(snapshot), inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance snapshot: %w", err)
	}
	return inst, nil
}
