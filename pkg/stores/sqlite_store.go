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
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/deployer/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or ":memory:".
	Path            string
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_time_format=sqlite"}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	dsn := s.cfg.Path + "?" + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers and keeps a :memory: database alive
	// across queries.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if s.cfg.Path == ":memory:" {
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// NextSequence records a new deployment and returns its sequence number.
// Sequence numbers are strictly increasing and never reused.
func (s *SQLiteStore) NextSequence(ctx context.Context, d *Deployment) (int64, error) {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	if d.Status == "" {
		d.Status = engine.StatusInitial
	}

	query := `
		INSERT INTO deployments (goal, status, dry_run, manifest_path, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		d.Goal,
		d.Status,
		d.DryRun,
		d.ManifestPath,
		d.StartedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create deployment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get deployment ID: %w", err)
	}
	d.ID = id
	return id, nil
}

const deploymentColumns = `id, goal, status, dry_run, manifest_path, started_at, completed_at, error`

func scanDeployment(row interface{ Scan(...any) error }) (*Deployment, error) {
	d := &Deployment{}
	err := row.Scan(
		&d.ID,
		&d.Goal,
		&d.Status,
		&d.DryRun,
		&d.ManifestPath,
		&d.StartedAt,
		&d.CompletedAt,
		&d.Error,
	)
	return d, err
}

// GetDeployment retrieves a deployment by sequence number
func (s *SQLiteStore) GetDeployment(ctx context.Context, id int64) (*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// LatestDeployment retrieves the deployment with the highest sequence number
func (s *SQLiteStore) LatestDeployment(ctx context.Context) (*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY id DESC LIMIT 1`

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no deployments recorded: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest deployment: %w", err)
	}
	return d, nil
}

// ListDeployments lists deployments, newest first
func (s *SQLiteStore) ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY id DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// WriteDeployStatus implements engine.StatusSink. A terminal status also
// sets the completion time.
func (s *SQLiteStore) WriteDeployStatus(ctx context.Context, seq int64, status engine.DeployStatus) error {
	query := `
		UPDATE deployments
		SET status = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, completedAt, seq)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	return expectRow(result, fmt.Sprintf("deployment %d", seq))
}

// FailDeployment marks a deployment failed before or outside execution,
// e.g. when the plan was rejected.
func (s *SQLiteStore) FailDeployment(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE deployments
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, engine.StatusFailed, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to fail deployment: %w", err)
	}
	return expectRow(result, fmt.Sprintf("deployment %d", id))
}

// WriteNodeStatus implements engine.StatusSink. The latest status of the
// node is upserted and the transition is appended to the event log in the
// same transaction.
func (s *SQLiteStore) WriteNodeStatus(ctx context.Context, seq int64, update engine.NodeStatusUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var errMsg *string
	if update.Error != "" {
		errMsg = &update.Error
	}

	upsert := `
		INSERT INTO node_status (deploy_id, node_id, status, description, error, primitive, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deploy_id, node_id) DO UPDATE SET
			status = excluded.status,
			description = excluded.description,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, upsert,
		seq,
		update.NodeID,
		update.Status,
		update.Description,
		errMsg,
		update.Primitive,
		now,
	); err != nil {
		return fmt.Errorf("failed to write node status: %w", err)
	}

	level := EventLevelInfo
	if update.Status == engine.StatusFailed {
		level = EventLevelError
	}
	details, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode node status: %w", err)
	}
	detailStr := string(details)
	nodeID := update.NodeID
	event := &Event{
		DeployID:  &seq,
		NodeID:    &nodeID,
		Type:      string(engine.EventTypeNodeStatus),
		Level:     level,
		Message:   fmt.Sprintf("%s is %s", update.NodeID, update.Status.Display()),
		Details:   &detailStr,
		Timestamp: now,
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node status: %w", err)
	}
	return nil
}

// ListNodeStatuses returns the latest status of every node of a deployment
func (s *SQLiteStore) ListNodeStatuses(ctx context.Context, deployID int64) ([]*NodeStatus, error) {
	query := `
		SELECT deploy_id, node_id, status, description, error, primitive, updated_at
		FROM node_status
		WHERE deploy_id = ?
		ORDER BY node_id
	`

	rows, err := s.db.QueryContext(ctx, query, deployID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node statuses: %w", err)
	}
	defer rows.Close()

	statuses := []*NodeStatus{}
	for rows.Next() {
		ns := &NodeStatus{}
		if err := rows.Scan(
			&ns.DeployID,
			&ns.NodeID,
			&ns.Status,
			&ns.Description,
			&ns.Error,
			&ns.Primitive,
			&ns.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan node status: %w", err)
		}
		statuses = append(statuses, ns)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node statuses: %w", err)
	}

	return statuses, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEvent(ctx context.Context, db execer, event *Event) error {
	query := `
		INSERT INTO events (deploy_id, node_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	result, err := db.ExecContext(ctx, query,
		event.DeployID,
		event.NodeID,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	return appendEvent(ctx, s.db, event)
}

// GetEvents retrieves events with optional filters, oldest first
func (s *SQLiteStore) GetEvents(ctx context.Context, deployID *int64, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, deploy_id, node_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR deploy_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, deployID, deployID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		if err := rows.Scan(
			&event.ID,
			&event.DeployID,
			&event.NodeID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// RecordDeployedState inserts or updates the deployed state of a resource
func (s *SQLiteStore) RecordDeployedState(ctx context.Context, state *ResourceState) error {
	query := `
		INSERT INTO resource_state (
			id, kind, config, hash, last_deploy_id, last_applied, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			config = excluded.config,
			hash = excluded.hash,
			last_deploy_id = excluded.last_deploy_id,
			last_applied = excluded.last_applied,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if state.LastApplied.IsZero() {
		state.LastApplied = now
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		state.ID,
		state.Kind,
		state.Config,
		state.Hash,
		state.LastDeployID,
		state.LastApplied.UTC(),
		state.CreatedAt.UTC(),
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record resource state: %w", err)
	}

	return nil
}

const resourceStateColumns = `id, kind, config, hash, last_deploy_id, last_applied, created_at, updated_at`

func scanResourceState(row interface{ Scan(...any) error }) (*ResourceState, error) {
	state := &ResourceState{}
	err := row.Scan(
		&state.ID,
		&state.Kind,
		&state.Config,
		&state.Hash,
		&state.LastDeployID,
		&state.LastApplied,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	return state, err
}

// GetResourceState retrieves the deployed state of a resource
func (s *SQLiteStore) GetResourceState(ctx context.Context, id string) (*ResourceState, error) {
	query := `SELECT ` + resourceStateColumns + ` FROM resource_state WHERE id = ?`

	state, err := scanResourceState(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource state %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}
	return state, nil
}

// ListResourceStates lists every deployed resource ordered by ID
func (s *SQLiteStore) ListResourceStates(ctx context.Context) ([]*ResourceState, error) {
	query := `SELECT ` + resourceStateColumns + ` FROM resource_state ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		state, err := scanResourceState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

// DeleteResourceState forgets a destroyed resource
func (s *SQLiteStore) DeleteResourceState(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resource_state WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete resource state: %w", err)
	}
	return expectRow(result, "resource state "+id)
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
