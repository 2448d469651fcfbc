// Package history persists execution outcomes to Postgres so teams can
// audit runs beyond the lifetime of local trace files.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/executor"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/trace"
)

// DB wraps pgxpool with common operations
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.Database)

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.log.Info("closing database connection pool")
	db.Pool.Close()
}

// Health checks database health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// Repository handles database operations for execution history
type Repository struct {
	db *DB
}

// NewRepository creates a new history repository
func NewRepository(database *DB) *Repository {
	return &Repository{db: database}
}

// Migrate creates the execution table if it does not exist
func (r *Repository) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS execution (
			execution_id UUID PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			error TEXT,
			trace_path TEXT
		);
		CREATE INDEX IF NOT EXISTS execution_workflow_idx
			ON execution (workflow, started_at DESC);
	`
	if _, err := r.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate execution table: %w", err)
	}
	return nil
}

// RecordExecution implements executor.Recorder
func (r *Repository) RecordExecution(ctx context.Context, rec executor.ExecutionRecord) error {
	query := `
		INSERT INTO execution (execution_id, workflow, status, started_at, finished_at, duration_ms, error, trace_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		rec.ID,
		rec.Workflow,
		string(rec.Status),
		rec.StartedAt,
		rec.FinishedAt,
		rec.DurationMS,
		rec.Error,
		rec.TracePath,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// GetByID retrieves one execution record
func (r *Repository) GetByID(ctx context.Context, executionID string) (*executor.ExecutionRecord, error) {
	query := `
		SELECT execution_id, workflow, status, started_at, finished_at, duration_ms, error, trace_path
		FROM execution
		WHERE execution_id = $1
	`

	rec := &executor.ExecutionRecord{}
	var status string
	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&rec.ID,
		&rec.Workflow,
		&status,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.DurationMS,
		&rec.Error,
		&rec.TracePath,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	rec.Status = statusFromString(status)
	return rec, nil
}

// ListByWorkflow retrieves recent executions of one workflow
func (r *Repository) ListByWorkflow(ctx context.Context, workflow string, limit int) ([]*executor.ExecutionRecord, error) {
	query := `
		SELECT execution_id, workflow, status, started_at, finished_at, duration_ms, error, trace_path
		FROM execution
		WHERE workflow = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*executor.ExecutionRecord
	for rows.Next() {
		rec := &executor.ExecutionRecord{}
		var status string
		err := rows.Scan(
			&rec.ID,
			&rec.Workflow,
			&status,
			&rec.StartedAt,
			&rec.FinishedAt,
			&rec.DurationMS,
			&rec.Error,
			&rec.TracePath,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		rec.Status = statusFromString(status)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return records, nil
}

func statusFromString(s string) trace.Status {
	return trace.Status(s)
}
