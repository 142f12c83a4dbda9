// Package repository persists TaskExecutionRecords and execution traces
// to Postgres, grounded on the config/connection-pooling conventions
// the rest of the corpus uses for its own Postgres-backed stores.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// Config is the Postgres connection configuration (mirrors the teacher's
// env-driven DefaultConfig/LoadFromEnv shape).
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns conservative connection defaults. Nothing in this
// package reads environment overrides.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "workflowcore",
		Database:        "workflowcore",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c Config) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// ExecutionRepository persists execution records and traces.
type ExecutionRepository struct {
	db *sqlx.DB
}

// Open connects to Postgres via lib/pq and applies the pool settings
// from cfg.
func Open(cfg Config) (*ExecutionRepository, error) {
	db, err := sqlx.Connect("postgres", cfg.dsn())
	if err != nil {
		return nil, wferrors.Wrap(err, wferrors.KindInternal, "connecting to execution repository database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return &ExecutionRepository{db: db}, nil
}

// NewWithDB wraps an already-open *sqlx.DB, used by tests against
// go-sqlmock.
func NewWithDB(db *sqlx.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// OpenDSN connects to Postgres using a pre-built connection string
// (internal/config.RepositoryConfig.DSN) rather than Config's discrete
// fields, for callers that load their DSN from a single config value.
func OpenDSN(dsn string, maxOpenConns int) (*ExecutionRepository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, wferrors.Wrap(err, wferrors.KindInternal, "connecting to execution repository database")
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return &ExecutionRepository{db: db}, nil
}

func (r *ExecutionRepository) Close() error {
	return r.db.Close()
}

// SaveExecution persists one execution's trace and per-step records in a
// single transaction: the execution row, then one row per
// TaskExecutionRecord in records.
func (r *ExecutionRepository) SaveExecution(ctx context.Context, tr *workflow.Trace, records []workflow.TaskExecutionRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wferrors.Wrap(err, wferrors.KindInternal, "beginning execution save transaction")
	}
	defer tx.Rollback()

	var errMsg sql.NullString
	if tr.Error != "" {
		errMsg = sql.NullString{String: tr.Error, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_executions (execution_id, workflow_name, status, started_at, completed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id) DO UPDATE SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at, error = EXCLUDED.error
	`, tr.ExecutionID, tr.WorkflowName, string(tr.Status), tr.StartedAt, tr.CompletedAt, errMsg)
	if err != nil {
		return wferrors.Wrap(err, wferrors.KindInternal, "inserting execution row")
	}

	for _, rec := range records {
		outputJSON, err := json.Marshal(rec.Output)
		if err != nil {
			return wferrors.Wrap(err, wferrors.KindInternal, "encoding step output")
		}
		var recErr sql.NullString
		if rec.Error != "" {
			recErr = sql.NullString{String: rec.Error, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_task_executions
				(execution_id, step_id, status, output, error, retry_count, duration_ms, resolved_url, http_method, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (execution_id, step_id) DO UPDATE SET
				status = EXCLUDED.status, output = EXCLUDED.output, error = EXCLUDED.error,
				retry_count = EXCLUDED.retry_count, duration_ms = EXCLUDED.duration_ms,
				resolved_url = EXCLUDED.resolved_url, http_method = EXCLUDED.http_method,
				completed_at = EXCLUDED.completed_at
		`, rec.ExecutionID, rec.StepID, string(rec.Status), outputJSON, recErr, rec.RetryCount,
			rec.DurationMs, rec.ResolvedURL, rec.HTTPMethod, rec.StartedAt, rec.CompletedAt)
		if err != nil {
			return wferrors.Wrap(err, wferrors.KindInternal, "inserting task execution row")
		}
	}

	if err := tx.Commit(); err != nil {
		return wferrors.Wrap(err, wferrors.KindInternal, "committing execution save transaction")
	}
	return nil
}

// GetTrace reconstructs a Trace and its TaskExecutionRecords for one
// executionID, used by the Execute-trace read path (spec.md §6 GetTrace).
func (r *ExecutionRepository) GetTrace(ctx context.Context, executionID string) (*workflow.Trace, []workflow.TaskExecutionRecord, error) {
	var row struct {
		ExecutionID  string       `db:"execution_id"`
		WorkflowName string       `db:"workflow_name"`
		Status       string       `db:"status"`
		StartedAt    time.Time    `db:"started_at"`
		CompletedAt  time.Time    `db:"completed_at"`
		Error        sql.NullString `db:"error"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT execution_id, workflow_name, status, started_at, completed_at, error
		FROM workflow_executions WHERE execution_id = $1
	`, executionID)
	if err == sql.ErrNoRows {
		return nil, nil, wferrors.NewNotFoundError("execution " + executionID)
	}
	if err != nil {
		return nil, nil, wferrors.Wrap(err, wferrors.KindInternal, "loading execution row")
	}

	var taskRows []struct {
		StepID      string         `db:"step_id"`
		Status      string         `db:"status"`
		Output      []byte         `db:"output"`
		Error       sql.NullString `db:"error"`
		RetryCount  int            `db:"retry_count"`
		DurationMs  int64          `db:"duration_ms"`
		ResolvedURL string         `db:"resolved_url"`
		HTTPMethod  string         `db:"http_method"`
		StartedAt   time.Time      `db:"started_at"`
		CompletedAt time.Time      `db:"completed_at"`
	}
	err = r.db.SelectContext(ctx, &taskRows, `
		SELECT step_id, status, output, error, retry_count, duration_ms, resolved_url, http_method, started_at, completed_at
		FROM workflow_task_executions WHERE execution_id = $1 ORDER BY started_at
	`, executionID)
	if err != nil {
		return nil, nil, wferrors.Wrap(err, wferrors.KindInternal, "loading task execution rows")
	}

	records := make([]workflow.TaskExecutionRecord, 0, len(taskRows))
	traces := make([]workflow.TaskTrace, 0, len(taskRows))
	for _, tr := range taskRows {
		var output map[string]interface{}
		if len(tr.Output) > 0 {
			if err := json.Unmarshal(tr.Output, &output); err != nil {
				return nil, nil, wferrors.Wrap(err, wferrors.KindInternal, "decoding step output")
			}
		}
		rec := workflow.TaskExecutionRecord{
			ExecutionID: executionID,
			StepID:      tr.StepID,
			Status:      workflow.StepStatus(tr.Status),
			Output:      output,
			Error:       tr.Error.String,
			RetryCount:  tr.RetryCount,
			DurationMs:  tr.DurationMs,
			ResolvedURL: tr.ResolvedURL,
			HTTPMethod:  tr.HTTPMethod,
			StartedAt:   tr.StartedAt,
			CompletedAt: tr.CompletedAt,
		}
		records = append(records, rec)
		traces = append(traces, workflow.TaskTrace{
			StepID:      tr.StepID,
			Status:      rec.Status,
			StartedAt:   tr.StartedAt,
			CompletedAt: tr.CompletedAt,
			DurationMs:  tr.DurationMs,
		})
	}

	trace := &workflow.Trace{
		ExecutionID:  row.ExecutionID,
		WorkflowName: row.WorkflowName,
		StartedAt:    row.StartedAt,
		CompletedAt:  row.CompletedAt,
		Tasks:        traces,
		Status:       workflow.ExecutionStatus(row.Status),
		Error:        row.Error.String,
	}
	return trace, records, nil
}

// defaultListTake and maxListTake bound the paging window for ListExecutions
// (spec.md §6: "paging (skip, take <= 20 default)").
const (
	defaultListTake = 20
	maxListTake     = 20
)

// ExecutionSummary is one row of a ListExecutions page: just enough to
// render a list view without pulling every task execution record.
type ExecutionSummary struct {
	ExecutionID  string                   `db:"execution_id" json:"executionId"`
	WorkflowName string                   `db:"workflow_name" json:"workflowName"`
	Status       workflow.ExecutionStatus `db:"status" json:"status"`
	StartedAt    time.Time                `db:"started_at" json:"startedAt"`
	CompletedAt  time.Time                `db:"completed_at" json:"completedAt"`
}

// ListExecutions queries workflow_executions by workflowName and, when
// status is non-nil, by status, returning results newest-first with
// (skip, take) paging. take is defaulted to 20 when <= 0 and capped at 20
// (spec.md §6 Persistence interface: "Queries: ... by workflowName with
// paging (skip, take <= 20 default), by status filter").
func (r *ExecutionRepository) ListExecutions(ctx context.Context, workflowName string, status *workflow.ExecutionStatus, skip, take int) ([]ExecutionSummary, error) {
	if take <= 0 {
		take = defaultListTake
	}
	if take > maxListTake {
		take = maxListTake
	}
	if skip < 0 {
		skip = 0
	}

	query := `
		SELECT execution_id, workflow_name, status, started_at, completed_at
		FROM workflow_executions
		WHERE workflow_name = $1
	`
	args := []interface{}{workflowName}
	if status != nil {
		query += " AND status = $2 ORDER BY started_at DESC OFFSET $3 LIMIT $4"
		args = append(args, string(*status), skip, take)
	} else {
		query += " ORDER BY started_at DESC OFFSET $2 LIMIT $3"
		args = append(args, skip, take)
	}

	var rows []ExecutionSummary
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wferrors.Wrap(err, wferrors.KindInternal, "listing executions")
	}
	return rows, nil
}
