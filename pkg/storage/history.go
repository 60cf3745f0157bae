package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// RunStatus is the outcome of a scheduled fire.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run records one scheduled fire of a workflow.
type Run struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	Connector    string
	Action       string
	ScheduledFor time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	Status       RunStatus
	Detail       string
}

// Duration is the time between start and completion, or zero while running.
func (r Run) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunListOptions filters and pages ListRuns.
type RunListOptions struct {
	WorkflowID string
	Status     RunStatus
	Since      time.Time
	Limit      int
	Offset     int
}

// RunHistory stores scheduled fires in SQLite.
type RunHistory struct {
	db *sql.DB
}

// OpenRunHistory opens (and migrates) the database at dbPath.
func OpenRunHistory(dbPath string) (*RunHistory, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := InitializeDatabase(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &RunHistory{db: db}, nil
}

// Close closes the database connection.
func (h *RunHistory) Close() error {
	return h.db.Close()
}

// RecordRun inserts or replaces a run.
func (h *RunHistory) RecordRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run must have an ID")
	}

	var completedAt sql.NullTime
	if !run.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: run.CompletedAt.UTC(), Valid: true}
	}
	var detail sql.NullString
	if run.Detail != "" {
		detail = sql.NullString{String: run.Detail, Valid: true}
	}

	query := `
		INSERT INTO runs (
			id, workflow_id, workflow_name, connector, action,
			scheduled_for, started_at, completed_at, status, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			status = excluded.status,
			detail = excluded.detail`

	_, err := h.db.ExecContext(ctx, query,
		run.ID, run.WorkflowID, run.WorkflowName, run.Connector, run.Action,
		run.ScheduledFor.UTC(), run.StartedAt.UTC(), completedAt, string(run.Status), detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first, plus the total number matching the
// filters before paging.
func (h *RunHistory) ListRuns(ctx context.Context, opts RunListOptions) ([]Run, int, error) {
	if opts.Limit < 0 {
		return nil, 0, fmt.Errorf("limit cannot be negative: %d", opts.Limit)
	}
	if opts.Offset < 0 {
		return nil, 0, fmt.Errorf("offset cannot be negative: %d", opts.Offset)
	}

	where, args := buildRunWhere(opts)

	var total int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `
		SELECT id, workflow_id, workflow_name, connector, action,
		       scheduled_for, started_at, completed_at, status, detail
		FROM runs` + where + `
		ORDER BY started_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]Run, 0)
	for rows.Next() {
		var (
			run         Run
			status      string
			completedAt sql.NullTime
			detail      sql.NullString
		)
		if err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.WorkflowName, &run.Connector, &run.Action,
			&run.ScheduledFor, &run.StartedAt, &completedAt, &status, &detail,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = RunStatus(status)
		if completedAt.Valid {
			run.CompletedAt = completedAt.Time
		}
		run.Detail = detail.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, total, nil
}

func buildRunWhere(opts RunListOptions) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if opts.WorkflowID != "" {
		conditions = append(conditions, "workflow_id = ?")
		args = append(args, opts.WorkflowID)
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
