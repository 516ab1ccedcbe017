package store

import (
	"context"
	"fmt"

	"buildhub/internal/models"
)

// ActiveRuns returns all task runs still marked active.
func (q *Queries) ActiveRuns(ctx context.Context) ([]models.TaskRun, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, task_id, host_id, active, create_time
		FROM scheduler_task_runs WHERE active IS TRUE ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer rows.Close()
	var runs []models.TaskRun
	for rows.Next() {
		var r models.TaskRun
		if err := rows.Scan(&r.ID, &r.TaskID, &r.HostID, &r.Active, &r.CreateTime); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TaskRuns lists runs, optionally filtered, for introspection.
func (q *Queries) TaskRuns(ctx context.Context, taskID, hostID *int64, limit int) ([]models.TaskRun, error) {
	sql := `SELECT id, task_id, host_id, active, create_time FROM scheduler_task_runs`
	args := []any{}
	clauses := ""
	if taskID != nil {
		args = append(args, *taskID)
		clauses = fmt.Sprintf(" WHERE task_id = $%d", len(args))
	}
	if hostID != nil {
		args = append(args, *hostID)
		if clauses == "" {
			clauses = fmt.Sprintf(" WHERE host_id = $%d", len(args))
		} else {
			clauses += fmt.Sprintf(" AND host_id = $%d", len(args))
		}
	}
	args = append(args, limit)
	sql += clauses + fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query task runs: %w", err)
	}
	defer rows.Close()
	var runs []models.TaskRun
	for rows.Next() {
		var r models.TaskRun
		if err := rows.Scan(&r.ID, &r.TaskID, &r.HostID, &r.Active, &r.CreateTime); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeactivateRunsForTask supersedes any prior runs before a new assignment.
func (q *Queries) DeactivateRunsForTask(ctx context.Context, taskID int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE scheduler_task_runs SET active = FALSE WHERE task_id = $1 AND active IS TRUE
	`, taskID)
	if err != nil {
		return fmt.Errorf("deactivate runs for task %d: %w", taskID, err)
	}
	return nil
}

// InsertRun records a new active run for an assignment.
func (q *Queries) InsertRun(ctx context.Context, taskID, hostID int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO scheduler_task_runs (task_id, host_id, active) VALUES ($1, $2, TRUE)
	`, taskID, hostID)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// DeactivateStaleRuns garbage-collects runs whose task has left the
// OPEN/ASSIGNED states. Returns how many were deactivated.
func (q *Queries) DeactivateStaleRuns(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE scheduler_task_runs SET active = FALSE
		WHERE active IS TRUE
		  AND (SELECT id FROM task WHERE task.id = task_id AND state IN ($1, $2)) IS NULL
	`, models.TaskOpen, models.TaskAssigned)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
