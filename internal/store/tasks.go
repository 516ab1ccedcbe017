package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"buildhub/internal/models"
)

const taskCols = `id, state, create_time, start_time, completion_time, channel_id,
	host_id, parent, label, waiting, awaited, owner, method, arch, priority, weight`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var start, completion pgtype.Timestamptz
	var host, parent pgtype.Int8
	var label pgtype.Text
	err := row.Scan(&t.ID, &t.State, &t.CreateTime, &start, &completion, &t.ChannelID,
		&host, &parent, &label, &t.Waiting, &t.Awaited, &t.Owner, &t.Method, &t.Arch,
		&t.Priority, &t.Weight)
	if err != nil {
		return models.Task{}, err
	}
	if start.Valid {
		t.StartTime = &start.Time
	}
	if completion.Valid {
		t.CompletionTime = &completion.Time
	}
	if host.Valid {
		t.HostID = &host.Int64
	}
	if parent.Valid {
		t.Parent = &parent.Int64
	}
	if label.Valid {
		t.Label = &label.String
	}
	return t, nil
}

// GetTask fetches a task row by id. The request payload is not included;
// use GetTaskRequestRaw for that.
func (q *Queries) GetTask(ctx context.Context, id int64) (models.Task, error) {
	row := q.db.QueryRow(ctx, `SELECT `+taskCols+` FROM task WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("%w: task %d", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// GetTaskRequestRaw returns the stored request payload as-is.
func (q *Queries) GetTaskRequestRaw(ctx context.Context, id int64) (string, error) {
	var req pgtype.Text
	err := q.db.QueryRow(ctx, `SELECT request FROM task WHERE id = $1`, id).Scan(&req)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: task %d", models.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("query task request: %w", err)
	}
	return req.String, nil
}

// GetTaskStateResult returns the state and raw result payload together.
func (q *Queries) GetTaskStateResult(ctx context.Context, id int64) (models.TaskState, string, error) {
	var state models.TaskState
	var result pgtype.Text
	err := q.db.QueryRow(ctx, `SELECT state, result FROM task WHERE id = $1`, id).Scan(&state, &result)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", fmt.Errorf("%w: task %d", models.ErrNotFound, id)
	}
	if err != nil {
		return 0, "", fmt.Errorf("query task result: %w", err)
	}
	return state, result.String, nil
}

// TaskStateHost reads (state, host_id). With rowlock set it takes a row
// lock so no concurrent transaction can alter the row until we commit.
func (q *Queries) TaskStateHost(ctx context.Context, id int64, rowlock bool) (models.TaskState, *int64, error) {
	sql := `SELECT state, host_id FROM task WHERE id = $1`
	if rowlock {
		sql += ` FOR UPDATE`
	}
	var state models.TaskState
	var host pgtype.Int8
	err := q.db.QueryRow(ctx, sql, id).Scan(&state, &host)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("%w: task %d", models.ErrNotFound, id)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("query task state: %w", err)
	}
	if host.Valid {
		return state, &host.Int64, nil
	}
	return state, nil, nil
}

// TaskParentLocked reads the parent pointer under a row lock.
func (q *Queries) TaskParentLocked(ctx context.Context, id int64) (*int64, error) {
	var parent pgtype.Int8
	err := q.db.QueryRow(ctx, `SELECT parent FROM task WHERE id = $1 FOR UPDATE`, id).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %d", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task parent: %w", err)
	}
	if parent.Valid {
		return &parent.Int64, nil
	}
	return nil, nil
}

// SetTaskStateHost updates state and host_id, stamping start_time when a
// task transitions to OPEN.
func (q *Queries) SetTaskStateHost(ctx context.Context, id int64, state models.TaskState, host *int64) error {
	var err error
	if state == models.TaskOpen {
		_, err = q.db.Exec(ctx, `
			UPDATE task SET state = $2, host_id = $3, start_time = NOW() WHERE id = $1
		`, id, state, host)
	} else {
		_, err = q.db.Exec(ctx, `
			UPDATE task SET state = $2, host_id = $3 WHERE id = $1
		`, id, state, host)
	}
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	return nil
}

// CloseTask writes the result payload, terminal state and completion time.
func (q *Queries) CloseTask(ctx context.Context, id int64, state models.TaskState, result string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE task SET state = $2, result = $3, completion_time = NOW() WHERE id = $1
	`, id, state, result)
	if err != nil {
		return fmt.Errorf("close task %d: %w", id, err)
	}
	return nil
}

// CancelTaskRow marks a task canceled with a completion time.
func (q *Queries) CancelTaskRow(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE task SET state = $2, completion_time = NOW() WHERE id = $1
	`, id, models.TaskCanceled)
	if err != nil {
		return fmt.Errorf("cancel task %d: %w", id, err)
	}
	return nil
}

func (q *Queries) SetTaskWeight(ctx context.Context, id int64, weight float64) error {
	_, err := q.db.Exec(ctx, `UPDATE task SET weight = $2 WHERE id = $1`, id, weight)
	if err != nil {
		return fmt.Errorf("set task %d weight: %w", id, err)
	}
	return nil
}

func (q *Queries) SetTaskPriority(ctx context.Context, id int64, priority int) error {
	_, err := q.db.Exec(ctx, `UPDATE task SET priority = $2 WHERE id = $1`, id, priority)
	if err != nil {
		return fmt.Errorf("set task %d priority: %w", id, err)
	}
	return nil
}

// ChildTaskIDs lists direct children of a task.
func (q *Queries) ChildTaskIDs(ctx context.Context, parent int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM task WHERE parent = $1 ORDER BY id`, parent)
	if err != nil {
		return nil, fmt.Errorf("query children of task %d: %w", parent, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChildTasks returns full rows for direct children.
func (q *Queries) ChildTasks(ctx context.Context, parent int64) ([]models.Task, error) {
	rows, err := q.db.Query(ctx, `SELECT `+taskCols+` FROM task WHERE parent = $1 ORDER BY id`, parent)
	if err != nil {
		return nil, fmt.Errorf("query children of task %d: %w", parent, err)
	}
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskOwner returns the owning user id.
func (q *Queries) TaskOwner(ctx context.Context, id int64) (int64, error) {
	var owner int64
	err := q.db.QueryRow(ctx, `SELECT owner FROM task WHERE id = $1 FOR UPDATE`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: task %d", models.ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("query task owner: %w", err)
	}
	return owner, nil
}

// BuildingBuildIDs lists builds for the task still in BUILDING state,
// locking the rows so a concurrent completion cannot race the cancel.
func (q *Queries) BuildingBuildIDs(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id FROM build WHERE task_id = $1 AND state = $2 FOR UPDATE
	`, taskID, models.BuildBuilding)
	if err != nil {
		return nil, fmt.Errorf("query builds for task %d: %w", taskID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan build id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelBuild cancels a build row without touching its task.
func (q *Queries) CancelBuild(ctx context.Context, buildID int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE build SET state = $2, completion_time = NOW() WHERE id = $1 AND state = $3
	`, buildID, models.BuildCanceled, models.BuildBuilding)
	if err != nil {
		return fmt.Errorf("cancel build %d: %w", buildID, err)
	}
	return nil
}

// ActiveTasks returns tasks in ASSIGNED or OPEN with a host set.
func (q *Queries) ActiveTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+taskCols+` FROM task
		WHERE state IN ($1, $2) AND host_id IS NOT NULL
	`, models.TaskAssigned, models.TaskOpen)
	if err != nil {
		return nil, fmt.Errorf("query active tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// FreeTasks returns up to limit free tasks in scheduling order: lower
// priority numbers first, then earlier creation.
func (q *Queries) FreeTasks(ctx context.Context, limit int) ([]models.Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+taskCols+` FROM task
		WHERE state = $1
		ORDER BY priority, create_time
		LIMIT $2
	`, models.TaskFree, limit)
	if err != nil {
		return nil, fmt.Errorf("query free tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TasksForHost lists tasks assigned to a host in scheduling order.
func (q *Queries) TasksForHost(ctx context.Context, hostID int64) ([]models.Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+taskCols+` FROM task
		WHERE host_id = $1 AND state = $2
		ORDER BY priority, create_time
	`, hostID, models.TaskAssigned)
	if err != nil {
		return nil, fmt.Errorf("query tasks for host %d: %w", hostID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// InsertTask creates a new FREE task and returns its id. Task creation
// is mostly the business of other subsystems; the repo queue uses this
// to spawn generation tasks.
func (q *Queries) InsertTask(ctx context.Context, method string, request json.RawMessage, owner, channelID int64, priority int, arch string) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO task (state, channel_id, owner, method, arch, priority, weight, request)
		VALUES ($1, $2, $3, $4, $5, $6, 1.0, $7)
		RETURNING id
	`, models.TaskFree, channelID, owner, method, arch, priority, string(request)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}
