package store

import (
	"context"
	"fmt"

	"buildhub/internal/models"
)

// UpsertRefusal records (or refreshes) a refusal for a task/host pair.
func (q *Queries) UpsertRefusal(ctx context.Context, taskID, hostID int64, soft, byHost bool, msg string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO scheduler_task_refusals (task_id, host_id, soft, by_host, msg)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, host_id)
		DO UPDATE SET soft = EXCLUDED.soft, by_host = EXCLUDED.by_host,
		              msg = EXCLUDED.msg, time = NOW()
	`, taskID, hostID, soft, byHost, msg)
	if err != nil {
		return fmt.Errorf("upsert refusal: %w", err)
	}
	return nil
}

// ListRefusals returns refusals joined with the task state so the
// scheduler can drop entries for finished tasks.
func (q *Queries) ListRefusals(ctx context.Context) ([]models.TaskRefusal, error) {
	rows, err := q.db.Query(ctx, `
		SELECT r.id, r.task_id, r.host_id, r.soft, r.by_host, r.msg, r.time, task.state
		FROM scheduler_task_refusals r
		JOIN task ON r.task_id = task.id
		ORDER BY r.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query refusals: %w", err)
	}
	defer rows.Close()
	var out []models.TaskRefusal
	for rows.Next() {
		var r models.TaskRefusal
		if err := rows.Scan(&r.ID, &r.TaskID, &r.HostID, &r.Soft, &r.ByHost, &r.Msg, &r.Time, &r.TaskState); err != nil {
			return nil, fmt.Errorf("scan refusal: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRefusals drops stale refusal rows.
func (q *Queries) DeleteRefusals(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `DELETE FROM scheduler_task_refusals WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete refusals: %w", err)
	}
	return nil
}
