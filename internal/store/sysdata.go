package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"buildhub/internal/models"
)

// InsertLogMessage persists an operator-facing scheduler message.
func (q *Queries) InsertLogMessage(ctx context.Context, msg string, taskID, hostID *int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO scheduler_log_messages (msg, task_id, host_id) VALUES ($1, $2, $3)
	`, msg, taskID, hostID)
	if err != nil {
		return fmt.Errorf("insert log message: %w", err)
	}
	return nil
}

// LogMessages reads back persisted scheduler messages, newest last.
func (q *Queries) LogMessages(ctx context.Context, taskID, hostID *int64, limit int) ([]models.LogMessage, error) {
	sql := `SELECT id, task_id, host_id, msg, msg_time FROM scheduler_log_messages`
	args := []any{}
	where := ""
	if taskID != nil {
		args = append(args, *taskID)
		where = fmt.Sprintf(" WHERE task_id = $%d", len(args))
	}
	if hostID != nil {
		args = append(args, *hostID)
		if where == "" {
			where = fmt.Sprintf(" WHERE host_id = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND host_id = $%d", len(args))
		}
	}
	args = append(args, limit)
	sql += where + fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query log messages: %w", err)
	}
	defer rows.Close()
	var out []models.LogMessage
	for rows.Next() {
		var m models.LogMessage
		if err := rows.Scan(&m.ID, &m.TaskID, &m.HostID, &m.Msg, &m.Time); err != nil {
			return nil, fmt.Errorf("scan log message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSysData reads a named scheduler bookkeeping value.
func (q *Queries) GetSysData(ctx context.Context, name string) (string, bool, error) {
	var data string
	err := q.db.QueryRow(ctx, `SELECT data FROM scheduler_sys_data WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query sys data %s: %w", name, err)
	}
	return data, true, nil
}

// SetSysData upserts a named scheduler bookkeeping value.
func (q *Queries) SetSysData(ctx context.Context, name, data string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO scheduler_sys_data (name, data) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data
	`, name, data)
	if err != nil {
		return fmt.Errorf("upsert sys data %s: %w", name, err)
	}
	return nil
}
