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

// SchedulableHosts queries enabled hosts with their channel membership
// and free-form scheduler data attached.
func (q *Queries) SchedulableHosts(ctx context.Context) ([]models.Host, error) {
	rows, err := q.db.Query(ctx, `
		SELECT host.id, host.name, host.update_time, host.task_load, host.ready,
		       host.arches, host.capacity, host.enabled, scheduler_host_data.data
		FROM host
		LEFT JOIN scheduler_host_data ON host.id = scheduler_host_data.host_id
		WHERE host.enabled IS TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []models.Host
	byID := map[int64]int{}
	for rows.Next() {
		var h models.Host
		var update pgtype.Timestamptz
		var data []byte
		if err := rows.Scan(&h.ID, &h.Name, &update, &h.TaskLoad, &h.Ready,
			&h.Arches, &h.Capacity, &h.Enabled, &data); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		if update.Valid {
			h.UpdateTS = &update.Time
		}
		if data != nil {
			if err := json.Unmarshal(data, &h.Data); err != nil {
				return nil, fmt.Errorf("decode host %d data: %w", h.ID, err)
			}
		}
		byID[h.ID] = len(hosts)
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// channel membership in a second query, indexed by host
	chanRows, err := q.db.Query(ctx, `
		SELECT host_channels.host_id, host_channels.channel_id
		FROM host_channels
		JOIN channels ON host_channels.channel_id = channels.id
		WHERE channels.enabled IS TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("query host channels: %w", err)
	}
	defer chanRows.Close()
	for chanRows.Next() {
		var hostID, chanID int64
		if err := chanRows.Scan(&hostID, &chanID); err != nil {
			return nil, fmt.Errorf("scan host channel: %w", err)
		}
		if i, ok := byID[hostID]; ok {
			hosts[i].Channels = append(hosts[i].Channels, chanID)
		}
	}
	return hosts, chanRows.Err()
}

// GetHost fetches one host row.
func (q *Queries) GetHost(ctx context.Context, id int64) (models.Host, error) {
	var h models.Host
	var update pgtype.Timestamptz
	err := q.db.QueryRow(ctx, `
		SELECT id, name, update_time, task_load, ready, arches, capacity, enabled
		FROM host WHERE id = $1
	`, id).Scan(&h.ID, &h.Name, &update, &h.TaskLoad, &h.Ready, &h.Arches, &h.Capacity, &h.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Host{}, fmt.Errorf("%w: host %d", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Host{}, fmt.Errorf("query host %d: %w", id, err)
	}
	if update.Valid {
		h.UpdateTS = &update.Time
	}
	return h, nil
}

// MarkHostsNotReady clears the ready flag for hosts that stopped
// checking in.
func (q *Queries) MarkHostsNotReady(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `UPDATE host SET ready = FALSE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark hosts not ready: %w", err)
	}
	return nil
}

// GetHostData returns the free-form scheduler data for one host, or for
// all hosts when hostID is nil.
func (q *Queries) GetHostData(ctx context.Context, hostID *int64) ([]models.HostData, error) {
	sql := `SELECT host_id, data FROM scheduler_host_data`
	args := []any{}
	if hostID != nil {
		sql += ` WHERE host_id = $1`
		args = append(args, *hostID)
	}
	sql += ` ORDER BY host_id`
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query host data: %w", err)
	}
	defer rows.Close()
	var out []models.HostData
	for rows.Next() {
		var hd models.HostData
		var data []byte
		if err := rows.Scan(&hd.HostID, &data); err != nil {
			return nil, fmt.Errorf("scan host data: %w", err)
		}
		if data != nil {
			if err := json.Unmarshal(data, &hd.Data); err != nil {
				return nil, fmt.Errorf("decode host data: %w", err)
			}
		}
		out = append(out, hd)
	}
	return out, rows.Err()
}

// SetHostData upserts the free-form scheduler data for a host.
func (q *Queries) SetHostData(ctx context.Context, hostID int64, data map[string]any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal host data: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO scheduler_host_data (host_id, data) VALUES ($1, $2)
		ON CONFLICT (host_id) DO UPDATE SET data = EXCLUDED.data
	`, hostID, blob)
	if err != nil {
		return fmt.Errorf("upsert host data: %w", err)
	}
	return nil
}
