package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"buildhub/internal/models"
)

// TagLastChangeEvent returns the most recent event at which the tag
// changed, or nil if the tag has no recorded changes.
func (q *Queries) TagLastChangeEvent(ctx context.Context, tagID int64) (*int64, error) {
	var ev pgtype.Int8
	err := q.db.QueryRow(ctx, `
		SELECT MAX(event_id) FROM tag_changes WHERE tag_id = $1
	`, tagID).Scan(&ev)
	if err != nil {
		return nil, fmt.Errorf("query last change event for tag %d: %w", tagID, err)
	}
	if !ev.Valid {
		return nil, nil
	}
	return &ev.Int64, nil
}

// TagFirstChangeEvent returns the first change event for the tag, or the
// first one after the given event when after is non-nil.
func (q *Queries) TagFirstChangeEvent(ctx context.Context, tagID int64, after *int64) (*int64, error) {
	var ev pgtype.Int8
	var err error
	if after != nil {
		err = q.db.QueryRow(ctx, `
			SELECT MIN(event_id) FROM tag_changes WHERE tag_id = $1 AND event_id > $2
		`, tagID, *after).Scan(&ev)
	} else {
		err = q.db.QueryRow(ctx, `
			SELECT MIN(event_id) FROM tag_changes WHERE tag_id = $1
		`, tagID).Scan(&ev)
	}
	if err != nil {
		return nil, fmt.Errorf("query first change event for tag %d: %w", tagID, err)
	}
	if !ev.Valid {
		return nil, nil
	}
	return &ev.Int64, nil
}

// LastEventBefore returns the newest event at or before the timestamp.
func (q *Queries) LastEventBefore(ctx context.Context, ts time.Time) (*int64, error) {
	var ev pgtype.Int8
	err := q.db.QueryRow(ctx, `
		SELECT MAX(id) FROM events WHERE time <= $1
	`, ts).Scan(&ev)
	if err != nil {
		return nil, fmt.Errorf("query last event before %s: %w", ts, err)
	}
	if !ev.Valid {
		return nil, nil
	}
	return &ev.Int64, nil
}

// EventExists reports whether an event id is known.
func (q *Queries) EventExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query event %d: %w", id, err)
	}
	return exists, nil
}

// GetTag fetches a tag with its extra config decoded.
func (q *Queries) GetTag(ctx context.Context, id int64) (models.Tag, error) {
	var t models.Tag
	err := q.db.QueryRow(ctx, `SELECT id, name FROM tag WHERE id = $1`, id).Scan(&t.ID, &t.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tag{}, fmt.Errorf("%w: tag %d", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Tag{}, fmt.Errorf("query tag %d: %w", id, err)
	}
	t.Extra, err = q.tagExtra(ctx, id)
	if err != nil {
		return models.Tag{}, err
	}
	return t, nil
}

func (q *Queries) tagExtra(ctx context.Context, tagID int64) (map[string]any, error) {
	rows, err := q.db.Query(ctx, `
		SELECT key, value FROM tag_extra WHERE tag_id = $1 AND active IS TRUE
	`, tagID)
	if err != nil {
		return nil, fmt.Errorf("query tag %d extra: %w", tagID, err)
	}
	defer rows.Close()
	extra := map[string]any{}
	for rows.Next() {
		var key string
		var raw pgtype.Text
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan tag extra: %w", err)
		}
		if !raw.Valid {
			// blocked entry
			continue
		}
		var val any
		if err := json.Unmarshal([]byte(raw.String), &val); err != nil {
			// tag_extra values are free text; skip anything that isn't json
			continue
		}
		extra[key] = val
	}
	return extra, rows.Err()
}

// AutoRepoConfig is the per-tag automatic regeneration config gathered
// from tag_extra.
type AutoRepoConfig struct {
	TagID int64
	Auto  bool
	Lag   *time.Duration
}

// AutoRepoTagConfigs collects repo.auto / repo.lag settings across tags.
func (q *Queries) AutoRepoTagConfigs(ctx context.Context) ([]AutoRepoConfig, error) {
	rows, err := q.db.Query(ctx, `
		SELECT tag_id, key, value FROM tag_extra
		WHERE key IN ('repo.auto', 'repo.lag') AND active IS TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("query auto repo configs: %w", err)
	}
	defer rows.Close()

	byTag := map[int64]*AutoRepoConfig{}
	var order []int64
	for rows.Next() {
		var tagID int64
		var key string
		var raw pgtype.Text
		if err := rows.Scan(&tagID, &key, &raw); err != nil {
			return nil, fmt.Errorf("scan auto repo config: %w", err)
		}
		if !raw.Valid {
			continue
		}
		var val any
		if err := json.Unmarshal([]byte(raw.String), &val); err != nil {
			continue
		}
		cfg := byTag[tagID]
		if cfg == nil {
			cfg = &AutoRepoConfig{TagID: tagID}
			byTag[tagID] = cfg
			order = append(order, tagID)
		}
		switch key {
		case "repo.auto":
			if b, ok := val.(bool); ok {
				cfg.Auto = b
			}
		case "repo.lag":
			if secs, ok := val.(float64); ok && secs == float64(int64(secs)) {
				lag := time.Duration(secs) * time.Second
				cfg.Lag = &lag
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]AutoRepoConfig, 0, len(order))
	for _, id := range order {
		out = append(out, *byTag[id])
	}
	return out, nil
}

// UserID resolves a user name to its id.
func (q *Queries) UserID(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	err := q.db.QueryRow(ctx, `SELECT id FROM users WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query user %s: %w", name, err)
	}
	return id, true, nil
}

// ChannelID resolves a channel name to its id.
func (q *Queries) ChannelID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `SELECT id FROM channels WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: channel %s", models.ErrNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("query channel %s: %w", name, err)
	}
	return id, nil
}

// GetExternalRepoData returns the active tracking blob for an external repo.
func (q *Queries) GetExternalRepoData(ctx context.Context, externalRepoID int64) (map[string]any, error) {
	var raw []byte
	err := q.db.QueryRow(ctx, `
		SELECT data FROM external_repo_data
		WHERE external_repo_id = $1 AND active IS TRUE
	`, externalRepoID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query external repo data: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode external repo data: %w", err)
	}
	return data, nil
}

// SetExternalRepoData revokes the active entry and appends a fresh one,
// keeping the audit-style history of the table intact.
func (q *Queries) SetExternalRepoData(ctx context.Context, externalRepoID, userID int64, data map[string]any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal external repo data: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		UPDATE external_repo_data
		SET active = FALSE, revoke_event = nextval('events_id_seq'), revoker_id = $2
		WHERE external_repo_id = $1 AND active IS TRUE
	`, externalRepoID, userID)
	if err != nil {
		return fmt.Errorf("revoke external repo data: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO external_repo_data (external_repo_id, data, active, create_event, creator_id)
		VALUES ($1, $2, TRUE, nextval('events_id_seq'), $3)
	`, externalRepoID, blob, userID)
	if err != nil {
		return fmt.Errorf("insert external repo data: %w", err)
	}
	return nil
}
