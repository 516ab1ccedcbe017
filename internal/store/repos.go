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

const repoCols = `repo.id, repo.tag_id, repo.create_event, repo.end_event, repo.state,
	repo.dist, repo.task_id, repo.opts, repo.custom_opts, repo.creation_time, tag.name`

func scanRepo(row pgx.Row) (models.Repo, error) {
	var r models.Repo
	var endEvent, taskID pgtype.Int8
	var opts, custom []byte
	err := row.Scan(&r.ID, &r.TagID, &r.CreateEvent, &endEvent, &r.State, &r.Dist,
		&taskID, &opts, &custom, &r.CreationTime, &r.TagName)
	if err != nil {
		return models.Repo{}, err
	}
	if endEvent.Valid {
		r.EndEvent = &endEvent.Int64
	}
	if taskID.Valid {
		r.TaskID = &taskID.Int64
	}
	if opts != nil {
		if err := json.Unmarshal(opts, &r.Opts); err != nil {
			return models.Repo{}, fmt.Errorf("decode repo opts: %w", err)
		}
	}
	if custom != nil {
		if err := json.Unmarshal(custom, &r.CustomOpts); err != nil {
			return models.Repo{}, fmt.Errorf("decode repo custom opts: %w", err)
		}
	}
	return r, nil
}

// GetRepo fetches one repo row with its tag name.
func (q *Queries) GetRepo(ctx context.Context, id int64) (models.Repo, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+repoCols+` FROM repo JOIN tag ON repo.tag_id = tag.id WHERE repo.id = $1
	`, id)
	r, err := scanRepo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Repo{}, fmt.Errorf("%w: repo %d", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Repo{}, fmt.Errorf("query repo %d: %w", id, err)
	}
	return r, nil
}

// FindReadyRepo returns the best READY repo for a tag satisfying the
// event constraint and the two-sided opts containment: the repo carries
// every requested opt, and any custom opt on the repo was requested.
func (q *Queries) FindReadyRepo(ctx context.Context, tagID int64, minEvent, atEvent *int64, opts models.RepoOpts) (*models.Repo, error) {
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal opts: %w", err)
	}
	sql := `
		SELECT ` + repoCols + ` FROM repo JOIN tag ON repo.tag_id = tag.id
		WHERE repo.tag_id = $1 AND repo.dist IS FALSE AND repo.state = $2
		  AND repo.opts @> $3 AND repo.custom_opts <@ $3`
	args := []any{tagID, models.RepoReady, optsJSON}
	if atEvent != nil {
		args = append(args, *atEvent)
		sql += fmt.Sprintf(" AND repo.create_event = $%d", len(args))
	} else if minEvent != nil {
		args = append(args, *minEvent)
		sql += fmt.Sprintf(" AND repo.create_event >= $%d", len(args))
	}
	sql += ` ORDER BY repo.create_event DESC LIMIT 1`

	row := q.db.QueryRow(ctx, sql, args...)
	r, err := scanRepo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ready repo: %w", err)
	}
	return &r, nil
}

// CountNewerRepos counts READY repos for the same tag newer than the
// given event. Used to decide whether a repo is still "latest". For
// non-dist repos only default-opts repos count.
func (q *Queries) CountNewerRepos(ctx context.Context, tagID, createEvent int64, dist bool) (int64, error) {
	sql := `
		SELECT COUNT(*) FROM repo
		WHERE tag_id = $1 AND state = $2 AND create_event > $3`
	if dist {
		sql += ` AND dist IS TRUE`
	} else {
		sql += ` AND custom_opts = '{}'::jsonb`
	}
	var n int64
	if err := q.db.QueryRow(ctx, sql, tagID, models.RepoReady, createEvent).Scan(&n); err != nil {
		return 0, fmt.Errorf("count newer repos: %w", err)
	}
	return n, nil
}

// ReposMissingEndEvent lists READY repos without an end event yet.
func (q *Queries) ReposMissingEndEvent(ctx context.Context) ([]models.Repo, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, tag_id, create_event FROM repo
		WHERE end_event IS NULL AND state = $1 ORDER BY id
	`, models.RepoReady)
	if err != nil {
		return nil, fmt.Errorf("query repos missing end event: %w", err)
	}
	defer rows.Close()
	var out []models.Repo
	for rows.Next() {
		var r models.Repo
		if err := rows.Scan(&r.ID, &r.TagID, &r.CreateEvent); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRepoEndEvent records the event that invalidated a repo.
func (q *Queries) SetRepoEndEvent(ctx context.Context, repoID, endEvent int64) error {
	_, err := q.db.Exec(ctx, `UPDATE repo SET end_event = $2 WHERE id = $1`, repoID, endEvent)
	if err != nil {
		return fmt.Errorf("set repo %d end event: %w", repoID, err)
	}
	return nil
}

// SetRepoState updates a repo's state and state time.
func (q *Queries) SetRepoState(ctx context.Context, repoID int64, state models.RepoState) error {
	_, err := q.db.Exec(ctx, `
		UPDATE repo SET state = $2, state_time = NOW() WHERE id = $1
	`, repoID, state)
	if err != nil {
		return fmt.Errorf("set repo %d state: %w", repoID, err)
	}
	return nil
}

// QueryRepos is the filtered listing behind the repo query endpoint.
func (q *Queries) QueryRepos(ctx context.Context, tagID *int64, state *models.RepoState, limit int) ([]models.Repo, error) {
	sql := `SELECT ` + repoCols + ` FROM repo JOIN tag ON repo.tag_id = tag.id`
	args := []any{}
	where := ""
	if tagID != nil {
		args = append(args, *tagID)
		where = fmt.Sprintf(" WHERE repo.tag_id = $%d", len(args))
	}
	if state != nil {
		args = append(args, *state)
		if where == "" {
			where = fmt.Sprintf(" WHERE repo.state = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND repo.state = $%d", len(args))
		}
	}
	args = append(args, limit)
	sql += where + fmt.Sprintf(" ORDER BY repo.id DESC LIMIT $%d", len(args))
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()
	var out []models.Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const requestCols = `repo_queue.id, repo_queue.create_time, repo_queue.update_time,
	repo_queue.owner, repo_queue.priority, repo_queue.tag_id, repo_queue.at_event,
	repo_queue.min_event, repo_queue.opts, repo_queue.active, repo_queue.task_id,
	repo_queue.tries, repo_queue.repo_id, tag.name, task.state`

const requestJoins = ` FROM repo_queue
	JOIN tag ON repo_queue.tag_id = tag.id
	LEFT JOIN task ON repo_queue.task_id = task.id`

func scanRequest(row pgx.Row) (models.RepoRequest, error) {
	var r models.RepoRequest
	var atEvent, minEvent, taskID, repoID pgtype.Int8
	var taskState pgtype.Int4
	var opts []byte
	err := row.Scan(&r.ID, &r.CreateTime, &r.UpdateTime, &r.Owner, &r.Priority, &r.TagID,
		&atEvent, &minEvent, &opts, &r.Active, &taskID, &r.Tries, &repoID, &r.TagName, &taskState)
	if err != nil {
		return models.RepoRequest{}, err
	}
	if atEvent.Valid {
		r.AtEvent = &atEvent.Int64
	}
	if minEvent.Valid {
		r.MinEvent = &minEvent.Int64
	}
	if taskID.Valid {
		r.TaskID = &taskID.Int64
	}
	if repoID.Valid {
		r.RepoID = &repoID.Int64
	}
	if taskState.Valid {
		st := models.TaskState(taskState.Int32)
		r.TaskState = &st
	}
	if opts != nil {
		if err := json.Unmarshal(opts, &r.Opts); err != nil {
			return models.RepoRequest{}, fmt.Errorf("decode request opts: %w", err)
		}
	}
	return r, nil
}

func collectRequests(rows pgx.Rows) ([]models.RepoRequest, error) {
	var out []models.RepoRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repo request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRequest fetches one repo request.
func (q *Queries) GetRequest(ctx context.Context, id int64) (models.RepoRequest, error) {
	row := q.db.QueryRow(ctx, `SELECT `+requestCols+requestJoins+` WHERE repo_queue.id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RepoRequest{}, fmt.Errorf("%w: repo request %d", models.ErrNotFound, id)
	}
	if err != nil {
		return models.RepoRequest{}, fmt.Errorf("query repo request %d: %w", id, err)
	}
	return r, nil
}

// WaitingRequests returns active requests without a repo yet, in queue
// order (priority, then id).
func (q *Queries) WaitingRequests(ctx context.Context) ([]models.RepoRequest, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+requestCols+requestJoins+`
		WHERE repo_queue.active IS TRUE AND repo_queue.repo_id IS NULL
		ORDER BY repo_queue.priority, repo_queue.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query waiting requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// DuplicateRequests finds active requests with the exact same tag and
// opts and a compatible event constraint, in queue order.
func (q *Queries) DuplicateRequests(ctx context.Context, tagID int64, opts models.RepoOpts, minEvent, atEvent *int64) ([]models.RepoRequest, error) {
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal opts: %w", err)
	}
	sql := `
		SELECT ` + requestCols + requestJoins + `
		WHERE repo_queue.tag_id = $1 AND repo_queue.active IS TRUE AND repo_queue.opts = $2`
	args := []any{tagID, optsJSON}
	if atEvent != nil {
		args = append(args, *atEvent)
		sql += fmt.Sprintf(" AND repo_queue.at_event = $%d", len(args))
	} else if minEvent != nil {
		args = append(args, *minEvent)
		sql += fmt.Sprintf(" AND repo_queue.min_event >= $%d", len(args))
	}
	sql += ` ORDER BY repo_queue.priority, repo_queue.id`
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query duplicate requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// InsertRequest creates a repo_queue row under a pre-allocated id.
func (q *Queries) InsertRequest(ctx context.Context, id, owner int64, priority int, tagID int64, atEvent, minEvent *int64, opts models.RepoOpts) error {
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("marshal opts: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO repo_queue (id, owner, priority, tag_id, at_event, min_event, opts, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
	`, id, owner, priority, tagID, atEvent, minEvent, optsJSON)
	if err != nil {
		return fmt.Errorf("insert repo request: %w", err)
	}
	return nil
}

// RequestUpdate is the accumulated per-request mutation applied by the
// queue-check pass. Only fields with the matching Set flag are written.
type RequestUpdate struct {
	SetTaskID bool
	TaskID    *int64 // nil clears the task so it can be rescheduled
	SetTries  bool
	Tries     int
	SetActive bool
	Active    bool
	SetRepoID bool
	RepoID    int64
}

// Empty reports whether the update would write nothing.
func (u RequestUpdate) Empty() bool {
	return !u.SetTaskID && !u.SetTries && !u.SetActive && !u.SetRepoID
}

// ApplyRequestUpdate writes one accumulated update, bumping update_time.
func (q *Queries) ApplyRequestUpdate(ctx context.Context, id int64, upd RequestUpdate) error {
	sets := "update_time = NOW()"
	args := []any{id}
	if upd.SetTaskID {
		args = append(args, upd.TaskID)
		sets += fmt.Sprintf(", task_id = $%d", len(args))
	}
	if upd.SetTries {
		args = append(args, upd.Tries)
		sets += fmt.Sprintf(", tries = $%d", len(args))
	}
	if upd.SetActive {
		args = append(args, upd.Active)
		sets += fmt.Sprintf(", active = $%d", len(args))
	}
	if upd.SetRepoID {
		args = append(args, upd.RepoID)
		sets += fmt.Sprintf(", repo_id = $%d", len(args))
	}
	_, err := q.db.Exec(ctx, `UPDATE repo_queue SET `+sets+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update repo request %d: %w", id, err)
	}
	return nil
}

// SetRequestPriority updates a request's priority.
func (q *Queries) SetRequestPriority(ctx context.Context, id int64, priority int) error {
	_, err := q.db.Exec(ctx, `UPDATE repo_queue SET priority = $2 WHERE id = $1`, id, priority)
	if err != nil {
		return fmt.Errorf("set request %d priority: %w", id, err)
	}
	return nil
}

// MatchRequestIDsForRepo finds active, repo-less requests for the repo's
// tag satisfied by its opts: the repo has every opt the request asked
// for, and every custom opt on the repo was requested. The event match
// is a union of the min-event floor and the exact at-event forms.
func (q *Queries) MatchRequestIDsForRepo(ctx context.Context, repo models.Repo) ([]int64, error) {
	optsJSON, err := json.Marshal(repo.Opts)
	if err != nil {
		return nil, fmt.Errorf("marshal repo opts: %w", err)
	}
	customJSON, err := json.Marshal(repo.CustomOpts)
	if err != nil {
		return nil, fmt.Errorf("marshal repo custom opts: %w", err)
	}

	base := `
		SELECT id FROM repo_queue
		WHERE tag_id = $1 AND active IS TRUE AND repo_id IS NULL
		  AND opts <@ $2 AND opts @> $3`
	var ids []int64
	for _, clause := range []string{` AND min_event <= $4`, ` AND at_event = $4`} {
		rows, err := q.db.Query(ctx, base+clause+` ORDER BY id`,
			repo.TagID, optsJSON, customJSON, repo.CreateEvent)
		if err != nil {
			return nil, fmt.Errorf("query matching requests: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan request id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return ids, nil
}

// SatisfyRequests records the fulfilling repo and deactivates the
// matched requests in one statement.
func (q *Queries) SatisfyRequests(ctx context.Context, ids []int64, repoID int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `
		UPDATE repo_queue SET repo_id = $2, active = FALSE, update_time = NOW()
		WHERE id = ANY($1)
	`, ids, repoID)
	if err != nil {
		return fmt.Errorf("satisfy requests: %w", err)
	}
	return nil
}

// CleanRequestQueue deletes inactive entries old enough that clients
// have had a chance to read their outcome.
func (q *Queries) CleanRequestQueue(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM repo_queue
		WHERE active IS FALSE AND update_time < NOW() - $1::interval
	`, age)
	if err != nil {
		return 0, fmt.Errorf("clean repo queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueryQueue is the filtered listing behind the queue query endpoint.
func (q *Queries) QueryQueue(ctx context.Context, tagID *int64, active *bool, limit int) ([]models.RepoRequest, error) {
	sql := `SELECT ` + requestCols + requestJoins
	args := []any{}
	where := ""
	if tagID != nil {
		args = append(args, *tagID)
		where = fmt.Sprintf(" WHERE repo_queue.tag_id = $%d", len(args))
	}
	if active != nil {
		args = append(args, *active)
		if where == "" {
			where = fmt.Sprintf(" WHERE repo_queue.active = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND repo_queue.active = $%d", len(args))
		}
	}
	args = append(args, limit)
	sql += where + fmt.Sprintf(" ORDER BY repo_queue.priority, repo_queue.id LIMIT $%d", len(args))
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query repo queue: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}
