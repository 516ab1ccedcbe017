// Package repoqueue manages repo requests: deduplicated client requests
// for a ready package repo of a tag at (or after) a given event, and
// the queue pass that turns waiting requests into generation tasks.
package repoqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"buildhub/internal/config"
	"buildhub/internal/hooks"
	"buildhub/internal/models"
	"buildhub/internal/session"
	"buildhub/internal/store"
	"buildhub/internal/task"
	"buildhub/internal/telemetry"

	"github.com/spf13/afero"
)

const (
	lockName = "repo-queue"

	// repo generation runs above default priority in its own channel
	repoTaskPriority = 15
	repoTaskChannel  = "createrepo"
	repoTaskMethod   = "newRepo"
)

// Storage is the transactional store surface the queue needs.
type Storage interface {
	task.Storage

	TryLock(ctx context.Context, name string) (bool, error)
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error

	GetRequest(ctx context.Context, id int64) (models.RepoRequest, error)
	WaitingRequests(ctx context.Context) ([]models.RepoRequest, error)
	DuplicateRequests(ctx context.Context, tagID int64, opts models.RepoOpts, minEvent, atEvent *int64) ([]models.RepoRequest, error)
	InsertRequest(ctx context.Context, id, owner int64, priority int, tagID int64, atEvent, minEvent *int64, opts models.RepoOpts) error
	ApplyRequestUpdate(ctx context.Context, id int64, upd store.RequestUpdate) error
	SetRequestPriority(ctx context.Context, id int64, priority int) error
	MatchRequestIDsForRepo(ctx context.Context, repo models.Repo) ([]int64, error)
	SatisfyRequests(ctx context.Context, ids []int64, repoID int64) error
	CleanRequestQueue(ctx context.Context, age time.Duration) (int64, error)
	NextRepoQueueID(ctx context.Context) (int64, error)

	GetRepo(ctx context.Context, id int64) (models.Repo, error)
	FindReadyRepo(ctx context.Context, tagID int64, minEvent, atEvent *int64, opts models.RepoOpts) (*models.Repo, error)
	CountNewerRepos(ctx context.Context, tagID, createEvent int64, dist bool) (int64, error)
	ReposMissingEndEvent(ctx context.Context) ([]models.Repo, error)
	SetRepoEndEvent(ctx context.Context, repoID, endEvent int64) error
	SetRepoState(ctx context.Context, repoID int64, state models.RepoState) error

	GetTag(ctx context.Context, id int64) (models.Tag, error)
	TagLastChangeEvent(ctx context.Context, tagID int64) (*int64, error)
	TagFirstChangeEvent(ctx context.Context, tagID int64, after *int64) (*int64, error)
	LastEventBefore(ctx context.Context, ts time.Time) (*int64, error)
	EventExists(ctx context.Context, id int64) (bool, error)
	AutoRepoTagConfigs(ctx context.Context) ([]store.AutoRepoConfig, error)
	UserID(ctx context.Context, name string) (int64, bool, error)
	ChannelID(ctx context.Context, name string) (int64, error)
	InsertTask(ctx context.Context, method string, request json.RawMessage, owner, channelID int64, priority int, arch string) (int64, error)
}

// Queue carries the queue configuration. Like the scheduler, it holds
// no cross-pass state.
type Queue struct {
	cfg   config.Config
	hooks *hooks.Registry
	fs    afero.Fs
}

func New(cfg config.Config, reg *hooks.Registry, fs afero.Fs) *Queue {
	return &Queue{cfg: cfg, hooks: reg, fs: fs}
}

// RequestResult is the tri-state outcome of a repo request: an existing
// repo already satisfies it, an existing request covers it (duplicate),
// or a new request was queued.
type RequestResult struct {
	Repo      *models.Repo        `json:"repo"`
	Request   *models.RepoRequest `json:"request"`
	Duplicate bool                `json:"duplicate"`
}

// RequestOpts are the caller-supplied knobs for RequestRepo.
type RequestOpts struct {
	MinEvent *int64
	// LastEvent requests the most recent change event of the tag,
	// overriding MinEvent.
	LastEvent bool
	AtEvent   *int64
	Opts      models.RepoOpts
	// Priority is relative to the default; negative (higher priority)
	// needs admin.
	Priority *int
	// Force queues a request even when a matching repo exists.
	Force bool
}

// RequestRepo asks for a ready repo of the tag. Unless forced, an
// existing matching repo short-circuits, then an equivalent active
// request is reused, and only then is a new request queued.
func (qu *Queue) RequestRepo(ctx context.Context, db Storage, sess *session.Session, tagID int64, o RequestOpts) (*RequestResult, error) {
	if err := sess.AssertLogin(); err != nil {
		return nil, err
	}
	tag, err := db.GetTag(ctx, tagID)
	if err != nil {
		return nil, err
	}
	opts, err := ConvertRepoOpts(o.Opts, true)
	if err != nil {
		return nil, err
	}
	if opts["maven"] && !qu.cfg.EnableMaven {
		return nil, fmt.Errorf("%w: maven support not enabled", models.ErrParameter)
	}

	atEvent := o.AtEvent
	minEvent := o.MinEvent
	switch {
	case atEvent != nil:
		if minEvent != nil || o.LastEvent {
			return nil, fmt.Errorf("%w: the min_event and at_event options conflict", models.ErrParameter)
		}
		known, err := db.EventExists(ctx, *atEvent)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, fmt.Errorf("%w: invalid event: %d", models.ErrParameter, *atEvent)
		}
	case o.LastEvent:
		minEvent, err = db.TagLastChangeEvent(ctx, tagID)
		if err != nil {
			return nil, err
		}
	case minEvent == nil:
		minEvent, err = qu.defaultMinEvent(ctx, db, tag)
		if err != nil {
			return nil, err
		}
	default:
		known, err := db.EventExists(ctx, *minEvent)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, fmt.Errorf("%w: invalid event: %d", models.ErrParameter, *minEvent)
		}
	}

	priority := models.PriorityDefault
	if o.Priority != nil {
		// input priority is relative, like the build calls
		if *o.Priority < 0 && !sess.HasPerm("admin") {
			return nil, fmt.Errorf("%w: only admins may create high-priority requests", models.ErrPermission)
		}
		priority = models.PriorityDefault + *o.Priority
	}

	ret := &RequestResult{}

	if !o.Force {
		repo, err := db.FindReadyRepo(ctx, tagID, minEvent, atEvent, opts)
		if err != nil {
			return nil, err
		}
		if repo != nil {
			ret.Repo = repo
			return ret, nil
		}
	}

	// do we have a matching request already?
	dups, err := db.DuplicateRequests(ctx, tagID, opts, minEvent, atEvent)
	if err != nil {
		return nil, err
	}
	if len(dups) > 0 {
		// queried in queue order, pick the first
		req := dups[0]
		if req.Priority > priority {
			// bump it (lower number, higher priority)
			if err := db.SetRequestPriority(ctx, req.ID, priority); err != nil {
				return nil, err
			}
			req.Priority = priority
		}
		ret.Request = &req
		ret.Duplicate = true
		telemetry.RepoRequestDedups.Inc()
		return ret, nil
	}

	reqID, err := db.NextRepoQueueID(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.InsertRequest(ctx, reqID, sess.UserID, priority, tagID, atEvent, minEvent, opts); err != nil {
		return nil, err
	}
	log.Printf("new repo request %d for tag %s", reqID, tag.Name)
	telemetry.RepoRequests.Inc()

	req, err := db.GetRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	ret.Request = &req
	return ret, nil
}

// defaultMinEvent picks the event floor for a request that named none.
// The timestamp is rounded down to the lag window so requests close in
// time resolve to the same event and deduplicate.
func (qu *Queue) defaultMinEvent(ctx context.Context, db Storage, tag models.Tag) (*int64, error) {
	last, err := db.TagLastChangeEvent(ctx, tag.ID)
	if err != nil {
		return nil, err
	}
	lag := qu.cfg.RepoLag
	if v, ok := tag.Extra["repo.lag"]; ok {
		if secs, ok := v.(float64); ok && secs == float64(int64(secs)) {
			lag = time.Duration(secs) * time.Second
		} else {
			log.Printf("invalid repo.lag setting for tag %s: %v", tag.Name, v)
		}
	}
	base, err := qu.laggedEvent(ctx, db, tag.ID, lag)
	if err != nil {
		return nil, err
	}
	// if the tag changed recently we allow a bit of lag, otherwise use
	// its most recent event
	return minEvent(base, last), nil
}

// laggedEvent finds the newest event older than now-lag, rounded to the
// lag window. A brand new instance may predate all events; fall back to
// the tag's first change.
func (qu *Queue) laggedEvent(ctx context.Context, db Storage, tagID int64, lag time.Duration) (*int64, error) {
	window := qu.cfg.RepoLagWindow
	baseTS := time.Now().Add(-lag).Truncate(window)
	base, err := db.LastEventBefore(ctx, baseTS)
	if err != nil {
		return nil, err
	}
	if base == nil {
		base, err = db.TagFirstChangeEvent(ctx, tagID, nil)
		if err != nil {
			return nil, err
		}
		log.Printf("no event older than %s, using first tag event", baseTS)
	}
	return base, nil
}

func minEvent(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

// CheckQueue runs one queue pass: reconcile tasks already running for
// requests, schedule new generation tasks under the caps, and apply the
// accumulated updates. Returns false when another process holds the
// queue lock.
func (qu *Queue) CheckQueue(ctx context.Context, db Storage) (bool, error) {
	ok, err := db.TryLock(ctx, lockName)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	waiting, err := db.WaitingRequests(ctx)
	if err != nil {
		return false, err
	}
	log.Printf("repo queue: %d waiting requests", len(waiting))
	telemetry.RepoQueueDepth.Set(float64(len(waiting)))

	nTasks := 0
	nMaven := 0
	updates := map[int64]*store.RequestUpdate{}
	upd := func(id int64) *store.RequestUpdate {
		u := updates[id]
		if u == nil {
			u = &store.RequestUpdate{}
			updates[id] = u
		}
		return u
	}

	// first pass: check on tasks
	for i := range waiting {
		req := &waiting[i]
		if req.TaskID == nil {
			continue
		}
		retry := false
		switch {
		case req.TaskState != nil && *req.TaskState == models.TaskClosed:
			// normally the repo-done hook fires first
			log.Printf("repo task %d closed without triggering the repo-done hook", *req.TaskID)
			repo, err := qu.repoFromTask(ctx, db, *req.TaskID)
			if err != nil || repo == nil {
				log.Printf("repo task %d did not produce a repo", *req.TaskID)
				retry = true
			} else if qu.validRepo(req, repo) {
				u := upd(req.ID)
				u.SetRepoID, u.RepoID = true, repo.ID
				u.SetActive, u.Active = true, false
			} else {
				retry = true
			}
		case req.TaskState != nil && (*req.TaskState == models.TaskCanceled || *req.TaskState == models.TaskFailed):
			log.Printf("repo task %d did not complete", *req.TaskID)
			retry = true
		default:
			// task still active
			nTasks++
			if req.Opts["maven"] {
				nMaven++
			}
		}

		if retry {
			if req.Tries > qu.cfg.RepoRetries {
				log.Printf("retries exhausted for repo request %d", req.ID)
				u := upd(req.ID)
				u.SetActive, u.Active = true, false
			} else {
				// forget the task so it can be rescheduled
				u := upd(req.ID)
				u.SetTaskID, u.TaskID = true, nil
				req.TaskID = nil
				// tries is incremented when the new task is made
			}
		}
	}

	// second pass: trigger new tasks under the caps
	for i := range waiting {
		req := &waiting[i]
		if req.TaskID != nil {
			continue
		}
		if nTasks >= qu.cfg.MaxRepoTasks {
			log.Printf("repo queue: reached max tasks (%d)", qu.cfg.MaxRepoTasks)
			break
		}
		if req.Opts["maven"] && nMaven >= qu.cfg.MaxRepoTasksMaven {
			continue
		}
		taskID, err := qu.repoQueueTask(ctx, db, req)
		if err != nil {
			return false, err
		}
		nTasks++
		if req.Opts["maven"] {
			nMaven++
		}
		u := upd(req.ID)
		u.SetTaskID, u.TaskID = true, &taskID
		u.SetTries, u.Tries = true, req.Tries+1
		telemetry.RepoTasksCreated.Inc()
		log.Printf("created task %d for repo request %d", taskID, req.ID)
	}

	// third pass: apply updates
	applied := false
	for _, req := range waiting {
		u := updates[req.ID]
		if u == nil || u.Empty() {
			continue
		}
		if err := db.ApplyRequestUpdate(ctx, req.ID, *u); err != nil {
			return false, err
		}
		applied = true
	}
	if applied {
		if _, err := db.CleanRequestQueue(ctx, qu.cfg.RequestCleanTime); err != nil {
			return false, err
		}
	}
	return true, nil
}

// repoQueueTask creates the generation task for a request.
func (qu *Queue) repoQueueTask(ctx context.Context, db Storage, req *models.RepoRequest) (int64, error) {
	opts, err := ConvertRepoOpts(req.Opts, true)
	if err != nil {
		return 0, err
	}
	payload := map[string]any{
		"tag":  map[string]any{"id": req.TagID, "name": req.TagName},
		"opts": opts,
	}
	if req.AtEvent != nil {
		payload["event"] = *req.AtEvent
	}
	// otherwise any new repo satisfies any valid min_event
	request, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal task request: %w", err)
	}

	owner := req.Owner
	if id, found, err := db.UserID(ctx, qu.cfg.RepoQueueUser); err != nil {
		return 0, err
	} else if found {
		owner = id
	}
	channelID, err := db.ChannelID(ctx, repoTaskChannel)
	if err != nil {
		return 0, err
	}
	return db.InsertTask(ctx, repoTaskMethod, request, owner, channelID, repoTaskPriority, "noarch")
}

// repoFromTask reads the repo a finished generation task reported.
// The task result is [repo_id, event_id].
func (qu *Queue) repoFromTask(ctx context.Context, db Storage, taskID int64) (*models.Repo, error) {
	result, _, err := task.New(db, qu.hooks, taskID).GetResult(ctx, true)
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(result, &ids); err != nil || len(ids) == 0 {
		return nil, fmt.Errorf("task %d reported invalid result", taskID)
	}
	repo, err := db.GetRepo(ctx, ids[0])
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// validRepo checks whether a repo actually satisfies a request: right
// tag, READY, compatible event, all requested opts applied, and no
// custom opts the request didn't ask for.
func (qu *Queue) validRepo(req *models.RepoRequest, repo *models.Repo) bool {
	if repo.TagID != req.TagID {
		log.Printf("request %d got repo %d with wrong tag: got %d, expected %d",
			req.ID, repo.ID, repo.TagID, req.TagID)
		return false
	}
	if repo.State != models.RepoReady {
		log.Printf("request %d got repo %d with wrong state: %d", req.ID, repo.ID, repo.State)
		return false
	}
	if req.AtEvent != nil {
		if repo.CreateEvent != *req.AtEvent {
			log.Printf("request %d got repo %d at wrong event: %d != %d",
				req.ID, repo.ID, repo.CreateEvent, *req.AtEvent)
			return false
		}
	} else if req.MinEvent != nil && repo.CreateEvent < *req.MinEvent {
		log.Printf("request %d got repo %d before min event: %d < %d",
			req.ID, repo.ID, repo.CreateEvent, *req.MinEvent)
		return false
	}
	if len(repo.Opts) == 0 {
		log.Printf("request %d got repo %d with no opts", req.ID, repo.ID)
		return false
	}
	for key, want := range req.Opts {
		got, ok := repo.Opts[key]
		if !ok || got != want {
			log.Printf("request %d got repo %d with wrong opts", req.ID, repo.ID)
			return false
		}
	}
	for key, got := range repo.CustomOpts {
		want, ok := req.Opts[key]
		if !ok || got != want {
			log.Printf("request %d got repo %d with unrequested custom opts", req.ID, repo.ID)
			return false
		}
	}
	return true
}

// RepoDone handles a repo turning READY: satisfy any matching waiting
// requests. It runs as a callback, so failures roll back to a savepoint
// and are logged instead of propagating into the caller's transaction.
func (qu *Queue) RepoDone(ctx context.Context, db Storage, repoID int64) error {
	const sp = "repo_done_hook"
	if err := db.Savepoint(ctx, sp); err != nil {
		return err
	}
	if err := qu.repoDone(ctx, db, repoID); err != nil {
		log.Printf("failed to update repo queue for repo %d: %v", repoID, err)
		if rbErr := db.RollbackTo(ctx, sp); rbErr != nil {
			return rbErr
		}
	}
	return nil
}

func (qu *Queue) repoDone(ctx context.Context, db Storage, repoID int64) error {
	repo, err := db.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}
	if repo.Dist {
		return nil
	}
	if repo.Opts == nil || repo.CustomOpts == nil {
		return fmt.Errorf("repo %d has invalid opts values", repoID)
	}
	ids, err := db.MatchRequestIDsForRepo(ctx, repo)
	if err != nil {
		return err
	}
	return db.SatisfyRequests(ctx, ids, repo.ID)
}

// GetRepo returns the best ready repo matching the constraints, or nil.
func (qu *Queue) GetRepo(ctx context.Context, db Storage, tagID int64, minEvent, atEvent *int64, opts models.RepoOpts) (*models.Repo, error) {
	converted, err := ConvertRepoOpts(opts, true)
	if err != nil {
		return nil, err
	}
	return db.FindReadyRepo(ctx, tagID, minEvent, atEvent, converted)
}

// RequestStatus reports on a single request.
type RequestStatus struct {
	Request models.RepoRequest `json:"request"`
	Repo    *models.Repo       `json:"repo,omitempty"`
	Task    *models.Task       `json:"task,omitempty"`
}

// CheckRequest reports the state of a repo request, with the fulfilling
// repo or the pending task attached when present.
func (qu *Queue) CheckRequest(ctx context.Context, db Storage, reqID int64) (*RequestStatus, error) {
	req, err := db.GetRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	ret := &RequestStatus{Request: req}
	if req.RepoID != nil {
		repo, err := db.GetRepo(ctx, *req.RepoID)
		if err != nil {
			return nil, err
		}
		ret.Repo = &repo
	} else if req.TaskID != nil {
		info, err := task.New(db, qu.hooks, *req.TaskID).GetInfo(ctx, true, false)
		if err != nil {
			return nil, err
		}
		ret.Task = info
	}
	return ret, nil
}

// DoAutoRequests queues repo requests for tags configured to
// auto-regenerate, at a lower priority so they don't block on-demand
// requests.
func (qu *Queue) DoAutoRequests(ctx context.Context, db Storage, sess *session.Session) error {
	configs, err := db.AutoRepoTagConfigs(ctx)
	if err != nil {
		return err
	}
	relPriority := 5
	for _, cfg := range configs {
		if !cfg.Auto {
			continue
		}
		last, err := db.TagLastChangeEvent(ctx, cfg.TagID)
		if err != nil {
			return err
		}
		if last == nil {
			log.Printf("no last event for tag %d", cfg.TagID)
			continue
		}
		lag := qu.cfg.RepoAutoLag
		if cfg.Lag != nil {
			lag = *cfg.Lag
		}
		base, err := qu.laggedEvent(ctx, db, cfg.TagID, lag)
		if err != nil {
			return err
		}
		_, err = qu.RequestRepo(ctx, db, sess, cfg.TagID, RequestOpts{
			MinEvent: minEvent(base, last),
			Priority: &relPriority,
		})
		if err != nil {
			log.Printf("auto repo request for tag %d failed: %v", cfg.TagID, err)
		}
	}
	return nil
}

// UpdateEndEvents stamps end_event on ready repos whose tag has changed
// since they were created. A per-tag cache of the last change event
// avoids rechecking tags already known to be unchanged.
func (qu *Queue) UpdateEndEvents(ctx context.Context, db Storage) error {
	repos, err := db.ReposMissingEndEvent(ctx)
	if err != nil {
		return err
	}
	tagLast := map[int64]int64{}
	updated := 0
	for _, repo := range repos {
		if last, ok := tagLast[repo.TagID]; ok && last <= repo.CreateEvent {
			// tag hasn't changed since this repo
			continue
		}
		ev := repo.CreateEvent
		end, err := db.TagFirstChangeEvent(ctx, repo.TagID, &ev)
		if err != nil {
			return err
		}
		if end == nil {
			last, err := db.TagLastChangeEvent(ctx, repo.TagID)
			if err != nil {
				return err
			}
			if last != nil {
				tagLast[repo.TagID] = *last
			} else {
				tagLast[repo.TagID] = 0
			}
			continue
		}
		if err := db.SetRepoEndEvent(ctx, repo.ID, *end); err != nil {
			return err
		}
		updated++
	}
	log.Printf("checked end events for %d repos, added %d", len(repos), updated)
	return nil
}
