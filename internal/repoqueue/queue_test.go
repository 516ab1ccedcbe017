package repoqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildhub/internal/config"
	"buildhub/internal/hooks"
	"buildhub/internal/models"
	"buildhub/internal/session"
	"buildhub/internal/store"
)

// fakeDB implements Storage in memory. Event ids are handed out by the
// test; "tag changes" and "events" are simple ordered maps.
type fakeDB struct {
	tags       map[int64]models.Tag
	tagChanges map[int64][]int64   // tag id -> change event ids, ascending
	events     map[int64]time.Time // event id -> time
	repos      map[int64]*models.Repo
	requests   map[int64]*models.RepoRequest
	tasks      map[int64]*models.Task
	users      map[string]int64
	channels   map[string]int64
	auto       []store.AutoRepoConfig

	nextReqID  int64
	nextTaskID int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		tags:       map[int64]models.Tag{},
		tagChanges: map[int64][]int64{},
		events:     map[int64]time.Time{},
		repos:      map[int64]*models.Repo{},
		requests:   map[int64]*models.RepoRequest{},
		tasks:      map[int64]*models.Task{},
		users:      map[string]int64{"repomgr": 2},
		channels:   map[string]int64{"createrepo": 3},
		nextTaskID: 100,
	}
}

func (f *fakeDB) addTag(id int64, name string, changeEvents ...int64) {
	f.tags[id] = models.Tag{ID: id, Name: name, Extra: map[string]any{}}
	f.tagChanges[id] = changeEvents
	for _, ev := range changeEvents {
		if _, ok := f.events[ev]; !ok {
			f.events[ev] = time.Now().Add(-time.Duration(1000-ev) * time.Minute)
		}
	}
}

func (f *fakeDB) addRepo(r models.Repo) *models.Repo {
	cp := r
	if cp.Opts == nil {
		cp.Opts = models.RepoOpts{"src": false, "debuginfo": false, "separate_src": false, "maven": false}
	}
	if cp.CustomOpts == nil {
		cp.CustomOpts = models.RepoOpts{}
	}
	f.repos[r.ID] = &cp
	return &cp
}

func (f *fakeDB) TryLock(context.Context, string) (bool, error) { return true, nil }
func (f *fakeDB) Savepoint(context.Context, string) error       { return nil }
func (f *fakeDB) RollbackTo(context.Context, string) error      { return nil }

func (f *fakeDB) GetTag(_ context.Context, id int64) (models.Tag, error) {
	t, ok := f.tags[id]
	if !ok {
		return models.Tag{}, fmt.Errorf("%w: tag %d", models.ErrNotFound, id)
	}
	return t, nil
}

func (f *fakeDB) TagLastChangeEvent(_ context.Context, tagID int64) (*int64, error) {
	evs := f.tagChanges[tagID]
	if len(evs) == 0 {
		return nil, nil
	}
	last := evs[len(evs)-1]
	return &last, nil
}

func (f *fakeDB) TagFirstChangeEvent(_ context.Context, tagID int64, after *int64) (*int64, error) {
	for _, ev := range f.tagChanges[tagID] {
		if after == nil || ev > *after {
			ev := ev
			return &ev, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) LastEventBefore(_ context.Context, ts time.Time) (*int64, error) {
	var best *int64
	for id, t := range f.events {
		if !t.After(ts) && (best == nil || id > *best) {
			id := id
			best = &id
		}
	}
	return best, nil
}

func (f *fakeDB) EventExists(_ context.Context, id int64) (bool, error) {
	_, ok := f.events[id]
	return ok, nil
}

func (f *fakeDB) AutoRepoTagConfigs(context.Context) ([]store.AutoRepoConfig, error) {
	return f.auto, nil
}

func (f *fakeDB) UserID(_ context.Context, name string) (int64, bool, error) {
	id, ok := f.users[name]
	return id, ok, nil
}

func (f *fakeDB) ChannelID(_ context.Context, name string) (int64, error) {
	id, ok := f.channels[name]
	if !ok {
		return 0, fmt.Errorf("%w: channel %s", models.ErrNotFound, name)
	}
	return id, nil
}

func (f *fakeDB) NextRepoQueueID(context.Context) (int64, error) {
	f.nextReqID++
	return f.nextReqID, nil
}

func (f *fakeDB) GetRepo(_ context.Context, id int64) (models.Repo, error) {
	r, ok := f.repos[id]
	if !ok {
		return models.Repo{}, fmt.Errorf("%w: repo %d", models.ErrNotFound, id)
	}
	return *r, nil
}

func optsContain(outer, inner models.RepoOpts) bool {
	for k, v := range inner {
		got, ok := outer[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

func (f *fakeDB) FindReadyRepo(_ context.Context, tagID int64, minEvent, atEvent *int64, opts models.RepoOpts) (*models.Repo, error) {
	var best *models.Repo
	for _, r := range f.repos {
		if r.TagID != tagID || r.Dist || r.State != models.RepoReady {
			continue
		}
		if !optsContain(r.Opts, opts) || !optsContain(opts, r.CustomOpts) {
			continue
		}
		if atEvent != nil && r.CreateEvent != *atEvent {
			continue
		}
		if atEvent == nil && minEvent != nil && r.CreateEvent < *minEvent {
			continue
		}
		if best == nil || r.CreateEvent > best.CreateEvent {
			cp := *r
			best = &cp
		}
	}
	return best, nil
}

func (f *fakeDB) CountNewerRepos(_ context.Context, tagID, createEvent int64, dist bool) (int64, error) {
	var n int64
	for _, r := range f.repos {
		if r.TagID != tagID || r.State != models.RepoReady || r.CreateEvent <= createEvent {
			continue
		}
		if dist {
			if r.Dist {
				n++
			}
		} else if len(r.CustomOpts) == 0 {
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) ReposMissingEndEvent(context.Context) ([]models.Repo, error) {
	var out []models.Repo
	for _, r := range f.repos {
		if r.State == models.RepoReady && r.EndEvent == nil {
			out = append(out, *r)
		}
	}
	// ascending id, mirroring the query
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ID < out[i].ID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (f *fakeDB) SetRepoEndEvent(_ context.Context, repoID, endEvent int64) error {
	f.repos[repoID].EndEvent = &endEvent
	return nil
}

func (f *fakeDB) SetRepoState(_ context.Context, repoID int64, state models.RepoState) error {
	f.repos[repoID].State = state
	return nil
}

func (f *fakeDB) GetRequest(_ context.Context, id int64) (models.RepoRequest, error) {
	r, ok := f.requests[id]
	if !ok {
		return models.RepoRequest{}, fmt.Errorf("%w: repo request %d", models.ErrNotFound, id)
	}
	cp := *r
	if r.TaskID != nil {
		if t, ok := f.tasks[*r.TaskID]; ok {
			st := t.State
			cp.TaskState = &st
		}
	}
	return cp, nil
}

func (f *fakeDB) WaitingRequests(ctx context.Context) ([]models.RepoRequest, error) {
	var out []models.RepoRequest
	for id, r := range f.requests {
		if r.Active && r.RepoID == nil {
			cp, _ := f.GetRequest(ctx, id)
			out = append(out, cp)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Priority < out[i].Priority ||
				(out[j].Priority == out[i].Priority && out[j].ID < out[i].ID) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func optsEqual(a, b models.RepoOpts) bool {
	return optsContain(a, b) && optsContain(b, a)
}

func (f *fakeDB) DuplicateRequests(ctx context.Context, tagID int64, opts models.RepoOpts, minEvent, atEvent *int64) ([]models.RepoRequest, error) {
	var out []models.RepoRequest
	for id, r := range f.requests {
		if r.TagID != tagID || !r.Active || !optsEqual(r.Opts, opts) {
			continue
		}
		if atEvent != nil {
			if r.AtEvent == nil || *r.AtEvent != *atEvent {
				continue
			}
		} else if minEvent != nil {
			if r.MinEvent == nil || *r.MinEvent < *minEvent {
				continue
			}
		}
		cp, _ := f.GetRequest(ctx, id)
		out = append(out, cp)
	}
	return out, nil
}

func (f *fakeDB) InsertRequest(_ context.Context, id, owner int64, priority int, tagID int64, atEvent, minEvent *int64, opts models.RepoOpts) error {
	f.requests[id] = &models.RepoRequest{
		ID: id, Owner: owner, Priority: priority, TagID: tagID,
		AtEvent: atEvent, MinEvent: minEvent, Opts: opts, Active: true,
		CreateTime: time.Now(), UpdateTime: time.Now(),
		TagName: f.tags[tagID].Name,
	}
	return nil
}

func (f *fakeDB) ApplyRequestUpdate(_ context.Context, id int64, upd store.RequestUpdate) error {
	r := f.requests[id]
	if upd.SetTaskID {
		r.TaskID = upd.TaskID
	}
	if upd.SetTries {
		r.Tries = upd.Tries
	}
	if upd.SetActive {
		r.Active = upd.Active
	}
	if upd.SetRepoID {
		r.RepoID = &upd.RepoID
	}
	r.UpdateTime = time.Now()
	return nil
}

func (f *fakeDB) SetRequestPriority(_ context.Context, id int64, priority int) error {
	f.requests[id].Priority = priority
	return nil
}

func (f *fakeDB) MatchRequestIDsForRepo(_ context.Context, repo models.Repo) ([]int64, error) {
	var ids []int64
	for id, r := range f.requests {
		if r.TagID != repo.TagID || !r.Active || r.RepoID != nil {
			continue
		}
		if !optsContain(repo.Opts, r.Opts) || !optsContain(r.Opts, repo.CustomOpts) {
			continue
		}
		if r.MinEvent != nil && *r.MinEvent <= repo.CreateEvent {
			ids = append(ids, id)
		} else if r.AtEvent != nil && *r.AtEvent == repo.CreateEvent {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeDB) SatisfyRequests(_ context.Context, ids []int64, repoID int64) error {
	for _, id := range ids {
		r := f.requests[id]
		rid := repoID
		r.RepoID = &rid
		r.Active = false
	}
	return nil
}

func (f *fakeDB) CleanRequestQueue(_ context.Context, age time.Duration) (int64, error) {
	var n int64
	for id, r := range f.requests {
		if !r.Active && time.Since(r.UpdateTime) > age {
			delete(f.requests, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) InsertTask(_ context.Context, method string, request json.RawMessage, owner, channelID int64, priority int, arch string) (int64, error) {
	f.nextTaskID++
	f.tasks[f.nextTaskID] = &models.Task{
		ID: f.nextTaskID, State: models.TaskFree, Method: method, Request: request,
		Owner: owner, ChannelID: channelID, Priority: priority, Arch: arch,
		CreateTime: time.Now(),
	}
	return f.nextTaskID, nil
}

// task.Storage surface

func (f *fakeDB) getTask(id int64) (*models.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %d", models.ErrNotFound, id)
	}
	return t, nil
}

func (f *fakeDB) GetTask(_ context.Context, id int64) (models.Task, error) {
	t, err := f.getTask(id)
	if err != nil {
		return models.Task{}, err
	}
	return *t, nil
}

func (f *fakeDB) GetTaskRequestRaw(_ context.Context, id int64) (string, error) {
	t, err := f.getTask(id)
	if err != nil {
		return "", err
	}
	return string(t.Request), nil
}

func (f *fakeDB) GetTaskStateResult(_ context.Context, id int64) (models.TaskState, string, error) {
	t, err := f.getTask(id)
	if err != nil {
		return 0, "", err
	}
	return t.State, string(t.Result), nil
}

func (f *fakeDB) TaskStateHost(_ context.Context, id int64, _ bool) (models.TaskState, *int64, error) {
	t, err := f.getTask(id)
	if err != nil {
		return 0, nil, err
	}
	return t.State, t.HostID, nil
}

func (f *fakeDB) TaskParentLocked(_ context.Context, id int64) (*int64, error) {
	t, err := f.getTask(id)
	if err != nil {
		return nil, err
	}
	return t.Parent, nil
}

func (f *fakeDB) TaskOwner(_ context.Context, id int64) (int64, error) {
	t, err := f.getTask(id)
	if err != nil {
		return 0, err
	}
	return t.Owner, nil
}

func (f *fakeDB) SetTaskStateHost(_ context.Context, id int64, state models.TaskState, host *int64) error {
	t, err := f.getTask(id)
	if err != nil {
		return err
	}
	t.State = state
	t.HostID = host
	return nil
}

func (f *fakeDB) CloseTask(_ context.Context, id int64, state models.TaskState, result string) error {
	t, err := f.getTask(id)
	if err != nil {
		return err
	}
	t.State = state
	t.Result = []byte(result)
	return nil
}

func (f *fakeDB) CancelTaskRow(_ context.Context, id int64) error {
	t, err := f.getTask(id)
	if err != nil {
		return err
	}
	t.State = models.TaskCanceled
	return nil
}

func (f *fakeDB) SetTaskWeight(_ context.Context, id int64, w float64) error  { return nil }
func (f *fakeDB) SetTaskPriority(_ context.Context, id int64, p int) error    { return nil }
func (f *fakeDB) ChildTaskIDs(_ context.Context, _ int64) ([]int64, error)    { return nil, nil }
func (f *fakeDB) ChildTasks(_ context.Context, _ int64) ([]models.Task, error) { return nil, nil }
func (f *fakeDB) BuildingBuildIDs(_ context.Context, _ int64) ([]int64, error) { return nil, nil }
func (f *fakeDB) CancelBuild(_ context.Context, _ int64) error                 { return nil }

func testQueue() *Queue {
	cfg := config.Load()
	return New(cfg, nil, afero.NewMemMapFs())
}

func adminSession() *session.Session { return session.New(1, "admin") }
func userSession() *session.Session  { return session.New(1) }

func TestConvertRepoOpts(t *testing.T) {
	opts, err := ConvertRepoOpts(models.RepoOpts{"src": true, "maven": false}, true)
	require.NoError(t, err)
	assert.Equal(t, models.RepoOpts{"src": true, "maven": false}, opts)

	_, err = ConvertRepoOpts(models.RepoOpts{"bogus": true}, true)
	assert.ErrorIs(t, err, models.ErrParameter)

	opts, err = ConvertRepoOpts(models.RepoOpts{"bogus": true, "src": true}, false)
	require.NoError(t, err)
	assert.Equal(t, models.RepoOpts{"src": true}, opts)

	opts, err = ConvertRepoOpts(nil, true)
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestGetRepoOpts(t *testing.T) {
	cfg := config.Load()
	cfg.DebuginfoTags = "*-debug f4?-build"
	qu := New(cfg, nil, afero.NewMemMapFs())

	tag := models.Tag{ID: 1, Name: "f41-build", Extra: map[string]any{}}
	opts, custom, err := qu.GetRepoOpts(tag, nil)
	require.NoError(t, err)
	assert.True(t, opts["debuginfo"])
	assert.False(t, opts["src"])
	assert.Empty(t, custom)

	// tag config wins over the pattern default
	tag.Extra["repo.opts"] = map[string]any{"debuginfo": false, "src": true}
	opts, custom, err = qu.GetRepoOpts(tag, nil)
	require.NoError(t, err)
	assert.False(t, opts["debuginfo"])
	assert.True(t, opts["src"])
	assert.Empty(t, custom)

	// overrides that differ from the defaults become custom
	opts, custom, err = qu.GetRepoOpts(tag, models.RepoOpts{"src": true, "separate_src": true})
	require.NoError(t, err)
	assert.True(t, opts["separate_src"])
	assert.Equal(t, models.RepoOpts{"separate_src": true}, custom)

	_, _, err = qu.GetRepoOpts(tag, models.RepoOpts{"bogus": true})
	assert.ErrorIs(t, err, models.ErrParameter)
}

func TestGetRepoOptsLegacyDebuginfo(t *testing.T) {
	qu := testQueue()
	tag := models.Tag{ID: 1, Name: "plain", Extra: map[string]any{"with_debuginfo": true}}
	opts, _, err := qu.GetRepoOpts(tag, nil)
	require.NoError(t, err)
	assert.True(t, opts["debuginfo"])

	// maven stays off without maven support
	opts, _, err = qu.GetRepoOpts(tag, models.RepoOpts{"maven": true})
	require.NoError(t, err)
	assert.True(t, opts["maven"]) // explicit override recorded
}

func TestRequestRepoExistingRepo(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10, 20)
	db.addRepo(models.Repo{ID: 7, TagID: 1, CreateEvent: 20, State: models.RepoReady, TagName: "f41-build"})

	res, err := testQueue().RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	require.NotNil(t, res.Repo)
	assert.Equal(t, int64(7), res.Repo.ID)
	assert.Nil(t, res.Request)
	assert.False(t, res.Duplicate)
	assert.Empty(t, db.requests)
}

func TestRequestRepoQueuesNew(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10, 20)

	res, err := testQueue().RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	assert.Nil(t, res.Repo)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Request)
	assert.True(t, res.Request.Active)
	assert.Equal(t, models.PriorityDefault, res.Request.Priority)
	require.NotNil(t, res.Request.MinEvent)
	assert.Equal(t, int64(10), *res.Request.MinEvent)
}

func TestRequestRepoDeduplicates(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10, 20)
	qu := testQueue()

	first, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	require.NotNil(t, first.Request)

	second, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Request)
	assert.Equal(t, first.Request.ID, second.Request.ID)
	assert.Len(t, db.requests, 1)
}

func TestRequestRepoDuplicateBumpsPriority(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	low := 10
	_, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10), Priority: &low})
	require.NoError(t, err)

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	assert.Equal(t, models.PriorityDefault, res.Request.Priority)
	assert.Equal(t, models.PriorityDefault, db.requests[res.Request.ID].Priority)
}

func TestRequestRepoEventValidation(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	_, err := qu.RequestRepo(ctx, db, userSession(), 1,
		RequestOpts{MinEvent: ptr[int64](10), AtEvent: ptr[int64](10)})
	assert.ErrorIs(t, err, models.ErrParameter)

	_, err = qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{AtEvent: ptr[int64](999)})
	assert.ErrorIs(t, err, models.ErrParameter)

	_, err = qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](999)})
	assert.ErrorIs(t, err, models.ErrParameter)
}

func TestRequestRepoLastEvent(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10, 20, 30)

	res, err := testQueue().RequestRepo(ctx, db, userSession(), 1, RequestOpts{LastEvent: true})
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	require.NotNil(t, res.Request.MinEvent)
	assert.Equal(t, int64(30), *res.Request.MinEvent)
}

func TestRequestRepoPriorityPermission(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	neg := -5
	_, err := qu.RequestRepo(ctx, db, userSession(), 1,
		RequestOpts{MinEvent: ptr[int64](10), Priority: &neg})
	assert.ErrorIs(t, err, models.ErrPermission)

	res, err := qu.RequestRepo(ctx, db, adminSession(), 1,
		RequestOpts{MinEvent: ptr[int64](10), Priority: &neg})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityDefault-5, res.Request.Priority)
}

func TestRequestRepoAnonymous(t *testing.T) {
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	_, err := testQueue().RequestRepo(context.Background(), db, nil, 1, RequestOpts{})
	assert.ErrorIs(t, err, models.ErrPermission)
}

func TestRequestRepoMavenDisabled(t *testing.T) {
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	_, err := testQueue().RequestRepo(context.Background(), db, userSession(), 1,
		RequestOpts{MinEvent: ptr[int64](10), Opts: models.RepoOpts{"maven": true}})
	assert.ErrorIs(t, err, models.ErrParameter)
}

func TestRequestRepoForce(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10, 20)
	db.addRepo(models.Repo{ID: 7, TagID: 1, CreateEvent: 20, State: models.RepoReady, TagName: "f41-build"})

	res, err := testQueue().RequestRepo(ctx, db, userSession(), 1,
		RequestOpts{MinEvent: ptr[int64](10), Force: true})
	require.NoError(t, err)
	assert.Nil(t, res.Repo)
	require.NotNil(t, res.Request)
}

func TestCheckQueueCreatesTask(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)

	ran, err := qu.CheckQueue(ctx, db)
	require.NoError(t, err)
	require.True(t, ran)

	req := db.requests[res.Request.ID]
	require.NotNil(t, req.TaskID)
	assert.Equal(t, 1, req.Tries)

	task := db.tasks[*req.TaskID]
	assert.Equal(t, "newRepo", task.Method)
	assert.Equal(t, 15, task.Priority)
	assert.Equal(t, int64(3), task.ChannelID)
	// owned by the repo queue user, not the requester
	assert.Equal(t, int64(2), task.Owner)

	var payload struct {
		Tag struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"tag"`
	}
	require.NoError(t, json.Unmarshal(task.Request, &payload))
	assert.Equal(t, int64(1), payload.Tag.ID)
	assert.Equal(t, "f41-build", payload.Tag.Name)
}

func TestCheckQueueTaskCap(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	cfg := config.Load()
	cfg.MaxRepoTasks = 2
	qu := New(cfg, nil, afero.NewMemMapFs())

	for i := int64(1); i <= 4; i++ {
		db.addTag(i, fmt.Sprintf("tag-%d", i), 10)
		_, err := qu.RequestRepo(ctx, db, userSession(), i, RequestOpts{MinEvent: ptr[int64](10)})
		require.NoError(t, err)
	}

	_, err := qu.CheckQueue(ctx, db)
	require.NoError(t, err)

	withTask := 0
	for _, r := range db.requests {
		if r.TaskID != nil {
			withTask++
		}
	}
	assert.Equal(t, 2, withTask)
}

func TestCheckQueueRetriesFailedTask(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	_, err = qu.CheckQueue(ctx, db)
	require.NoError(t, err)

	req := db.requests[res.Request.ID]
	firstTask := *req.TaskID
	db.tasks[firstTask].State = models.TaskFailed

	// failed task is forgotten and a fresh one scheduled in one pass
	_, err = qu.CheckQueue(ctx, db)
	require.NoError(t, err)
	require.NotNil(t, req.TaskID)
	assert.NotEqual(t, firstTask, *req.TaskID)
	assert.Equal(t, 2, req.Tries)
}

func TestCheckQueueRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	cfg := config.Load()
	cfg.RepoRetries = 1
	qu := New(cfg, nil, afero.NewMemMapFs())

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	req := db.requests[res.Request.ID]

	for i := 0; i < 3; i++ {
		_, err = qu.CheckQueue(ctx, db)
		require.NoError(t, err)
		if req.TaskID != nil {
			db.tasks[*req.TaskID].State = models.TaskCanceled
		}
		if !req.Active {
			break
		}
	}
	assert.False(t, req.Active)
	assert.Nil(t, req.RepoID)
}

func TestCheckQueueClosedTaskWithoutHook(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	_, err = qu.CheckQueue(ctx, db)
	require.NoError(t, err)
	req := db.requests[res.Request.ID]

	// task finished and produced a valid repo, but the hook never ran
	db.addRepo(models.Repo{ID: 9, TagID: 1, CreateEvent: 10, State: models.RepoReady, TagName: "f41-build"})
	tk := db.tasks[*req.TaskID]
	tk.State = models.TaskClosed
	tk.Result = json.RawMessage(`[9, 10]`)

	_, err = qu.CheckQueue(ctx, db)
	require.NoError(t, err)
	require.NotNil(t, req.RepoID)
	assert.Equal(t, int64(9), *req.RepoID)
	assert.False(t, req.Active)
}

func TestValidRepo(t *testing.T) {
	qu := testQueue()
	baseOpts := models.RepoOpts{"src": false, "debuginfo": false, "separate_src": false, "maven": false}
	repo := &models.Repo{ID: 9, TagID: 1, CreateEvent: 20, State: models.RepoReady,
		Opts: baseOpts, CustomOpts: models.RepoOpts{}}

	req := &models.RepoRequest{ID: 1, TagID: 1, MinEvent: ptr[int64](10), Opts: models.RepoOpts{}}
	assert.True(t, qu.validRepo(req, repo))

	wrongTag := *req
	wrongTag.TagID = 2
	assert.False(t, qu.validRepo(&wrongTag, repo))

	early := *req
	early.MinEvent = ptr[int64](30)
	assert.False(t, qu.validRepo(&early, repo))

	at := *req
	at.MinEvent = nil
	at.AtEvent = ptr[int64](20)
	assert.True(t, qu.validRepo(&at, repo))
	at.AtEvent = ptr[int64](21)
	assert.False(t, qu.validRepo(&at, repo))

	// request asked for src but repo doesn't have it
	src := *req
	src.Opts = models.RepoOpts{"src": true}
	assert.False(t, qu.validRepo(&src, repo))

	// repo has custom opts the request didn't ask for
	custom := *repo
	custom.CustomOpts = models.RepoOpts{"src": true}
	assert.False(t, qu.validRepo(req, &custom))
}

func TestRepoDoneSatisfiesRequests(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	db.addRepo(models.Repo{ID: 9, TagID: 1, CreateEvent: 15, State: models.RepoReady, TagName: "f41-build"})

	require.NoError(t, qu.RepoDone(ctx, db, 9))
	req := db.requests[res.Request.ID]
	require.NotNil(t, req.RepoID)
	assert.Equal(t, int64(9), *req.RepoID)
	assert.False(t, req.Active)
}

func TestRepoDoneIgnoresDistRepos(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	db.addRepo(models.Repo{ID: 9, TagID: 1, CreateEvent: 15, State: models.RepoReady, Dist: true})

	require.NoError(t, qu.RepoDone(ctx, db, 9))
	assert.Nil(t, db.requests[res.Request.ID].RepoID)
}

func TestSetStateReady(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)
	db.addRepo(models.Repo{ID: 9, TagID: 1, CreateEvent: 15, State: models.RepoInit, TagName: "f41-build"})

	var events []*hooks.Event
	reg := hooks.NewRegistry()
	reg.Register(hooks.PostRepoDone, "capture", func(ctx context.Context, ev *hooks.Event) error {
		events = append(events, ev)
		return nil
	}, false)
	reg.Seal()
	qu.hooks = reg

	require.NoError(t, qu.SetState(ctx, db, 9, models.RepoReady))
	assert.Equal(t, models.RepoReady, db.repos[9].State)

	req := db.requests[res.Request.ID]
	require.NotNil(t, req.RepoID)
	assert.Equal(t, int64(9), *req.RepoID)

	require.Len(t, events, 1)
	assert.Equal(t, models.RepoInit, events[0].Old)
	assert.Equal(t, models.RepoReady, events[0].New)
	require.NotNil(t, events[0].Repo)
	assert.Equal(t, int64(9), events[0].Repo.ID)

	// setting the same state again is a no-op and fires nothing
	require.NoError(t, qu.SetState(ctx, db, 9, models.RepoReady))
	assert.Len(t, events, 1)
}

func TestCheckRequestStatus(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10)
	qu := testQueue()

	res, err := qu.RequestRepo(ctx, db, userSession(), 1, RequestOpts{MinEvent: ptr[int64](10)})
	require.NoError(t, err)

	status, err := qu.CheckRequest(ctx, db, res.Request.ID)
	require.NoError(t, err)
	assert.Nil(t, status.Repo)
	assert.Nil(t, status.Task)

	_, err = qu.CheckQueue(ctx, db)
	require.NoError(t, err)
	status, err = qu.CheckRequest(ctx, db, res.Request.ID)
	require.NoError(t, err)
	require.NotNil(t, status.Task)
	assert.Equal(t, "newRepo", status.Task.Method)

	_, err = qu.CheckRequest(ctx, db, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDoAutoRequests(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "auto-tag", 10, 20)
	db.addTag(2, "manual-tag", 10)
	db.auto = []store.AutoRepoConfig{
		{TagID: 1, Auto: true},
		{TagID: 2, Auto: false},
	}

	require.NoError(t, testQueue().DoAutoRequests(ctx, db, userSession()))
	require.Len(t, db.requests, 1)
	for _, r := range db.requests {
		assert.Equal(t, int64(1), r.TagID)
		// auto requests run below default priority
		assert.Greater(t, r.Priority, models.PriorityDefault)
	}
}

func TestUpdateEndEvents(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addTag(1, "f41-build", 10, 30)
	// changed after creation: gets an end event
	db.addRepo(models.Repo{ID: 1, TagID: 1, CreateEvent: 20, State: models.RepoReady})
	// still current: stays open
	db.addRepo(models.Repo{ID: 2, TagID: 1, CreateEvent: 30, State: models.RepoReady})

	require.NoError(t, testQueue().UpdateEndEvents(ctx, db))
	require.NotNil(t, db.repos[1].EndEvent)
	assert.Equal(t, int64(30), *db.repos[1].EndEvent)
	assert.Nil(t, db.repos[2].EndEvent)
}

func TestSymlinkIfLatestSkips(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	qu := testQueue()

	// custom opts: never the tag's latest
	custom := models.Repo{ID: 1, TagID: 1, CreateEvent: 10, State: models.RepoReady,
		TagName: "f41-build", CustomOpts: models.RepoOpts{"src": true}}
	ok, err := qu.SymlinkIfLatest(ctx, db, custom)
	require.NoError(t, err)
	assert.False(t, ok)

	// a newer default repo exists
	db.addRepo(models.Repo{ID: 2, TagID: 1, CreateEvent: 20, State: models.RepoReady})
	older := models.Repo{ID: 1, TagID: 1, CreateEvent: 10, State: models.RepoReady,
		TagName: "f41-build", CustomOpts: models.RepoOpts{}}
	ok, err = qu.SymlinkIfLatest(ctx, db, older)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSymlinkIfLatestCreatesLink(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	cfg := config.Load()
	cfg.TopDir = t.TempDir()
	qu := New(cfg, nil, afero.NewOsFs())

	repo := models.Repo{ID: 7, TagID: 1, CreateEvent: 10, State: models.RepoReady,
		TagName: "f41-build", CustomOpts: models.RepoOpts{}}
	ok, err := qu.SymlinkIfLatest(ctx, db, repo)
	require.NoError(t, err)
	require.True(t, ok)

	fs := qu.fs.(afero.Symlinker)
	target, err := fs.ReadlinkIfPossible(qu.latestLinkPath(repo))
	require.NoError(t, err)
	assert.Equal(t, "7", target)

	// repoint to a newer repo
	newer := repo
	newer.ID = 8
	newer.CreateEvent = 20
	ok, err = qu.SymlinkIfLatest(ctx, db, newer)
	require.NoError(t, err)
	require.True(t, ok)
	target, err = fs.ReadlinkIfPossible(qu.latestLinkPath(newer))
	require.NoError(t, err)
	assert.Equal(t, "8", target)
}

func ptr[T any](v T) *T { return &v }
