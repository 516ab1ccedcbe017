package models

import "time"

// RepoState enumerates repo lifecycle states.
type RepoState int

const (
	RepoInit    RepoState = 0
	RepoReady   RepoState = 1
	RepoExpired RepoState = 2
	RepoDeleted RepoState = 3
	RepoProblem RepoState = 4
)

// RepoOpts is the boolean option set attached to repos and requests.
type RepoOpts map[string]bool

// Repo is an immutable-once-ready record of a generated artifact set for
// a tag at a specific event. This core only reads and state-checks repos;
// they are produced by external generation tasks.
type Repo struct {
	ID           int64      `json:"id"`
	TagID        int64      `json:"tag_id"`
	CreateEvent  int64      `json:"create_event"`
	EndEvent     *int64     `json:"end_event"`
	State        RepoState  `json:"state"`
	Dist         bool       `json:"dist"`
	TaskID       *int64     `json:"task_id"`
	Opts         RepoOpts   `json:"opts"`
	CustomOpts   RepoOpts   `json:"custom_opts"`
	CreationTime time.Time  `json:"creation_time"`
	TagName      string     `json:"tag_name,omitempty"`
	StateTime    *time.Time `json:"state_time,omitempty"`
}

// RepoRequest is a repo_queue row: a client's request for a ready repo
// matching a tag and option set. Exactly one of AtEvent/MinEvent is set.
type RepoRequest struct {
	ID         int64      `json:"id"`
	CreateTime time.Time  `json:"create_time"`
	UpdateTime time.Time  `json:"update_time"`
	Owner      int64      `json:"owner"`
	Priority   int        `json:"priority"`
	TagID      int64      `json:"tag_id"`
	AtEvent    *int64     `json:"at_event"`
	MinEvent   *int64     `json:"min_event"`
	Opts       RepoOpts   `json:"opts"`
	Active     bool       `json:"active"`
	TaskID     *int64     `json:"task_id"`
	Tries      int        `json:"tries"`
	RepoID     *int64     `json:"repo_id"`
	TagName    string     `json:"tag_name,omitempty"`
	TaskState  *TaskState `json:"task_state,omitempty"`
}

// Tag is the named collection grouping builds. Out-of-scope entity; only
// the fields the repo queue needs are carried here.
type Tag struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Extra map[string]any `json:"extra"`
}
