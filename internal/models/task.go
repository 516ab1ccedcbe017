package models

import (
	"encoding/json"
	"time"
)

// TaskState enumerates task lifecycle states persisted in Postgres.
// The integer values are part of the stored encoding and must not change.
type TaskState int

const (
	TaskFree     TaskState = 0
	TaskOpen     TaskState = 1
	TaskClosed   TaskState = 2
	TaskCanceled TaskState = 3
	TaskAssigned TaskState = 4
	TaskFailed   TaskState = 5
)

var taskStateNames = map[TaskState]string{
	TaskFree:     "FREE",
	TaskOpen:     "OPEN",
	TaskClosed:   "CLOSED",
	TaskCanceled: "CANCELED",
	TaskAssigned: "ASSIGNED",
	TaskFailed:   "FAILED",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no further state change is permitted.
func (s TaskState) Terminal() bool {
	return s == TaskClosed || s == TaskCanceled || s == TaskFailed
}

// PriorityDefault is the baseline task priority. Caller-supplied priorities
// are relative offsets from this value; lower numbers run first.
const PriorityDefault = 20

// Task is a unit of work dispatched to a worker host.
type Task struct {
	ID             int64           `json:"id"`
	State          TaskState       `json:"state"`
	CreateTime     time.Time       `json:"create_time"`
	StartTime      *time.Time      `json:"start_time"`
	CompletionTime *time.Time      `json:"completion_time"`
	ChannelID      int64           `json:"channel_id"`
	HostID         *int64          `json:"host_id"`
	Parent         *int64          `json:"parent"`
	Label          *string         `json:"label"`
	Waiting        bool            `json:"waiting"`
	Awaited        bool            `json:"awaited"`
	Owner          int64           `json:"owner"`
	Method         string          `json:"method"`
	Arch           string          `json:"arch"`
	Priority       int             `json:"priority"`
	Weight         float64         `json:"weight"`
	Request        json.RawMessage `json:"request,omitempty"`

	// Result is populated only on hook events for closing tasks. Pre-hooks
	// may rewrite it and the rewritten value is what gets committed.
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskRun is an audit/lock record tying a task to a host for one
// assignment attempt. Only one run per task should be active at a time.
type TaskRun struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	HostID     int64     `json:"host_id"`
	Active     bool      `json:"active"`
	CreateTime time.Time `json:"create_time"`
}

// TaskRefusal records that a host refused (or was refused) a task.
// Soft refusals expire; hard ones persist for the life of the task.
type TaskRefusal struct {
	ID     int64     `json:"id"`
	TaskID int64     `json:"task_id"`
	HostID int64     `json:"host_id"`
	Soft   bool      `json:"soft"`
	ByHost bool      `json:"by_host"`
	Msg    string    `json:"msg"`
	Time   time.Time `json:"time"`

	// joined from task when queried with task data
	TaskState TaskState `json:"task_state"`
}

// Fault is a structured error result stored for a failed task.
type Fault struct {
	FaultCode   int    `json:"faultCode"`
	FaultString string `json:"faultString"`
}

// BuildState enumerates build lifecycle states.
type BuildState int

const (
	BuildBuilding BuildState = 0
	BuildComplete BuildState = 1
	BuildDeleted  BuildState = 2
	BuildFailed   BuildState = 3
	BuildCanceled BuildState = 4
)
