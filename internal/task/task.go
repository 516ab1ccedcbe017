// Package task owns the lifecycle of a single build task row. Every
// mutation here runs under a database row lock or a conditional update;
// concurrent contention is an expected outcome reported through return
// values, not errors.
package task

import (
	"context"
	"fmt"
	"log"

	"buildhub/internal/hooks"
	"buildhub/internal/models"
)

// Storage is the store surface the state machine consumes. It is
// satisfied by a transaction-scoped store handle; row locks only hold
// for the life of that transaction.
type Storage interface {
	GetTask(ctx context.Context, id int64) (models.Task, error)
	GetTaskRequestRaw(ctx context.Context, id int64) (string, error)
	GetTaskStateResult(ctx context.Context, id int64) (models.TaskState, string, error)
	TaskStateHost(ctx context.Context, id int64, rowlock bool) (models.TaskState, *int64, error)
	TaskParentLocked(ctx context.Context, id int64) (*int64, error)
	TaskOwner(ctx context.Context, id int64) (int64, error)
	SetTaskStateHost(ctx context.Context, id int64, state models.TaskState, host *int64) error
	CloseTask(ctx context.Context, id int64, state models.TaskState, result string) error
	CancelTaskRow(ctx context.Context, id int64) error
	SetTaskWeight(ctx context.Context, id int64, weight float64) error
	SetTaskPriority(ctx context.Context, id int64, priority int) error
	ChildTaskIDs(ctx context.Context, parent int64) ([]int64, error)
	ChildTasks(ctx context.Context, parent int64) ([]models.Task, error)
	BuildingBuildIDs(ctx context.Context, taskID int64) ([]int64, error)
	CancelBuild(ctx context.Context, buildID int64) error
}

// Task is a handle on one task row.
type Task struct {
	id    int64
	db    Storage
	hooks *hooks.Registry
}

// New returns a handle for the given task id. The storage handle should
// be transaction-scoped so row locks cover the whole operation.
func New(db Storage, reg *hooks.Registry, id int64) *Task {
	return &Task{id: id, db: db, hooks: reg}
}

func (t *Task) ID() int64 { return t.id }

// VerifyHost reports whether the task is OPEN and owned by the host.
// The row lock keeps a concurrent mutation from invalidating the answer
// before the caller acts on it.
func (t *Task) VerifyHost(ctx context.Context, hostID *int64) (bool, error) {
	if hostID == nil {
		return false, nil
	}
	state, owner, err := t.db.TaskStateHost(ctx, t.id, true)
	if err != nil {
		return false, err
	}
	return state == models.TaskOpen && owner != nil && *owner == *hostID, nil
}

// AssertHost errors unless the host owns the task.
func (t *Task) AssertHost(ctx context.Context, hostID int64) error {
	ok, err := t.VerifyHost(ctx, &hostID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: host %d does not own task %d", models.ErrPermission, hostID, t.id)
	}
	return nil
}

// GetOwner returns the owning user id.
func (t *Task) GetOwner(ctx context.Context) (int64, error) {
	return t.db.TaskOwner(ctx, t.id)
}

// VerifyOwner reports whether the user owns the task, under a row lock.
func (t *Task) VerifyOwner(ctx context.Context, userID int64) (bool, error) {
	if userID == 0 {
		return false, nil
	}
	owner, err := t.db.TaskOwner(ctx, t.id)
	if err != nil {
		return false, err
	}
	return owner == userID, nil
}

// AssertOwner errors unless the user owns the task.
func (t *Task) AssertOwner(ctx context.Context, userID int64) error {
	ok, err := t.VerifyOwner(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d does not own task %d", models.ErrPermission, userID, t.id)
	}
	return nil
}

// lockOutcome classifies what the transition table decided.
type lockOutcome int

const (
	lockProceed    lockOutcome = iota // apply the transition
	lockRefuse                        // someone else holds the task; not an error
	lockIdempotent                    // nothing to do, report success
)

// decideLock applies the assignment transition table to the locked row
// state. The note, when set, is an anomaly worth logging.
func decideLock(taskID int64, state models.TaskState, otherHost *int64, hostID int64, newState models.TaskState) (lockOutcome, string) {
	switch state {
	case models.TaskFree:
		if otherHost != nil {
			return lockRefuse, fmt.Sprintf("task %d is both free and handled by host %d", taskID, *otherHost)
		}
		return lockProceed, ""
	case models.TaskAssigned:
		switch {
		case otherHost == nil:
			return lockRefuse, fmt.Sprintf("task %d is assigned, but no host is really assigned", taskID)
		case *otherHost != hostID:
			// assigned to someone else, no error just refuse
			return lockRefuse, ""
		case newState == models.TaskAssigned:
			// double assign is a weird situation but state doesn't really change
			return lockIdempotent, fmt.Sprintf("double assign of task %d and host %d", taskID, hostID)
		default:
			// assigned to hostID, so keep going
			return lockProceed, ""
		}
	case models.TaskCanceled:
		// it is ok that the task was canceled meanwhile
		return lockRefuse, ""
	case models.TaskOpen:
		if otherHost == nil {
			return lockRefuse, fmt.Sprintf("task %d is opened but not handled by any host", taskID)
		}
		if *otherHost == hostID {
			return lockRefuse, fmt.Sprintf("task %d is already open and handled by %d (double open/assign)", taskID, hostID)
		}
		return lockRefuse, ""
	default:
		// CLOSED or FAILED
		if otherHost == nil {
			return lockRefuse, fmt.Sprintf("task %d is non-free but not handled by any host (state %s)", taskID, state)
		}
		return lockRefuse, ""
	}
}

// Lock attempts to associate the task with a host, either to assign or
// open it. Returns true on success, false when the task was not
// available; contention is a normal outcome here, never an error.
// force bypasses all state checks.
func (t *Task) Lock(ctx context.Context, hostID int64, newState models.TaskState, force bool) (bool, error) {
	info, err := t.GetInfo(ctx, true, true)
	if err != nil {
		return false, err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "state", newState); err != nil {
		return false, err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "host_id", hostID); err != nil {
		return false, err
	}

	if !force {
		state, otherHost, err := t.db.TaskStateHost(ctx, t.id, true)
		if err != nil {
			return false, err
		}
		outcome, note := decideLock(t.id, state, otherHost, hostID, newState)
		if note != "" {
			log.Printf("task lock: %s", note)
		}
		switch outcome {
		case lockRefuse:
			return false, nil
		case lockIdempotent:
			return true, nil
		}
	}
	// task is free and unlocked, assigned to hostID, or force is set
	if err := t.db.SetTaskStateHost(ctx, t.id, newState, &hostID); err != nil {
		return false, err
	}
	if err := t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "state", newState); err != nil {
		return false, err
	}
	if err := t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "host_id", hostID); err != nil {
		return false, err
	}
	return true, nil
}

// Assign attempts to assign the task to a host.
func (t *Task) Assign(ctx context.Context, hostID int64, force bool) (bool, error) {
	return t.Lock(ctx, hostID, models.TaskAssigned, force)
}

// Open attempts to open the task for the host. On success it returns
// the task data with the decoded request payload.
func (t *Task) Open(ctx context.Context, hostID int64) (*models.Task, error) {
	ok, err := t.Lock(ctx, hostID, models.TaskOpen, false)
	if err != nil || !ok {
		return nil, err
	}
	info, err := t.GetInfo(ctx, true, true)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Free returns a task to the pool, clearing its host. Freeing a
// finished task is a domain error. Access checks are the caller's job.
func (t *Task) Free(ctx context.Context) error {
	info, err := t.GetInfo(ctx, true, true)
	if err != nil {
		return err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "state", models.TaskFree); err != nil {
		return err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "host_id", nil); err != nil {
		return err
	}
	state, _, err := t.db.TaskStateHost(ctx, t.id, true)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return fmt.Errorf("%w: cannot free task %d, state is %s", models.ErrBadState, t.id, state)
	}
	if err := t.db.SetTaskStateHost(ctx, t.id, models.TaskFree, nil); err != nil {
		return err
	}
	if err := t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "state", models.TaskFree); err != nil {
		return err
	}
	return t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "host_id", nil)
}

// SetWeight updates the task's capacity cost.
func (t *Task) SetWeight(ctx context.Context, weight float64) error {
	info, err := t.GetInfo(ctx, true, true)
	if err != nil {
		return err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "weight", weight); err != nil {
		return err
	}
	if err := t.db.SetTaskWeight(ctx, t.id, weight); err != nil {
		return err
	}
	return t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "weight", weight)
}

// SetPriority updates the task's priority, optionally cascading to the
// subtree. The walk carries a revisit guard so a malformed parent link
// cannot send it into a loop.
func (t *Task) SetPriority(ctx context.Context, priority int, recurse bool) error {
	return t.setPriority(ctx, priority, recurse, map[int64]bool{})
}

func (t *Task) setPriority(ctx context.Context, priority int, recurse bool, seen map[int64]bool) error {
	if seen[t.id] {
		return fmt.Errorf("%w: at task %d", models.ErrLoop, t.id)
	}
	seen[t.id] = true
	info, err := t.GetInfo(ctx, true, true)
	if err != nil {
		return err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "priority", priority); err != nil {
		return err
	}
	if err := t.db.SetTaskPriority(ctx, t.id, priority); err != nil {
		return err
	}
	if err := t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "priority", priority); err != nil {
		return err
	}
	if recurse {
		children, err := t.db.ChildTaskIDs(ctx, t.id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := New(t.db, t.hooks, child).setPriority(ctx, priority, true, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// close sets the result payload and a terminal state. Pre-hooks may
// rewrite the result on the snapshot; the rewritten value is committed.
func (t *Task) close(ctx context.Context, result []byte, state models.TaskState) error {
	info, err := t.GetInfo(ctx, true, true)
	if err != nil {
		return err
	}
	info.Result = result
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "state", state); err != nil {
		return err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "completion_ts", nil); err != nil {
		return err
	}
	// commit the result from the snapshot so hook rewrites take effect
	if err := t.db.CloseTask(ctx, t.id, state, string(info.Result)); err != nil {
		return err
	}
	if err := t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "state", state); err != nil {
		return err
	}
	return t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "completion_ts", nil)
}

// Close marks the task successfully completed with the given result.
func (t *Task) Close(ctx context.Context, result []byte) error {
	return t.close(ctx, result, models.TaskClosed)
}

// Fail marks the task failed with the given result.
func (t *Task) Fail(ctx context.Context, result []byte) error {
	return t.close(ctx, result, models.TaskFailed)
}

// GetState returns the current state.
func (t *Task) GetState(ctx context.Context) (models.TaskState, error) {
	state, _, err := t.db.TaskStateHost(ctx, t.id, false)
	return state, err
}

func (t *Task) IsFinished(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	return state.Terminal(), err
}

func (t *Task) IsCanceled(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	return state == models.TaskCanceled, err
}

func (t *Task) IsFailed(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	return state == models.TaskFailed, err
}

// Cancel cancels the task. Already-canceled is an idempotent success;
// CLOSED/FAILED cannot be canceled and return false. Builds still in
// progress for this task are canceled without re-triggering task
// cancellation from the build side, breaking the mutual-cancel loop.
func (t *Task) Cancel(ctx context.Context, recurse bool) (bool, error) {
	info, err := t.GetInfo(ctx, true, true)
	if err != nil {
		return false, err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "state", models.TaskCanceled); err != nil {
		return false, err
	}
	if err := t.runCallbacks(ctx, hooks.PreTaskStateChange, info, "completion_ts", nil); err != nil {
		return false, err
	}
	state, _, err := t.db.TaskStateHost(ctx, t.id, true)
	if err != nil {
		return false, err
	}
	switch state {
	case models.TaskCanceled:
		return true, nil
	case models.TaskClosed, models.TaskFailed:
		return false, nil
	}
	if err := t.db.CancelTaskRow(ctx, t.id); err != nil {
		return false, err
	}
	if err := t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "state", models.TaskCanceled); err != nil {
		return false, err
	}
	if err := t.runCallbacks(ctx, hooks.PostTaskStateChange, info, "completion_ts", nil); err != nil {
		return false, err
	}
	// cancel associated builds (only those still BUILDING); checking
	// build state on our end avoids loops with build-side cancellation
	builds, err := t.db.BuildingBuildIDs(ctx, t.id)
	if err != nil {
		return false, err
	}
	for _, buildID := range builds {
		if err := t.db.CancelBuild(ctx, buildID); err != nil {
			return false, err
		}
	}
	if recurse {
		if err := t.CancelChildren(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

// CancelChildren cancels all child tasks, depth-first.
func (t *Task) CancelChildren(ctx context.Context) error {
	children, err := t.db.ChildTaskIDs(ctx, t.id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if _, err := New(t.db, t.hooks, child).Cancel(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// CancelFull cancels this task and every other task in its group. With
// strict set the task must be top-level; otherwise the chain is walked
// up to find the top-level task first. Parent cycles and worklist
// revisits both raise a loop error rather than spinning.
func (t *Task) CancelFull(ctx context.Context, strict bool) error {
	taskID := t.id
	parent, err := t.db.TaskParentLocked(ctx, taskID)
	if err != nil {
		return err
	}
	if parent != nil {
		if strict {
			return fmt.Errorf("%w: task %d is not top-level (parent=%d)", models.ErrBadState, taskID, *parent)
		}
		// find the top-level task and go from there
		seen := map[int64]bool{taskID: true}
		for parent != nil {
			if seen[*parent] {
				return fmt.Errorf("%w: at task %d", models.ErrLoop, taskID)
			}
			taskID = *parent
			seen[taskID] = true
			parent, err = t.db.TaskParentLocked(ctx, taskID)
			if err != nil {
				return err
			}
		}
		return New(t.db, t.hooks, taskID).CancelFull(ctx, true)
	}
	// We handle the recursion ourselves, since Cancel stops at canceled
	// or closed tasks.
	worklist := []int64{taskID}
	seen := map[int64]bool{}
	for i := 0; i < len(worklist); i++ {
		id := worklist[i]
		if seen[id] {
			// shouldn't happen
			return fmt.Errorf("%w: at task %d", models.ErrLoop, id)
		}
		seen[id] = true
		if _, err := New(t.db, t.hooks, id).Cancel(ctx, false); err != nil {
			return err
		}
		children, err := t.db.ChildTaskIDs(ctx, id)
		if err != nil {
			return err
		}
		worklist = append(worklist, children...)
	}
	return nil
}

// GetInfo returns the task row. With request set, the decoded request
// payload is included. With strict unset, a missing task yields nil.
func (t *Task) GetInfo(ctx context.Context, strict, request bool) (*models.Task, error) {
	info, err := t.db.GetTask(ctx, t.id)
	if err != nil {
		if !strict && isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if request {
		req, err := t.GetRequest(ctx)
		if err != nil {
			return nil, err
		}
		info.Request = req
	}
	return &info, nil
}

// GetChildren returns the tasks that have this task as their parent.
func (t *Task) GetChildren(ctx context.Context, request bool) ([]models.Task, error) {
	children, err := t.db.ChildTasks(ctx, t.id)
	if err != nil {
		return nil, err
	}
	if request {
		for i := range children {
			raw, err := t.db.GetTaskRequestRaw(ctx, children[i].ID)
			if err != nil {
				return nil, err
			}
			children[i].Request, err = decodePayload(raw)
			if err != nil {
				return nil, fmt.Errorf("decode request for task %d: %w", children[i].ID, err)
			}
		}
	}
	return children, nil
}
