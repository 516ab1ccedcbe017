// Package scheduler assigns free tasks to build hosts. All coordination
// happens through the database: a pass takes an advisory lock, reads
// the world, and writes assignments, so any hub process can run it.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"buildhub/internal/config"
	"buildhub/internal/hooks"
	"buildhub/internal/models"
	"buildhub/internal/task"
	"buildhub/internal/telemetry"
)

const lockName = "scheduler"

// Storage is the transactional store surface a pass needs. It is
// satisfied by a transaction handle; the advisory lock and row locks
// last until that transaction ends.
type Storage interface {
	task.Storage

	TryLock(ctx context.Context, name string) (bool, error)
	Lock(ctx context.Context, name string) error

	GetSysData(ctx context.Context, name string) (string, bool, error)
	SetSysData(ctx context.Context, name, data string) error

	FreeTasks(ctx context.Context, limit int) ([]models.Task, error)
	ActiveTasks(ctx context.Context) ([]models.Task, error)
	TasksForHost(ctx context.Context, hostID int64) ([]models.Task, error)

	SchedulableHosts(ctx context.Context) ([]models.Host, error)
	GetHost(ctx context.Context, id int64) (models.Host, error)
	MarkHostsNotReady(ctx context.Context, ids []int64) error

	ActiveRuns(ctx context.Context) ([]models.TaskRun, error)
	DeactivateRunsForTask(ctx context.Context, taskID int64) error
	InsertRun(ctx context.Context, taskID, hostID int64) error
	DeactivateStaleRuns(ctx context.Context) (int64, error)

	ListRefusals(ctx context.Context) ([]models.TaskRefusal, error)
	DeleteRefusals(ctx context.Context, ids []int64) error
	UpsertRefusal(ctx context.Context, taskID, hostID int64, soft, byHost bool, msg string) error

	InsertLogMessage(ctx context.Context, msg string, taskID, hostID *int64) error
}

// Scheduler runs assignment passes. It holds no state between passes;
// everything lives in the database.
type Scheduler struct {
	cfg   config.Config
	hooks *hooks.Registry
}

func New(cfg config.Config, reg *hooks.Registry) *Scheduler {
	return &Scheduler{cfg: cfg, hooks: reg}
}

// logBoth writes an operator-facing message to both the process log and
// the scheduler log table.
func logBoth(ctx context.Context, db Storage, msg string, taskID, hostID *int64) {
	pre := ""
	if taskID != nil {
		pre += fmt.Sprintf("[task_id=%d] ", *taskID)
	}
	if hostID != nil {
		pre += fmt.Sprintf("[host_id=%d] ", *hostID)
	}
	log.Printf("%s%s", pre, msg)
	if err := db.InsertLogMessage(ctx, msg, taskID, hostID); err != nil {
		log.Printf("scheduler: log message insert failed: %v", err)
	}
}

// Run executes one scheduler pass. Returns false when the pass was
// skipped, either because another process holds the lock or because a
// pass ran too recently. force waits for the lock and ignores the
// interval.
func (s *Scheduler) Run(ctx context.Context, db Storage, force bool) (bool, error) {
	if force {
		if err := db.Lock(ctx, lockName); err != nil {
			return false, err
		}
	} else {
		ok, err := db.TryLock(ctx, lockName)
		if err != nil {
			return false, err
		}
		if !ok {
			// already running elsewhere
			telemetry.SchedulerSkipped.Inc()
			return false, nil
		}
	}

	if !force {
		ok, err := s.checkTS(ctx, db)
		if err != nil {
			return false, err
		}
		if !ok {
			telemetry.SchedulerSkipped.Inc()
			return false, nil
		}
	}

	log.Printf("running task scheduler")
	free, err := db.FreeTasks(ctx, s.cfg.FreeTaskLimit)
	if err != nil {
		return false, err
	}
	active, err := db.ActiveTasks(ctx)
	if err != nil {
		return false, err
	}
	hosts, err := db.SchedulableHosts(ctx)
	if err != nil {
		return false, err
	}
	byID, byBin := indexHosts(hosts, s.cfg.MaxJobs)

	if err := s.checkHosts(ctx, db, byID); err != nil {
		return false, err
	}
	if err := s.doSchedule(ctx, db, free, active, byID, byBin); err != nil {
		return false, err
	}
	if err := s.checkActiveTasks(ctx, db, active, byID); err != nil {
		return false, err
	}

	telemetry.SchedulerPasses.Inc()
	telemetry.FreeTasksGauge.Set(float64(len(free)))
	telemetry.ActiveTasksGauge.Set(float64(len(active)))
	return true, nil
}

// checkTS rate-limits passes through the last_run_ts system datum.
// A timestamp in the future (clock rollback) is rewritten so it cannot
// block scheduling forever.
func (s *Scheduler) checkTS(ctx context.Context, db Storage) (bool, error) {
	raw, found, err := db.GetSysData(ctx, "last_run_ts")
	if err != nil {
		return false, err
	}
	var last float64
	if found {
		if last, err = strconv.ParseFloat(raw, 64); err != nil {
			log.Printf("scheduler: bad last_run_ts %q", raw)
			last = 0
		}
	}

	now := float64(time.Now().UnixMilli()) / 1000
	delta := now - last
	ret := true
	switch {
	case delta < 0:
		log.Printf("scheduler: last run in the future by %.0f seconds", -delta)
		ret = false
	case delta < s.cfg.RunInterval.Seconds():
		// return without touching the timestamp
		return false, nil
	}
	if err := db.SetSysData(ctx, "last_run_ts", strconv.FormatFloat(now, 'f', -1, 64)); err != nil {
		return false, err
	}
	return ret, nil
}

// checkHosts drops the ready flag on hosts that have not checked in
// within the ready timeout.
func (s *Scheduler) checkHosts(ctx context.Context, db Storage, byID map[int64]*hostInfo) error {
	var stale []int64
	now := time.Now()
	for _, h := range byID {
		if !h.Ready {
			continue
		}
		if h.UpdateTS == nil || now.Sub(*h.UpdateTS) > s.cfg.ReadyTimeout {
			stale = append(stale, h.ID)
			logBoth(ctx, db, "Marking host not ready", nil, &h.ID)
			h.Ready = false
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return db.MarkHostsNotReady(ctx, stale)
}

// doSchedule performs the actual assignment: account current load, find
// candidates per free task, rank hosts, and greedily claim.
func (s *Scheduler) doSchedule(ctx context.Context, db Storage, freeTasks, active []models.Task, byID map[int64]*hostInfo, byBin map[string][]*hostInfo) error {
	log.Printf("scheduler: %d hosts, %d free tasks, %d active tasks", len(byID), len(freeTasks), len(active))

	accountLoad(active, byID)

	refusals, err := s.getRefusals(ctx, db)
	if err != nil {
		return err
	}

	free := make([]*taskInfo, len(freeTasks))
	for i := range freeTasks {
		t := &taskInfo{Task: freeTasks[i]}
		t.bin = binFor(t.ChannelID, t.Arch)
		free[i] = t
	}

	findCandidates(free, byBin, refusals, s.cfg.CapacityOvercommit)
	normalizeDemand(byID)

	var firstErr error
	planAssignments(free, s.cfg.CapacityOvercommit, func(t *taskInfo, h *hostInfo) bool {
		if firstErr != nil {
			return false
		}
		ok, err := s.assign(ctx, db, t.ID, h.ID, false, false)
		if err != nil {
			firstErr = err
			return false
		}
		return ok
	})
	return firstErr
}

// assign marks a task assigned to a host and records the run. With
// override set, no run entry is written, which keeps later passes from
// reassigning the task.
func (s *Scheduler) assign(ctx context.Context, db Storage, taskID, hostID int64, force, override bool) (bool, error) {
	ok, err := task.New(db, s.hooks, taskID).Assign(ctx, hostID, force)
	if err != nil {
		return false, err
	}
	if !ok {
		logBoth(ctx, db, "Assignment failed", &taskID, &hostID)
		return false, nil
	}
	if override {
		logBoth(ctx, db, "Assigning task (override)", &taskID, &hostID)
	} else {
		logBoth(ctx, db, "Assigning task", &taskID, &hostID)
	}
	// supersede any older runs for this task
	if err := db.DeactivateRunsForTask(ctx, taskID); err != nil {
		return false, err
	}
	if !override {
		if err := db.InsertRun(ctx, taskID, hostID); err != nil {
			return false, err
		}
	}
	telemetry.TasksAssigned.Inc()
	return true, nil
}

// getRefusals loads current refusals indexed by task then host,
// dropping soft refusals past their timeout and refusals whose task has
// already finished.
func (s *Scheduler) getRefusals(ctx context.Context, db Storage) (map[int64]map[int64]bool, error) {
	rows, err := db.ListRefusals(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-s.cfg.SoftRefusalTimeout)
	refusals := map[int64]map[int64]bool{}
	var drop []int64
	for _, r := range rows {
		if (r.Soft && r.Time.Before(cutoff)) || r.TaskState.Terminal() {
			drop = append(drop, r.ID)
			continue
		}
		m := refusals[r.TaskID]
		if m == nil {
			m = map[int64]bool{}
			refusals[r.TaskID] = m
		}
		m[r.HostID] = true
	}
	if len(drop) > 0 {
		if err := db.DeleteRefusals(ctx, drop); err != nil {
			return nil, err
		}
	}
	return refusals, nil
}

// checkActiveTasks reconciles active tasks against host liveness.
// Assigned tasks the host never picked up are freed, possibly with an
// implicit refusal; open tasks on unresponsive hosts are freed; runs
// whose task already left the active states are retired.
func (s *Scheduler) checkActiveTasks(ctx context.Context, db Storage, active []models.Task, byID map[int64]*hostInfo) error {
	runs, err := db.ActiveRuns(ctx)
	if err != nil {
		return err
	}
	runsByTask := map[int64][]models.TaskRun{}
	for _, r := range runs {
		runsByTask[r.TaskID] = append(runsByTask[r.TaskID], r)
	}

	now := time.Now()
	for _, t := range active {
		if t.HostID == nil {
			logBoth(ctx, db, "Active task with no host", &t.ID, nil)
			if err := s.freeTask(ctx, db, t.ID); err != nil {
				return err
			}
			continue
		}
		host, ok := byID[*t.HostID]
		if !ok {
			// host disabled or gone; leave the task for the operator
			continue
		}

		taskruns := runsByTask[t.ID]
		if len(taskruns) == 0 {
			// an assignment without a run entry is an override; leave it alone
			continue
		}
		if len(taskruns) > 1 {
			log.Printf("scheduler: multiple active run entries for task %d", t.ID)
		}
		earliest := taskruns[0].CreateTime
		for _, r := range taskruns[1:] {
			if r.CreateTime.Before(earliest) {
				earliest = r.CreateTime
			}
		}

		switch t.State {
		case models.TaskAssigned:
			if now.Sub(earliest) > s.cfg.AssignTimeout {
				// has the host checked in since we assigned?
				if host.UpdateTS != nil && host.UpdateTS.After(earliest) {
					// treat this as an implicit refusal
					if err := s.SetRefusal(ctx, db, t.ID, host.ID, true, false, "assignment timeout"); err != nil {
						return err
					}
				}
				logBoth(ctx, db, "Task assignment timeout", &t.ID, &host.ID)
				if err := s.freeTask(ctx, db, t.ID); err != nil {
					return err
				}
			}
		case models.TaskOpen:
			var age time.Duration
			if host.UpdateTS == nil {
				age = now.Sub(earliest)
			} else {
				age = now.Sub(*host.UpdateTS)
			}
			if age > s.cfg.HostTimeout {
				logBoth(ctx, db, "Freeing task from unresponsive host", &t.ID, &host.ID)
				if err := s.freeTask(ctx, db, t.ID); err != nil {
					return err
				}
			}
		}
	}

	_, err = db.DeactivateStaleRuns(ctx)
	return err
}

func (s *Scheduler) freeTask(ctx context.Context, db Storage, taskID int64) error {
	if err := task.New(db, s.hooks, taskID).Free(ctx); err != nil {
		return fmt.Errorf("free task %d: %w", taskID, err)
	}
	telemetry.TasksFreed.Inc()
	return nil
}

// SetRefusal records that a host refused, or was refused, a task.
func (s *Scheduler) SetRefusal(ctx context.Context, db Storage, taskID, hostID int64, soft, byHost bool, msg string) error {
	if err := db.UpsertRefusal(ctx, taskID, hostID, soft, byHost, msg); err != nil {
		return err
	}
	logBoth(ctx, db, "Host refused task: "+msg, &taskID, &hostID)
	return nil
}

// GetTasksForHost returns the tasks assigned to a host. When the host
// has nothing and retry is set, a scheduler pass runs and the query is
// repeated, so an idle host picks up fresh work in one round trip.
func (s *Scheduler) GetTasksForHost(ctx context.Context, db Storage, hostID int64, retry bool) ([]models.Task, error) {
	tasks, err := db.TasksForHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 && retry {
		if _, err := s.Run(ctx, db, false); err != nil {
			return nil, err
		}
		return db.TasksForHost(ctx, hostID)
	}
	return tasks, nil
}

// DoAssign force-assigns a task to a host on operator request. It waits
// for the scheduler lock so it cannot race a pass. The permission check
// belongs to the caller.
func (s *Scheduler) DoAssign(ctx context.Context, db Storage, taskID, hostID int64, force, override bool) (bool, error) {
	if _, err := db.GetHost(ctx, hostID); err != nil {
		return false, err
	}
	if err := db.Lock(ctx, lockName); err != nil {
		return false, err
	}
	return s.assign(ctx, db, taskID, hostID, force, override)
}
