package task

import (
	"context"
	"fmt"

	"buildhub/internal/hooks"
	"buildhub/internal/models"
)

// attrValue pulls the named attribute off a task snapshot.
func attrValue(info *models.Task, attr string) any {
	if info == nil {
		return nil
	}
	switch attr {
	case "state":
		return info.State
	case "host_id":
		return info.HostID
	case "weight":
		return info.Weight
	case "priority":
		return info.Priority
	case "completion_ts":
		return info.CompletionTime
	}
	return nil
}

// stateName renders state values as names for hook consumers, which
// should never have to know the integer encoding.
func stateName(v any) any {
	switch s := v.(type) {
	case models.TaskState:
		return s.String()
	case *models.TaskState:
		if s == nil {
			return nil
		}
		return s.String()
	case nil:
		return nil
	}
	return v
}

// runCallbacks brackets a task mutation with registered hooks. Pre
// hooks see the snapshot taken before the change and may rewrite it;
// post hooks see the committed row re-fetched from the database, with
// the result attached for a closed task.
func (t *Task) runCallbacks(ctx context.Context, event string, info *models.Task, attr string, newVal any) error {
	if t.hooks == nil {
		return nil
	}
	old := attrValue(info, attr)
	if event == hooks.PostTaskStateChange {
		fresh, err := t.GetInfo(ctx, true, true)
		if err != nil {
			return fmt.Errorf("refetch task %d for hooks: %w", t.id, err)
		}
		if fresh.State == models.TaskClosed {
			_, raw, err := t.db.GetTaskStateResult(ctx, t.id)
			if err != nil {
				return err
			}
			fresh.Result, err = decodePayload(raw)
			if err != nil {
				return fmt.Errorf("decode result for task %d: %w", t.id, err)
			}
		}
		info = fresh
		newVal = attrValue(info, attr)
	}
	if attr == "state" {
		old = stateName(old)
		newVal = stateName(newVal)
	}
	return t.hooks.Run(ctx, event, &hooks.Event{
		Attribute: attr,
		Old:       old,
		New:       newVal,
		Info:      info,
	})
}
