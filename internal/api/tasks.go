package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"buildhub/internal/models"
	"buildhub/internal/session"
	"buildhub/internal/store"
	"buildhub/internal/task"
)

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := task.New(s.db.Queries, s.hooks, id).GetInfo(r.Context(), true, queryBool(r, "request"))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, info)
}

func (s *Server) getTaskRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := task.New(s.db.Queries, s.hooks, id).GetRequest(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"request": req})
}

func (s *Server) getTaskResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raiseFault := true
	if v := r.URL.Query().Get("raise_fault"); v != "" {
		raiseFault = queryBool(r, "raise_fault")
	}
	result, fault, err := task.New(s.db.Queries, s.hooks, id).GetResult(r.Context(), raiseFault)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"result": result, "fault": fault})
}

func (s *Server) getTaskChildren(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	children, err := task.New(s.db.Queries, s.hooks, id).GetChildren(r.Context(), queryBool(r, "request"))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, children)
}

func (s *Server) getTaskRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.db.TaskRuns(r.Context(), &id, nil, queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, runs)
}

// callerHost resolves the worker identity for host-scoped task
// operations: the session's host, or an explicit id when the caller is
// an admin acting on a host's behalf.
func callerHost(sess *session.Session, explicit *int64) (int64, error) {
	if sess.HostID != nil {
		return *sess.HostID, nil
	}
	if explicit != nil && sess.HasPerm("admin") {
		return *explicit, nil
	}
	return 0, fmt.Errorf("%w: host identity required", models.ErrPermission)
}

func (s *Server) openTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		HostID *int64 `json:"host_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess := session.From(r.Context())
	if err := sess.AssertLogin(); err != nil {
		writeError(w, err)
		return
	}
	hostID, err := callerHost(sess, body.HostID)
	if err != nil {
		writeError(w, err)
		return
	}
	var info *models.Task
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		var err error
		info, err = task.New(tx.Queries, s.hooks, id).Open(r.Context(), hostID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		// another host won the claim
		respond(w, http.StatusConflict, errorBody{Error: "task not available"})
		return
	}
	respond(w, http.StatusOK, info)
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		HostID   int64 `json:"host_id"`
		Force    bool  `json:"force"`
		Override bool  `json:"override"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess := session.From(r.Context())
	if err := sess.AssertPerm("admin"); err != nil {
		writeError(w, err)
		return
	}
	var ok bool
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		var err error
		ok, err = s.sched.DoAssign(r.Context(), tx, id, body.HostID, body.Force, body.Override)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"assigned": ok})
}

func (s *Server) freeTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess := session.From(r.Context())
	if err := sess.AssertLogin(); err != nil {
		writeError(w, err)
		return
	}
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		t := task.New(tx.Queries, s.hooks, id)
		if err := s.assertOwnerOrAdmin(r.Context(), t, sess); err != nil {
			return err
		}
		return t.Free(r.Context())
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"freed": true})
}

func (s *Server) assertOwnerOrAdmin(ctx context.Context, t *task.Task, sess *session.Session) error {
	if sess.HasPerm("admin") {
		return nil
	}
	return t.AssertOwner(ctx, sess.UserID)
}

// closeResult carries the reported result for close/fail.
type closeResult struct {
	Result json.RawMessage `json:"result"`
}

func (s *Server) closeTask(w http.ResponseWriter, r *http.Request) {
	s.finishTask(w, r, func(ctx context.Context, t *task.Task, result json.RawMessage) error {
		return t.Close(ctx, result)
	})
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	s.finishTask(w, r, func(ctx context.Context, t *task.Task, result json.RawMessage) error {
		return t.Fail(ctx, result)
	})
}

func (s *Server) finishTask(w http.ResponseWriter, r *http.Request, fn func(context.Context, *task.Task, json.RawMessage) error) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body closeResult
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess := session.From(r.Context())
	if err := sess.AssertLogin(); err != nil {
		writeError(w, err)
		return
	}
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		t := task.New(tx.Queries, s.hooks, id)
		// only the host running the task may report its outcome
		if sess.HostID != nil {
			if err := t.AssertHost(r.Context(), *sess.HostID); err != nil {
				return err
			}
		} else if !sess.HasPerm("admin") {
			return fmt.Errorf("%w: host identity required", models.ErrPermission)
		}
		return fn(r.Context(), t, body.Result)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Recurse bool `json:"recurse"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess := session.From(r.Context())
	if err := sess.AssertLogin(); err != nil {
		writeError(w, err)
		return
	}
	var canceled bool
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		t := task.New(tx.Queries, s.hooks, id)
		if err := s.assertOwnerOrAdmin(r.Context(), t, sess); err != nil {
			return err
		}
		var err error
		canceled, err = t.Cancel(r.Context(), body.Recurse)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (s *Server) cancelTaskFull(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Strict *bool `json:"strict"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	strict := true
	if body.Strict != nil {
		strict = *body.Strict
	}
	sess := session.From(r.Context())
	if err := sess.AssertLogin(); err != nil {
		writeError(w, err)
		return
	}
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		t := task.New(tx.Queries, s.hooks, id)
		if err := s.assertOwnerOrAdmin(r.Context(), t, sess); err != nil {
			return err
		}
		return t.CancelFull(r.Context(), strict)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"canceled": true})
}

func (s *Server) setTaskWeight(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Weight float64 `json:"weight"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess := session.From(r.Context())
	if err := sess.AssertLogin(); err != nil {
		writeError(w, err)
		return
	}
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		t := task.New(tx.Queries, s.hooks, id)
		if sess.HostID != nil {
			if err := t.AssertHost(r.Context(), *sess.HostID); err != nil {
				return err
			}
		} else if !sess.HasPerm("admin") {
			return fmt.Errorf("%w: host identity required", models.ErrPermission)
		}
		return t.SetWeight(r.Context(), body.Weight)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}

func (s *Server) setTaskPriority(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Priority int  `json:"priority"`
		Recurse  bool `json:"recurse"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := session.From(r.Context()).AssertPerm("admin"); err != nil {
		writeError(w, err)
		return
	}
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		return task.New(tx.Queries, s.hooks, id).SetPriority(r.Context(), body.Priority, body.Recurse)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}

func (s *Server) refuseTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		HostID *int64 `json:"host_id"`
		Soft   bool   `json:"soft"`
		Msg    string `json:"msg"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess := session.From(r.Context())
	if err := sess.AssertLogin(); err != nil {
		writeError(w, err)
		return
	}
	hostID, err := callerHost(sess, body.HostID)
	if err != nil {
		writeError(w, err)
		return
	}
	byHost := sess.HostID != nil
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		return s.sched.SetRefusal(r.Context(), tx, id, hostID, body.Soft, byHost, body.Msg)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}
