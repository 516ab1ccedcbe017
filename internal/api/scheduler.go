package api

import (
	"net/http"

	"buildhub/internal/models"
	"buildhub/internal/session"
	"buildhub/internal/store"
)

func (s *Server) runScheduler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force bool `json:"force"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := session.From(r.Context()).AssertPerm("admin"); err != nil {
		writeError(w, err)
		return
	}
	var ran bool
	err := s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		var err error
		ran, err = s.sched.Run(r.Context(), tx, body.Force)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"ran": ran})
}

func (s *Server) getLogMessages(w http.ResponseWriter, r *http.Request) {
	taskID, err := queryInt64(r, "task_id")
	if err != nil {
		writeError(w, err)
		return
	}
	hostID, err := queryInt64(r, "host_id")
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.db.LogMessages(r.Context(), taskID, hostID, queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, msgs)
}

// getTasksForHost is the worker poll endpoint. With retry set, a quiet
// queue triggers a scheduler pass before re-checking.
func (s *Server) getTasksForHost(w http.ResponseWriter, r *http.Request) {
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
	if sess.HostID == nil || *sess.HostID != id {
		if !sess.HasPerm("admin") {
			writeError(w, models.ErrPermission)
			return
		}
	}
	var tasks []models.Task
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		var err error
		tasks, err = s.sched.GetTasksForHost(r.Context(), tx, id, queryBool(r, "retry"))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, tasks)
}

func (s *Server) getHostData(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.db.GetHostData(r.Context(), &id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(data) == 0 {
		respond(w, http.StatusOK, models.HostData{HostID: id, Data: map[string]any{}})
		return
	}
	respond(w, http.StatusOK, data[0])
}

func (s *Server) setHostData(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body map[string]any
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := session.From(r.Context()).AssertPerm("admin"); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.SetHostData(r.Context(), id, body); err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}
