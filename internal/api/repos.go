package api

import (
	"fmt"
	"net/http"

	"buildhub/internal/models"
	"buildhub/internal/repoqueue"
	"buildhub/internal/session"
	"buildhub/internal/store"
)

type repoRequestBody struct {
	TagID     int64           `json:"tag_id"`
	MinEvent  *int64          `json:"min_event"`
	LastEvent bool            `json:"last_event"`
	AtEvent   *int64          `json:"at_event"`
	Opts      models.RepoOpts `json:"opts"`
	Priority  *int            `json:"priority"`
	Force     bool            `json:"force"`
}

func (s *Server) requestRepo(w http.ResponseWriter, r *http.Request) {
	var body repoRequestBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess := session.From(r.Context())
	var res *repoqueue.RequestResult
	err := s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		var err error
		res, err = s.queue.RequestRepo(r.Context(), tx, sess, body.TagID, repoqueue.RequestOpts{
			MinEvent:  body.MinEvent,
			LastEvent: body.LastEvent,
			AtEvent:   body.AtEvent,
			Opts:      body.Opts,
			Priority:  body.Priority,
			Force:     body.Force,
		})
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (s *Server) getRepoOpts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TagID    int64           `json:"tag_id"`
		Override models.RepoOpts `json:"override"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	tag, err := s.db.GetTag(r.Context(), body.TagID)
	if err != nil {
		writeError(w, err)
		return
	}
	opts, custom, err := s.queue.GetRepoOpts(tag, body.Override)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]models.RepoOpts{"opts": opts, "custom": custom})
}

func (s *Server) getRepo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.db.GetRepo(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, repo)
}

func (s *Server) queryRepos(w http.ResponseWriter, r *http.Request) {
	tagID, err := queryInt64(r, "tag_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var state *models.RepoState
	if v, err := queryInt64(r, "state"); err != nil {
		writeError(w, err)
		return
	} else if v != nil {
		st := models.RepoState(*v)
		state = &st
	}
	repos, err := s.db.QueryRepos(r.Context(), tagID, state, queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, repos)
}

func (s *Server) queryQueue(w http.ResponseWriter, r *http.Request) {
	tagID, err := queryInt64(r, "tag_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var active *bool
	if v := r.URL.Query().Get("active"); v != "" {
		b := queryBool(r, "active")
		active = &b
	}
	reqs, err := s.db.QueryQueue(r.Context(), tagID, active, queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, reqs)
}

func (s *Server) checkRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var status *repoqueue.RequestStatus
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		var err error
		status, err = s.queue.CheckRequest(r.Context(), tx, id)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, status)
}

func (s *Server) setRequestPriority(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Priority int `json:"priority"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := session.From(r.Context()).AssertPerm("admin"); err != nil {
		writeError(w, err)
		return
	}
	// verify the request exists so a bad id is a 404, not a silent no-op
	if _, err := s.db.GetRequest(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.SetRequestPriority(r.Context(), id, body.Priority); err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}

func (s *Server) checkQueue(w http.ResponseWriter, r *http.Request) {
	if err := session.From(r.Context()).AssertPerm("repo"); err != nil {
		writeError(w, err)
		return
	}
	var ran bool
	err := s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		var err error
		ran, err = s.queue.CheckQueue(r.Context(), tx)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"ran": ran})
}

func (s *Server) autoRequests(w http.ResponseWriter, r *http.Request) {
	sess := session.From(r.Context())
	if err := sess.AssertPerm("repo"); err != nil {
		writeError(w, err)
		return
	}
	err := s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		return s.queue.DoAutoRequests(r.Context(), tx, sess)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}

func (s *Server) updateEndEvents(w http.ResponseWriter, r *http.Request) {
	if err := session.From(r.Context()).AssertPerm("repo"); err != nil {
		writeError(w, err)
		return
	}
	err := s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		return s.queue.UpdateEndEvents(r.Context(), tx)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}

func (s *Server) setRepoState(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		State models.RepoState `json:"state"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.State < models.RepoInit || body.State > models.RepoProblem {
		writeError(w, fmt.Errorf("%w: invalid repo state: %d", models.ErrParameter, body.State))
		return
	}
	sess := session.From(r.Context())
	if err := sess.AssertPerm("repo"); err != nil {
		writeError(w, err)
		return
	}
	err = s.db.WithTx(r.Context(), func(tx *store.Tx) error {
		return s.queue.SetState(r.Context(), tx, id, body.State)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}

func (s *Server) getExternalRepoData(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.db.GetExternalRepoData(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, data)
}

func (s *Server) setExternalRepoData(w http.ResponseWriter, r *http.Request) {
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
	sess := session.From(r.Context())
	if err := sess.AssertPerm("repo"); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.SetExternalRepoData(r.Context(), id, sess.UserID, body); err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"done": true})
}
