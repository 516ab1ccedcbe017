// Package api exposes the hub operations over HTTP. Handlers translate
// requests into subsystem calls inside a transaction and map the domain
// error taxonomy onto status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"buildhub/internal/config"
	"buildhub/internal/hooks"
	"buildhub/internal/models"
	"buildhub/internal/repoqueue"
	"buildhub/internal/scheduler"
	"buildhub/internal/session"
	"buildhub/internal/store"
)

type Server struct {
	cfg   config.Config
	db    *store.Store
	sched *scheduler.Scheduler
	queue *repoqueue.Queue
	hooks *hooks.Registry
}

func New(cfg config.Config, db *store.Store, sched *scheduler.Scheduler, queue *repoqueue.Queue, reg *hooks.Registry) *Server {
	return &Server{cfg: cfg, db: db, sched: sched, queue: queue, hooks: reg}
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(sessionMiddleware)

	r.Get("/healthz", s.healthz)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/{id}", s.getTask)
		r.Get("/{id}/request", s.getTaskRequest)
		r.Get("/{id}/result", s.getTaskResult)
		r.Get("/{id}/children", s.getTaskChildren)
		r.Get("/{id}/runs", s.getTaskRuns)
		r.Post("/{id}/open", s.openTask)
		r.Post("/{id}/assign", s.assignTask)
		r.Post("/{id}/free", s.freeTask)
		r.Post("/{id}/close", s.closeTask)
		r.Post("/{id}/fail", s.failTask)
		r.Post("/{id}/cancel", s.cancelTask)
		r.Post("/{id}/cancel-full", s.cancelTaskFull)
		r.Post("/{id}/weight", s.setTaskWeight)
		r.Post("/{id}/priority", s.setTaskPriority)
		r.Post("/{id}/refusal", s.refuseTask)
	})

	r.Route("/scheduler", func(r chi.Router) {
		r.Post("/run", s.runScheduler)
		r.Get("/log-messages", s.getLogMessages)
	})

	r.Route("/hosts", func(r chi.Router) {
		r.Get("/{id}/tasks", s.getTasksForHost)
		r.Get("/{id}/data", s.getHostData)
		r.Put("/{id}/data", s.setHostData)
	})

	r.Route("/repos", func(r chi.Router) {
		r.Get("/", s.queryRepos)
		r.Post("/request", s.requestRepo)
		r.Post("/opts", s.getRepoOpts)
		r.Get("/queue", s.queryQueue)
		r.Post("/queue/check", s.checkQueue)
		r.Post("/auto-requests", s.autoRequests)
		r.Post("/end-events", s.updateEndEvents)
		r.Get("/requests/{id}", s.checkRequest)
		r.Post("/requests/{id}/priority", s.setRequestPriority)
		r.Get("/{id}", s.getRepo)
		r.Post("/{id}/state", s.setRepoState)
	})

	r.Route("/external-repos", func(r chi.Router) {
		r.Get("/{id}/data", s.getExternalRepoData)
		r.Put("/{id}/data", s.setExternalRepoData)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionMiddleware attaches the forwarded identity to the context.
func sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := session.With(r.Context(), session.FromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// decode reads a JSON body into v. An empty body is allowed so that
// action endpoints without parameters need no payload.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrParameter, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id", models.ErrParameter)
	}
	return id, nil
}

type errorBody struct {
	Error string        `json:"error"`
	Fault *models.Fault `json:"fault,omitempty"`
}

// writeError maps the domain error taxonomy to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var fe *models.FaultError
	switch {
	case errors.As(err, &fe):
		respond(w, http.StatusConflict, errorBody{Error: fe.Error(), Fault: &fe.Fault})
	case errors.Is(err, models.ErrParameter):
		respond(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, models.ErrPermission):
		respond(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, models.ErrNotFound):
		respond(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, models.ErrBadState), errors.Is(err, models.ErrLoop):
		respond(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		log.Printf("internal error: %v", err)
		respond(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s", models.ErrParameter, name)
	}
	return &id, nil
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
