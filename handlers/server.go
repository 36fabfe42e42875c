// Package handlers exposes the REST surface of the orchestrator: workflow
// registration, execution control, progress queries, the event ingress
// callback, subscriptions, and trigger management.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/meridianhq/orchestrator/engine"
	"github.com/meridianhq/orchestrator/store"
	"github.com/meridianhq/orchestrator/subscription"
	"github.com/meridianhq/orchestrator/trigger"
)

// Server holds the handler dependencies.
type Server struct {
	defs     store.DefinitionStore
	execs    store.ExecutionStore
	progress store.ProgressStore
	engine   *engine.Engine
	triggers *trigger.Manager
	subs     *subscription.Manager
	logger   *slog.Logger
}

// NewServer creates the REST server.
func NewServer(defs store.DefinitionStore, execs store.ExecutionStore, progress store.ProgressStore, eng *engine.Engine, triggers *trigger.Manager, subs *subscription.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		defs:     defs,
		execs:    execs,
		progress: progress,
		engine:   eng,
		triggers: triggers,
		subs:     subs,
		logger:   logger,
	}
}

// Routes registers all API routes on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/workflows", s.registerWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/validate", s.validateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", s.listWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.getWorkflow)

	mux.HandleFunc("POST /api/v1/executions", s.startExecution)
	mux.HandleFunc("GET /api/v1/executions", s.listExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.getExecution)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.cancelExecution)
	mux.HandleFunc("GET /api/v1/executions/{id}/progress", s.listProgress)

	mux.HandleFunc("POST /api/v1/events", s.ingestEvent)

	mux.HandleFunc("POST /api/v1/executions/{id}/subscriptions", s.createSubscription)
	mux.HandleFunc("GET /api/v1/executions/{id}/subscriptions", s.listSubscriptions)

	mux.HandleFunc("POST /api/v1/triggers/schedules", s.createSchedule)
	mux.HandleFunc("GET /api/v1/triggers/schedules", s.listSchedules)
	mux.HandleFunc("GET /api/v1/triggers/schedules/{id}", s.getSchedule)
	mux.HandleFunc("DELETE /api/v1/triggers/schedules/{id}", s.deleteSchedule)

	mux.HandleFunc("POST /api/v1/triggers/webhooks", s.createWebhook)
	mux.HandleFunc("GET /api/v1/triggers/webhooks", s.listWebhooks)
	mux.HandleFunc("DELETE /api/v1/triggers/webhooks/{id}", s.deleteWebhook)
	mux.HandleFunc("POST /api/v1/hooks/{token}", s.receiveWebhook)

	mux.HandleFunc("POST /api/v1/triggers/events", s.createEventTrigger)
	mux.HandleFunc("GET /api/v1/triggers/events", s.listEventTriggers)
	mux.HandleFunc("DELETE /api/v1/triggers/events/{id}", s.deleteEventTrigger)

	return mux
}

// pathID parses the {id} path segment as a UUID.
func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func parseUUIDField(v string) (uuid.UUID, error) {
	if v == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(v)
}

// pagination reads offset/limit query parameters over the defaults.
func pagination(r *http.Request) store.Pagination {
	p := store.DefaultPagination()
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Limit = n
		}
	}
	return p
}

// writeStoreError maps store sentinel errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
