package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/orchestrator/dag"
	"github.com/meridianhq/orchestrator/engine"
	"github.com/meridianhq/orchestrator/store"
)

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution request: "+err.Error())
		return
	}
	if req.DefinitionID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "definition_id is required")
		return
	}

	exec, err := s.engine.StartExecution(r.Context(), req)
	if err != nil {
		var verr *dag.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	f := store.ExecutionFilter{Pagination: pagination(r)}
	q := r.URL.Query()
	if v := q.Get("definition_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid definition_id")
			return
		}
		f.DefinitionID = &id
	}
	f.Status = store.ExecutionStatus(q.Get("status"))
	var err error
	if f.Since, err = parseTimeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid since timestamp")
		return
	}
	if f.Until, err = parseTimeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid until timestamp")
		return
	}

	execs, err := s.execs.ListExecutions(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// executionDetail is the combined execution plus per-step view.
type executionDetail struct {
	Execution *store.PipelineExecution `json:"execution"`
	Steps     []*store.StepExecution   `json:"steps"`
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	exec, err := s.execs.GetExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := s.execs.ListSteps(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrStoreUnavailable) {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executionDetail{Execution: exec, Steps: steps})
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) listProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	f := store.ProgressFilter{
		ExecutionID: id,
		EventType:   r.URL.Query().Get("event_type"),
		Pagination:  pagination(r),
	}
	if f.Since, err = parseTimeParam(r.URL.Query().Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid since timestamp")
		return
	}
	if f.Until, err = parseTimeParam(r.URL.Query().Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid until timestamp")
		return
	}

	events, err := s.progress.ListProgress(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
