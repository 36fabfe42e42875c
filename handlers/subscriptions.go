package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/meridianhq/orchestrator/store"
)

type subscribeRequest struct {
	CallbackTopic string     `json:"callback_topic"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription payload: "+err.Error())
		return
	}

	// The execution must exist before interest can be registered on it.
	if _, err := s.execs.GetExecution(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	sub := &store.ExecutionSubscription{
		ExecutionID:   id,
		CallbackTopic: req.CallbackTopic,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := s.subs.Subscribe(r.Context(), sub); err != nil {
		if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrStoreUnavailable) {
			writeStoreError(w, err)
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	subs, err := s.subs.List(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}
