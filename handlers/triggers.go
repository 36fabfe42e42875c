package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/meridianhq/orchestrator/store"
	"github.com/meridianhq/orchestrator/trigger"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sched store.TriggerSchedule
	if err := decodeJSON(r, &sched); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule payload: "+err.Error())
		return
	}
	if err := s.triggers.CreateSchedule(r.Context(), &sched); err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) || errors.Is(err, store.ErrDuplicate) {
			writeStoreError(w, err)
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	f := store.ScheduleFilter{
		Kind:       store.ScheduleKind(r.URL.Query().Get("kind")),
		Pagination: pagination(r),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid enabled flag")
			return
		}
		f.Enabled = &enabled
	}
	scheds, err := s.triggers.ListSchedules(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheds)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	sched, err := s.triggers.GetSchedule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if err := s.triggers.DeleteSchedule(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// createWebhookRequest carries the secret separately because the stored
// model never serializes it back out.
type createWebhookRequest struct {
	Name         string         `json:"name"`
	Secret       string         `json:"secret,omitempty"`
	DefinitionID string         `json:"definition_id"`
	Params       map[string]any `json:"params,omitempty"`
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload: "+err.Error())
		return
	}
	defID, err := parseUUIDField(req.DefinitionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid definition_id")
		return
	}
	hook := &store.WebhookTrigger{
		Name:         req.Name,
		Secret:       req.Secret,
		DefinitionID: defID,
		Params:       req.Params,
	}
	if err := s.triggers.CreateWebhook(r.Context(), hook); err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) || errors.Is(err, store.ErrDuplicate) {
			writeStoreError(w, err)
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	// The token is returned exactly once, at creation.
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.triggers.ListWebhooks(r.Context(), pagination(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	if err := s.triggers.DeleteWebhook(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	exec, err := s.triggers.HandleWebhook(r.Context(), token, r.Header.Get("X-Signature-256"), body)
	if err != nil {
		switch {
		case errors.Is(err, trigger.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown webhook token")
		default:
			writeStoreError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) createEventTrigger(w http.ResponseWriter, r *http.Request) {
	var t store.EventTrigger
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event trigger payload: "+err.Error())
		return
	}
	if err := s.triggers.CreateEventTrigger(r.Context(), &t); err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) || errors.Is(err, store.ErrDuplicate) {
			writeStoreError(w, err)
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listEventTriggers(w http.ResponseWriter, r *http.Request) {
	list, err := s.triggers.ListEventTriggers(r.Context(), pagination(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) deleteEventTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event trigger id")
		return
	}
	if err := s.triggers.DeleteEventTrigger(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
