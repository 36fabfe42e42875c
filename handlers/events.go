package handlers

import "net/http"

// eventCallback is the completion report sent by an external system for an
// event-driven step.
type eventCallback struct {
	CorrelationKey string         `json:"correlation_key"`
	HandlerType    string         `json:"handler_type,omitempty"`
	Success        bool           `json:"success"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var cb eventCallback
	if err := decodeJSON(r, &cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}
	if cb.CorrelationKey == "" {
		writeError(w, http.StatusBadRequest, "correlation_key is required")
		return
	}

	// Unknown and already-resolved keys are dropped inside RouteEvent, so
	// the callback is safe to retry from the caller's side.
	if err := s.engine.RouteEvent(r.Context(), cb.CorrelationKey, cb.HandlerType, cb.Success, cb.Outputs, cb.Error); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
