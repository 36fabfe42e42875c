package handlers

import (
	"net/http"
	"strconv"

	"github.com/meridianhq/orchestrator/dag"
)

func (s *Server) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	var def dag.Definition
	if err := decodeJSON(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid definition payload: "+err.Error())
		return
	}

	result := dag.CheckDefinition(&def)
	if !result.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	if err := s.defs.CreateDefinition(r.Context(), &def); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("workflow registered", "definition_id", def.ID, "version", def.Version, "name", def.Name)
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) validateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def dag.Definition
	if err := decodeJSON(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid definition payload: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dag.CheckDefinition(&def))
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.defs.ListDefinitions(r.Context(), pagination(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		version, err = strconv.Atoi(v)
		if err != nil || version < 0 {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
	}
	def, err := s.defs.GetDefinition(r.Context(), id, version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}
