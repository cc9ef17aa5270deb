package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/flowforge/orchestrator/internal/agentdef"
	"github.com/flowforge/orchestrator/pkg/orchestratorapi"
)

// handleRegisterAgentDefinition uploads a compiled WASM module and
// names it, so tasks elsewhere can reference the module by digest via
// TaskSpec.ModuleID / AddTaskRequest.ModuleID. Registering a definition
// is an operator-only action: it is how new executable code enters the
// system, unlike a task edit which only rearranges existing agents.
func (s *Server) handleRegisterAgentDefinition(w http.ResponseWriter, r *http.Request) {
	principal, code, msg := s.auth.authorize(r, "", "")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if !principal.hasScope("operator") {
		writeError(w, http.StatusForbidden, "registering an agent definition requires the operator scope")
		return
	}
	if s.agentModules == nil || s.agentDefs == nil {
		writeError(w, http.StatusNotImplemented, "wasm agent definitions are not configured on this server")
		return
	}

	var req orchestratorapi.RegisterAgentDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}
	wasmBytes, err := base64.StdEncoding.DecodeString(req.WASMModuleBase64)
	if err != nil || len(wasmBytes) == 0 {
		writeError(w, http.StatusBadRequest, "wasm_module_base64 must be a non-empty base64-encoded module")
		return
	}

	digest, err := s.agentModules.Put(r.Context(), wasmBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	def, err := s.agentDefs.Create(r.Context(), agentdef.Definition{
		Name:         req.Name,
		Description:  req.Description,
		ModuleDigest: digest,
		Config:       req.Config,
		CreatedBy:    principal.id,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDefinitionResponse(def))
}

func (s *Server) handleListAgentDefinitions(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "", "read"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if s.agentDefs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"definitions": []orchestratorapi.AgentDefinitionResponse{}})
		return
	}
	defs, err := s.agentDefs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]orchestratorapi.AgentDefinitionResponse, 0, len(defs))
	for _, d := range defs {
		out = append(out, toAgentDefinitionResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": out})
}

func (s *Server) handleDeleteAgentDefinition(w http.ResponseWriter, r *http.Request) {
	principal, code, msg := s.auth.authorize(r, "", "")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if !principal.hasScope("operator") {
		writeError(w, http.StatusForbidden, "deleting an agent definition requires the operator scope")
		return
	}
	if s.agentDefs == nil {
		writeError(w, http.StatusNotImplemented, "wasm agent definitions are not configured on this server")
		return
	}
	id := r.PathValue("id")
	if err := s.agentDefs.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toAgentDefinitionResponse(d agentdef.Definition) orchestratorapi.AgentDefinitionResponse {
	return orchestratorapi.AgentDefinitionResponse{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		ModuleDigest: d.ModuleDigest,
		Config:       d.Config,
		CreatedBy:    d.CreatedBy,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
