package server

import (
	"net/http"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
)

// HandleRegisterAgent handles POST /v1/external-agents.
func (h *Handlers) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var cfg model.ExternalAgentConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid request body")
		return
	}

	agent, err := h.registry.Register(r.Context(), cfg)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/external-agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.List()
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetAgent handles GET /v1/external-agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(r.PathValue("agent_id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent handles PUT /v1/external-agents/{agent_id}.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var cfg model.ExternalAgentConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid request body")
		return
	}
	cfg.ID = r.PathValue("agent_id")

	agent, err := h.registry.Update(r.Context(), cfg)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUnregisterAgent handles DELETE /v1/external-agents/{agent_id}.
func (h *Handlers) HandleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Unregister(r.Context(), r.PathValue("agent_id")); err != nil {
		writeFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAgentHealth handles POST /v1/external-agents/{agent_id}/health and
// its GET alias: performs an on-demand probe and returns the refreshed state.
func (h *Handlers) HandleAgentHealth(w http.ResponseWriter, r *http.Request) {
	state, err := h.registry.CheckHealth(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// HandleEnableAgent handles POST /v1/external-agents/{agent_id}/enable.
func (h *Handlers) HandleEnableAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentEnabled(w, r, true)
}

// HandleDisableAgent handles POST /v1/external-agents/{agent_id}/disable.
func (h *Handlers) HandleDisableAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentEnabled(w, r, false)
}

func (h *Handlers) setAgentEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("agent_id")
	if err := h.registry.SetEnabled(r.Context(), id, enabled); err != nil {
		writeFault(w, r, err)
		return
	}
	agent, err := h.registry.Get(id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleResetCircuit handles POST /v1/external-agents/{agent_id}/circuit/reset.
func (h *Handlers) HandleResetCircuit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("agent_id")
	if err := h.registry.ResetCircuitBreaker(r.Context(), id); err != nil {
		writeFault(w, r, err)
		return
	}
	agent, err := h.registry.Get(id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleAgentExecute handles POST /v1/external-agents/{agent_id}/execute:
// a direct proxied call that bypasses the run ledger. Useful for smoke
// testing a registered agent; production traffic goes through /v1/execute.
func (h *Handlers) HandleAgentExecute(w http.ResponseWriter, r *http.Request) {
	var req model.ProxyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid request body")
		return
	}

	resp, err := h.proxy.Execute(r.Context(), r.PathValue("agent_id"), req)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}
