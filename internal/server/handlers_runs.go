package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/storage"
	"github.com/kaname-ai/kaname/internal/stream"
)

// HandleExecute handles POST /v1/execute: runs an agent to completion and
// returns the terminal run. Identical idempotency keys return the recorded
// run without re-executing.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req model.ExecuteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid request body")
		return
	}

	run, err := h.engine.Execute(r.Context(), req, nil)
	if err != nil {
		h.writeRunFault(w, r, run, err)
		return
	}

	writeJSON(w, r, http.StatusOK, executeResponse(run))
}

// HandleStream handles POST /v1/stream: like execute, but emits progress as
// Server-Sent Events while the run executes. The stream always ends with
// exactly one terminal event unless the client disconnects first.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	var req model.ExecuteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid request body")
		return
	}

	sink, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, fault.CodeInternal, "streaming not supported")
		return
	}
	defer sink.Close()

	// Long-lived response: the server's WriteTimeout must not cut it off.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Terminal outcome travels on the stream; the error return is already
	// reflected in the error event the engine emitted.
	if _, err := h.engine.Execute(r.Context(), req, sink); err != nil {
		h.logger.Debug("stream run ended with error",
			"agent_id", req.AgentID, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleStreamWS handles GET /v1/stream/ws. The client sends one
// ExecuteRequest as the first JSON frame and receives the same event
// protocol as the SSE endpoint.
func (h *Handlers) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	sink := stream.NewWSWriter(conn)
	defer sink.Close()

	var req model.ExecuteRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = sink.Send(stream.Event{
			Type:    stream.EventError,
			Code:    fault.CodeInvalidInput,
			Message: "invalid execute request frame",
		})
		return
	}

	if _, err := h.engine.Execute(r.Context(), req, sink); err != nil {
		h.logger.Debug("websocket run ended with error",
			"agent_id", req.AgentID, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
	}
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	f := storage.RunFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  model.RunStatus(r.URL.Query().Get("status")),
		Limit:   limit,
		Offset:  offset,
	}

	runs, total, err := h.ledger.ListRuns(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeList(w, r, runs, total, limit, offset, len(runs))
}

// runDetail is a run with its recorded steps.
type runDetail struct {
	Run   model.Run    `json:"run"`
	Steps []model.Step `json:"steps"`
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, err.Error())
		return
	}

	run, steps, err := h.ledger.GetRun(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, runDetail{Run: run, Steps: steps})
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, err.Error())
		return
	}

	if err := h.engine.Cancel(r.Context(), id); err != nil {
		writeFault(w, r, err)
		return
	}

	run, _, err := h.ledger.GetRun(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleResolveApproval handles POST /v1/runs/{run_id}/approval.
func (h *Handlers) HandleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, err.Error())
		return
	}

	var req model.ApprovalRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid request body")
		return
	}

	run, err := h.engine.ResolveApproval(r.Context(), id, req.Approved)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunProvenance handles GET /v1/runs/{run_id}/provenance.
func (h *Handlers) HandleRunProvenance(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, err.Error())
		return
	}

	records, err := h.ledger.Provenance(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load provenance", err)
		return
	}
	writeJSON(w, r, http.StatusOK, records)
}

// writeRunFault writes a fault envelope, attaching the run ID so callers can
// inspect the recorded partial run.
func (h *Handlers) writeRunFault(w http.ResponseWriter, r *http.Request, run model.Run, err error) {
	var f *fault.Error
	if !errors.As(err, &f) {
		writeFault(w, r, err)
		return
	}
	// Copy so the attached detail does not leak into shared fault values.
	clone := *f
	clone.Details = make(map[string]any, len(f.Details)+1)
	for k, v := range f.Details {
		clone.Details[k] = v
	}
	if run.ID != uuid.Nil {
		clone.Details["run_id"] = run.ID.String()
		clone.Details["run_status"] = string(run.Status)
	}
	writeFault(w, r, &clone)
}

func executeResponse(run model.Run) model.ExecuteResponse {
	return model.ExecuteResponse{
		RunID:    run.ID.String(),
		Status:   run.Status,
		Result:   run.Result,
		Warnings: run.Warnings,
		Usage:    run.Consumed,
	}
}
