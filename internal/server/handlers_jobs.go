package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/jobs"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/storage"
)

// HandleListJobs handles GET /v1/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	f := storage.JobFilter{
		Provider: r.URL.Query().Get("provider"),
		Status:   model.JobStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	}

	list, total, err := h.jobs.List(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list jobs", err)
		return
	}
	writeList(w, r, list, total, limit, offset, len(list))
}

// HandleGetJob handles GET /v1/jobs/{job_id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, err.Error())
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// trackJobRequest adopts a job started outside the runtime so its lifecycle
// is tracked here.
type trackJobRequest struct {
	Provider      string     `json:"provider"`
	ExternalJobID string     `json:"external_job_id"`
	RunID         *uuid.UUID `json:"run_id,omitempty"`
}

// HandleTrackJob handles POST /v1/jobs.
func (h *Handlers) HandleTrackJob(w http.ResponseWriter, r *http.Request) {
	var req trackJobRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid request body")
		return
	}
	if req.Provider == "" || req.ExternalJobID == "" {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "provider and external_job_id are required")
		return
	}

	job, err := h.jobs.Track(r.Context(), req.Provider, req.ExternalJobID, req.RunID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, job)
}

// HandleCancelJob handles POST /v1/jobs/{job_id}/cancel.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, err.Error())
		return
	}

	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		writeFault(w, r, err)
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, job)
}

// HandleJobWebhook handles POST /v1/webhooks/jobs/{provider}: provider
// callbacks reporting job progress or completion. Unknown jobs are
// acknowledged so providers stop redelivering.
func (h *Handlers) HandleJobWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	var ev jobs.WebhookEvent
	if err := decodeJSON(w, r, &ev, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid webhook body")
		return
	}
	if ev.ExternalJobID == "" {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "external_job_id is required")
		return
	}

	if err := h.jobs.HandleWebhook(r.Context(), provider, ev); err != nil {
		h.writeInternalError(w, r, "failed to apply webhook", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleJobEvents handles GET /v1/jobs/events (SSE): a firehose of job
// status changes fanned out from Postgres LISTEN/NOTIFY.
func (h *Handlers) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, fault.CodeInternal,
			"job events not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, fault.CodeInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle connections must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
