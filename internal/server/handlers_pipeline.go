package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/storage"
)

// HandleSubmitFeedback handles POST /v1/feedback. A queued event answers
// 201; a submission that ran a dispatch cycle answers 200 with the cycle
// results.
func (h *Handlers) HandleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitFeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.pipeline.Submit(r.Context(), req.Event(uuid.New(), time.Now().UTC()))
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error(),
				map[string]string{"field": verr.Field})
			return
		}
		h.writeInternalError(w, r, "failed to submit feedback", err)
		return
	}

	status := http.StatusOK
	if res.Outcome == model.OutcomeQueued {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, res)
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.pipeline.Status())
}

// HandleHistory handles GET /v1/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.pipeline.History(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list jobs", err)
		return
	}
	writeList(w, r, jobs, len(jobs))
}

// HandleUploads handles GET /v1/uploads.
func (h *Handlers) HandleUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.pipeline.Uploads(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list uploads", err)
		return
	}
	writeList(w, r, uploads, len(uploads))
}

// HandleGetJob handles GET /v1/jobs/{job_name}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("job_name")
	job, err := h.pipeline.Job(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found: "+name)
			return
		}
		h.writeInternalError(w, r, "failed to get job", err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleUpdateJobStatus handles PATCH /v1/jobs/{job_name}.
func (h *Handlers) HandleUpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	var req model.JobStatusUpdate
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	name := r.PathValue("job_name")
	job, err := h.pipeline.SetJobStatus(r.Context(), name, req.Status)
	if err != nil {
		var verr *model.ValidationError
		switch {
		case errors.As(err, &verr):
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error(),
				map[string]string{"field": verr.Field})
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found: "+name)
		default:
			h.writeInternalError(w, r, "failed to update job", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleBackends handles GET /v1/backends.
func (h *Handlers) HandleBackends(w http.ResponseWriter, r *http.Request) {
	backends := h.pipeline.Backends()
	writeList(w, r, backends, len(backends))
}

// HandleGetConfig handles GET /v1/config.
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.pipeline.Config())
}

// HandleUpdateConfig handles PATCH /v1/config. Keys are flat; unknown keys
// are ignored and omitted keys keep their current value.
func (h *Handlers) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var update model.ConfigUpdate
	if err := decodeJSON(w, r, &update, h.maxRequestBodyBytes, true); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	cfg, err := h.pipeline.UpdateConfig(update)
	if err != nil {
		var cerr *model.ConfigError
		if errors.As(err, &cerr) {
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidConfig, cerr.Error(),
				map[string]string{"field": cerr.Field})
			return
		}
		h.writeInternalError(w, r, "failed to update config", err)
		return
	}
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		h.logger.Info("config: updated via api", "principal", claims.Principal())
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// HandleReset handles POST /v1/reset.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Reset()
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		h.logger.Warn("pipeline: reset via api", "principal", claims.Principal())
	}
	writeJSON(w, r, http.StatusOK, h.pipeline.Status())
}
