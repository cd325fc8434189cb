/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	ludari "github.com/creativogee/ludari-sdk"
	"github.com/creativogee/ludari-sdk/storage"
)

// Handlers contains all API handlers
type Handlers struct {
	manager   *ludari.Manager
	startTime time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(m *ludari.Manager, startTime time.Time) *Handlers {
	return &Handlers{
		manager:   m,
		startTime: startTime,
	}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeData writes a successful payload inside the data envelope
func writeData(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, DataResponse{Data: payload})
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeManagerError maps Manager and storage errors onto HTTP statuses.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case ludari.IsValidation(err):
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case storage.IsConflict(err):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, ludari.ErrNotInitialized) || errors.Is(err, ludari.ErrDestroyed):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// GetHealth handles GET /api/v1/health
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storageStatus := "connected"
	if err := h.manager.Health(ctx); err != nil {
		storageStatus = "error: " + err.Error()
	}
	cacheStatus := "connected"
	if !h.manager.CacheHealthy(ctx) {
		cacheStatus = "unreachable"
	}

	status := "healthy"
	if storageStatus != "connected" || cacheStatus != "connected" {
		status = "degraded"
	}

	writeData(w, http.StatusOK, HealthResponse{
		Status:    status,
		Storage:   storageStatus,
		Cache:     cacheStatus,
		ReplicaID: h.manager.ReplicaID(),
		Enabled:   h.manager.Enabled(),
		Version:   Version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// GetControl handles GET /api/v1/control
func (h *Handlers) GetControl(w http.ResponseWriter, r *http.Request) {
	control, err := h.manager.GetControl(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if control == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "control not initialized")
		return
	}
	writeData(w, http.StatusOK, control)
}

// ToggleControl handles POST /api/v1/control/toggle
func (h *Handlers) ToggleControl(w http.ResponseWriter, r *http.Request) {
	control, err := h.manager.ToggleControl(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, control)
}

// PurgeControl handles POST /api/v1/control/purge
func (h *Handlers) PurgeControl(w http.ResponseWriter, r *http.Request) {
	control, err := h.manager.PurgeControl(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, control)
}

// ListJobs handles GET /api/v1/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.JobFilter{
		Name: q.Get("name"),
		Type: storage.JobType(q.Get("type")),
	}

	enabled, err := parseBoolParam(q, "enabled")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	filter.Enabled = enabled

	switch deleted := q.Get("deleted"); deleted {
	case "", "null", "not-null":
		filter.Deleted = storage.DeletedFilter(deleted)
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid deleted filter %q", deleted))
		return
	}

	if filter.Page, err = parseIntParam(q, "page"); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if filter.PageSize, err = parseIntParam(q, "pageSize"); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	res, err := h.manager.ListJobs(r.Context(), filter)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// CreateJob handles POST /api/v1/jobs
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}

	job, err := h.manager.CreateJob(r.Context(), &storage.Job{
		Name:    req.Name,
		Type:    storage.JobType(req.Type),
		Enabled: req.Enabled,
		Cron:    req.Cron,
		Query:   req.Query,
		Context: req.Context,
		Persist: req.Persist,
		Silent:  req.Silent,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.manager.GetJob(r.Context(), id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s not found", id))
		return
	}
	writeData(w, http.StatusOK, job)
}

// UpdateJob handles PUT /api/v1/jobs/{id}
func (h *Handlers) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}

	patch := storage.JobPatch{
		Name:    req.Name,
		Enabled: req.Enabled,
		Cron:    req.Cron,
		Query:   req.Query,
		Context: req.Context,
		Persist: req.Persist,
		Silent:  req.Silent,
	}
	if req.Type != nil {
		jobType := storage.JobType(*req.Type)
		patch.Type = &jobType
	}

	job, err := h.manager.UpdateJob(r.Context(), id, patch)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /api/v1/jobs/{id}
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleJob handles POST /api/v1/jobs/{id}/toggle
func (h *Handlers) ToggleJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.ToggleJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// EnableJob handles POST /api/v1/jobs/{id}/enable
func (h *Handlers) EnableJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.EnableJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// DisableJob handles POST /api/v1/jobs/{id}/disable
func (h *Handlers) DisableJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.DisableJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// TriggerJob handles POST /api/v1/jobs/{id}/trigger. The firing runs the
// full pipeline synchronously, so locking, persistence and run-once
// semantics all apply before the response is written.
func (h *Handlers) TriggerJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.manager.GetJob(r.Context(), id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s not found", id))
		return
	}

	if err := h.manager.TriggerJob(r.Context(), job.Name); err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, TriggerResponse{Name: job.Name, Triggered: true})
}

// ListJobRuns handles GET /api/v1/jobs/{id}/runs
func (h *Handlers) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.JobRunFilter{JobID: chi.URLParam(r, "id")}

	switch status := q.Get("status"); storage.RunStatus(status) {
	case "", storage.RunStatusCompleted, storage.RunStatusFailed, storage.RunStatusRunning:
		filter.Status = storage.RunStatus(status)
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid status filter %q", status))
		return
	}

	var err error
	if filter.StartedAfter, err = parseTimeParam(q, "startedAfter"); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if filter.StartedBefore, err = parseTimeParam(q, "startedBefore"); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if filter.Page, err = parseIntParam(q, "page"); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if filter.PageSize, err = parseIntParam(q, "pageSize"); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	res, err := h.manager.ListJobRuns(r.Context(), filter)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// parseIntParam reads an optional integer query parameter.
func parseIntParam(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an integer", key, raw)
	}
	return val, nil
}

// parseBoolParam reads an optional boolean query parameter.
func parseBoolParam(q url.Values, key string) (*bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: must be a boolean", key, raw)
	}
	return &val, nil
}

// parseTimeParam reads an optional RFC 3339 timestamp query parameter.
func parseTimeParam(q url.Values, key string) (*time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	val, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: must be RFC 3339", key, raw)
	}
	return &val, nil
}
