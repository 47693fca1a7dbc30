package handler

import (
	"net/http"

	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/service"
)

// JobHandler handles job and archive requests
type JobHandler struct {
	service *service.JobService
}

// NewJobHandler creates a new job handler
func NewJobHandler(service *service.JobService) *JobHandler {
	return &JobHandler{
		service: service,
	}
}

// SubmitResponse carries the token of a started job
type SubmitResponse struct {
	Token string `json:"token"`
}

// ArchiveListResponse represents an archive list response
type ArchiveListResponse struct {
	Total   int64               `json:"total"`
	Page    int                 `json:"page"`
	Limit   int                 `json:"limit"`
	Results []model.ArchivedJob `json:"results"`
}

// Submit handles POST /api/v1/jobs?id={jobConfigId}
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	jobConfigID := r.URL.Query().Get("id")
	if jobConfigID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'id' is required")
		return
	}

	token, err := h.service.Submit(r.Context(), jobConfigID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{Token: token})
}

// Get handles GET /api/v1/jobs/{token}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request, token string) {
	if !validToken(w, token) {
		return
	}
	details, err := h.service.Details(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// Abort handles DELETE /api/v1/jobs/{token}
func (h *JobHandler) Abort(w http.ResponseWriter, r *http.Request, token string) {
	if !validToken(w, token) {
		return
	}
	details, err := h.service.Abort(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// Latest handles GET /api/v1/job-configs/{id}/latest
func (h *JobHandler) Latest(w http.ResponseWriter, r *http.Request, jobConfigID string) {
	latest, err := h.service.Latest(r.Context(), jobConfigID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// ListArchived handles GET /api/v1/archive/jobs
func (h *JobHandler) ListArchived(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	jobConfigID := r.URL.Query().Get("job_config_id")
	page := parseQueryInt(r, "page", 1)
	limit := parseQueryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 100
	}

	jobs, total, err := h.service.ArchivedJobs(r.Context(), jobConfigID, page, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ArchiveListResponse{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: jobs,
	})
}

// GetArchived handles GET /api/v1/archive/jobs/{token}
func (h *JobHandler) GetArchived(w http.ResponseWriter, r *http.Request, token string) {
	job, err := h.service.ArchivedJob(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func validToken(w http.ResponseWriter, token string) bool {
	if len(token) != model.TokenLength {
		writeError(w, http.StatusBadRequest, "malformed job token")
		return false
	}
	return true
}
