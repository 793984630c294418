package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/api/dto"
	"github.com/cuongbtq/ongkir-resilience/internal/worker"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxPageSize = 100

// CreateJob handles POST /api/v1/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		RespondError(c, http.StatusBadRequest, dto.CodeInvalidRequest, "Invalid request body")
		return
	}

	var opts []worker.EnqueueOption
	if req.DedupeKey != "" {
		opts = append(opts, worker.WithDedupeKey(req.DedupeKey))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, worker.WithMaxAttempts(req.MaxAttempts))
	}

	var payload interface{}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		payload = req.Payload
	}

	jobID, err := h.jobs.Enqueue(c.Request.Context(), req.Type, payload, opts...)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidJobType) || errors.Is(err, domain.ErrInvalidPayload) {
			RespondError(c, http.StatusBadRequest, dto.CodeInvalidRequest, err.Error())
			return
		}
		h.logger.Error("Failed to enqueue job", slog.String("type", req.Type), slog.String("error", err.Error()))
		RespondError(c, http.StatusInternalServerError, dto.CodeInternal, "Failed to enqueue job")
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{JobID: jobID})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *Handler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, jobID, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		RespondError(c, http.StatusBadRequest, dto.CodeInvalidRequest, "Invalid query parameters")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		RespondError(c, http.StatusBadRequest, dto.CodeInvalidRequest, "Invalid cursor")
		return
	}

	jobs, next, err := h.jobs.List(c.Request.Context(), domain.JobFilter{
		Type:     req.Type,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		RespondError(c, http.StatusInternalServerError, dto.CodeInternal, "Failed to list jobs")
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if next != nil {
		resp.NextCursor = EncodeJobCursor(next)
	}

	c.JSON(http.StatusOK, resp)
}

// RequeueJob handles POST /api/v1/jobs/:job_id/requeue
func (h *Handler) RequeueJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if err := h.jobs.Requeue(c.Request.Context(), jobID); err != nil {
		h.respondJobError(c, jobID, "Failed to requeue job", err)
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, jobID, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

func (h *Handler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		RespondError(c, http.StatusBadRequest, dto.CodeInvalidRequest, "job_id must be a valid UUID")
		return "", false
	}
	return jobID, true
}

func (h *Handler) respondJobError(c *gin.Context, jobID, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		RespondError(c, http.StatusNotFound, dto.CodeNotFound, "Job not found")
	case errors.Is(err, domain.ErrNotRequeueable):
		RespondError(c, http.StatusConflict, dto.CodeNotRequeueable, "Only failed or dead jobs can be requeued")
	default:
		h.logger.Error(msg, slog.String("job_id", jobID), slog.String("error", err.Error()))
		RespondError(c, http.StatusInternalServerError, dto.CodeInternal, msg)
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:       job.ID,
		Type:        job.Type,
		Payload:     job.Payload,
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		RunAfter:    job.RunAfter.Format(time.RFC3339),
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.LockedBy != nil {
		out.LockedBy = *job.LockedBy
	}
	if job.LastError != nil {
		out.LastError = *job.LastError
	}
	if job.DedupeKey != nil {
		out.DedupeKey = *job.DedupeKey
	}
	return out
}
