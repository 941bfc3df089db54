package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nearzoom/image-processor/internal/api/dto"
	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/service"
)

// CreateJob handles POST /api/v1/jobs
// Accepts any mode; dedicated edit/swap endpoints pin the mode.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}
	h.submit(c, req.ToSubmitRequest())
}

// CreateEditJob handles POST /api/v1/jobs/edit
func (h *JobHandler) CreateEditJob(c *gin.Context) {
	var req dto.CreateEditJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}
	h.submit(c, req.ToSubmitRequest())
}

// CreateSwapJob handles POST /api/v1/jobs/swap
func (h *JobHandler) CreateSwapJob(c *gin.Context) {
	var req dto.CreateSwapJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}
	h.submit(c, req.ToSubmitRequest())
}

func (h *JobHandler) submit(c *gin.Context, req service.SubmitRequest) {
	job, err := h.jobs.SubmitJob(c.Request.Context(), req)
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	case errors.Is(err, domain.ErrDispatchFailed):
		// The job record exists and is already marked failed.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "processing capacity exhausted",
			"job":   dto.FromJob(job, nil),
		})
		return
	case err != nil:
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.FromJob(job, nil))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, events, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job, events))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	page, err := h.jobs.ListJobs(c.Request.Context(), service.ListRequest{
		Mode:     req.Mode,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   req.Cursor,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{
		Jobs:       make([]dto.JobDTO, 0, len(page.Jobs)),
		NextCursor: page.NextCursor,
	}
	for i := range page.Jobs {
		resp.Jobs = append(resp.Jobs, dto.FromJob(&page.Jobs[i], nil))
	}

	c.JSON(http.StatusOK, resp)
}

// QueueStatus handles GET /api/v1/queue/status
func (h *JobHandler) QueueStatus(c *gin.Context) {
	status := h.jobs.QueueStatus()
	c.JSON(http.StatusOK, dto.QueueStatusResponse{
		SwapQueueDepth:   status.SwapQueueDepth,
		SwapCurrentJobID: status.SwapCurrentJobID,
		ActivePipelines:  status.ActivePipelines,
	})
}

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	status := h.jobs.QueueStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"service":          "image-processor",
		"modes":            []domain.Mode{domain.ModeEditOnly, domain.ModeSwapOnly, domain.ModeBoth},
		"active_pipelines": status.ActivePipelines,
	})
}
