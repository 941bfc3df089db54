package router

import (
	"github.com/gin-gonic/gin"

	"github.com/nearzoom/image-processor/internal/api/handler"
)

// Options tunes router construction.
type Options struct {
	// MediaRoot, when set, is served under MediaBase so result URLs
	// resolve without a separate file server.
	MediaRoot string
	MediaBase string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	if opts.MediaRoot != "" {
		base := opts.MediaBase
		if base == "" {
			base = "/media"
		}
		r.Static(base, opts.MediaRoot)
	}

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// Health check endpoint
	r.GET("/health", jobHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a job with an explicit mode
			jobs.POST("", jobHandler.CreateJob)

			// POST /api/v1/jobs/edit - Create an edit-only job
			jobs.POST("/edit", jobHandler.CreateEditJob)

			// POST /api/v1/jobs/swap - Create a swap-only job
			jobs.POST("/swap", jobHandler.CreateSwapJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job status and event log
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// GET /api/v1/queue/status - Pipeline load introspection
		v1.GET("/queue/status", jobHandler.QueueStatus)
	}

	return r
}
