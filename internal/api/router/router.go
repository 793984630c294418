package router

import (
	"fmt"

	"github.com/cuongbtq/ongkir-resilience/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options tunes the router
type Options struct {
	APIKeyHeader   string
	TrustedProxies []string
}

// SetupRouter configures and returns the Gin router with all routes. An
// unparsable trusted proxy entry is an error.
func SetupRouter(deps *handler.Dependencies, opts Options) (*gin.Engine, error) {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}

	r := gin.New()
	// nil disables X-Forwarded-For trust; ClientIP is then the peer address
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.APIKeyHeader))

	h := handler.NewHandler(deps)

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/tracking/:courier/:waybill",
			RateLimitMiddleware(deps.Limiter, opts.APIKeyHeader, deps.Logger),
			AbuseGuardMiddleware(deps.Correlator, opts.APIKeyHeader, deps.Logger),
			h.GetTracking,
		)

		v1.POST("/ratelimit/check", h.CheckRateLimit)
		v1.POST("/abuse/check", h.CheckAbuse)

		admin := v1.Group("/admin")
		{
			admin.GET("/banned-ips", h.ListBannedIPs)
			admin.DELETE("/banned-ips/:ip", h.UnbanIP)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.POST("", h.CreateJob)
			jobs.GET("", h.ListJobs)
			jobs.GET("/:job_id", h.GetJob)
			jobs.POST("/:job_id/requeue", h.RequeueJob)
		}

		v1.POST("/reconciliation/sweep", h.RunReconciliationSweep)

		heartbeat := v1.Group("/heartbeat")
		{
			heartbeat.POST("/check-in", h.HeartbeatCheckIn)
			heartbeat.GET("/status", h.HeartbeatStatus)
		}
	}

	return r, nil
}
