package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/abuse"
	"github.com/cuongbtq/ongkir-resilience/internal/api/dto"
	"github.com/cuongbtq/ongkir-resilience/internal/ratelimit"
	"github.com/cuongbtq/ongkir-resilience/internal/reconciliation"
	"github.com/cuongbtq/ongkir-resilience/internal/tracking"
	"github.com/cuongbtq/ongkir-resilience/internal/worker"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	"github.com/gin-gonic/gin"
)

// TrackingResolver answers tracking lookups through the freshness cache
type TrackingResolver interface {
	ResolveTracking(ctx context.Context, waybill, courier string) (*tracking.Resolution, error)
}

// JobQueue is the job surface exposed over HTTP
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...worker.EnqueueOption) (string, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, *domain.JobCursor, error)
	Requeue(ctx context.Context, jobID string) error
}

// Sweeper runs one stuck-transaction pass
type Sweeper interface {
	Sweep(ctx context.Context) (reconciliation.SweepResult, error)
}

// HeartbeatMonitor is the dead-man's switch surface
type HeartbeatMonitor interface {
	CheckIn(ctx context.Context) (reconciliation.Status, error)
	Status(ctx context.Context) (reconciliation.Status, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Tracking     TrackingResolver
	Limiter      *ratelimit.Limiter
	Correlator   *abuse.Correlator
	Jobs         JobQueue
	Sweeper      Sweeper
	Heartbeat    HeartbeatMonitor
	APIKeyHeader string
	ServiceName  string
	// HealthChecks are run by GET /health, keyed by component name
	HealthChecks map[string]HealthCheck
}

// HealthCheck pings one backing component
type HealthCheck func(ctx context.Context) error

// Handler serves the resilience layer's HTTP operations
type Handler struct {
	logger     *slog.Logger
	tracking   TrackingResolver
	limiter    *ratelimit.Limiter
	correlator *abuse.Correlator
	jobs       JobQueue
	sweeper    Sweeper
	heartbeat  HeartbeatMonitor
	service    string
	checks     map[string]HealthCheck
}

// NewHandler creates a new Handler instance
func NewHandler(deps *Dependencies) *Handler {
	service := deps.ServiceName
	if service == "" {
		service = "api-service"
	}

	return &Handler{
		logger:     deps.Logger,
		tracking:   deps.Tracking,
		limiter:    deps.Limiter,
		correlator: deps.Correlator,
		jobs:       deps.Jobs,
		sweeper:    deps.Sweeper,
		heartbeat:  deps.Heartbeat,
		service:    service,
		checks:     deps.HealthChecks,
	}
}

// Health handles GET /health. Any failing component check answers 503.
func (h *Handler) Health(c *gin.Context) {
	if len(h.checks) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": h.service,
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed",
				slog.String("component", name),
				slog.Any("error", err),
			)
			components[name] = "down"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "up"
	}

	c.JSON(code, gin.H{
		"status":     status,
		"service":    h.service,
		"components": components,
	})
}

// RespondError writes the standard error body and aborts the chain
func RespondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: message, Code: code})
}
