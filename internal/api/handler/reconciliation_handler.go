package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/ongkir-resilience/internal/api/dto"
	"github.com/cuongbtq/ongkir-resilience/internal/reconciliation"
	"github.com/gin-gonic/gin"
)

// RunReconciliationSweep handles POST /api/v1/reconciliation/sweep
func (h *Handler) RunReconciliationSweep(c *gin.Context) {
	result, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.logger.Error("Reconciliation sweep failed", slog.String("error", err.Error()))
		RespondError(c, http.StatusInternalServerError, dto.CodeInternal, "Reconciliation sweep failed")
		return
	}

	c.JSON(http.StatusOK, result)
}

// HeartbeatCheckIn handles POST /api/v1/heartbeat/check-in
func (h *Handler) HeartbeatCheckIn(c *gin.Context) {
	status, err := h.heartbeat.CheckIn(c.Request.Context())
	if err != nil {
		h.respondHeartbeatError(c, "Failed to record check-in", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"acknowledged": true,
		"status":       status,
	})
}

// HeartbeatStatus handles GET /api/v1/heartbeat/status
func (h *Handler) HeartbeatStatus(c *gin.Context) {
	status, err := h.heartbeat.Status(c.Request.Context())
	if err != nil {
		h.respondHeartbeatError(c, "Failed to load heartbeat status", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *Handler) respondHeartbeatError(c *gin.Context, msg string, err error) {
	if errors.Is(err, reconciliation.ErrCheckpointNotFound) {
		RespondError(c, http.StatusNotFound, dto.CodeNotFound, "Dead-man's switch is not configured")
		return
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	RespondError(c, http.StatusInternalServerError, dto.CodeInternal, msg)
}
