package handler

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/cuongbtq/ongkir-resilience/internal/abuse"
	"github.com/cuongbtq/ongkir-resilience/internal/api/dto"
	"github.com/cuongbtq/ongkir-resilience/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// CheckRateLimit handles POST /api/v1/ratelimit/check
func (h *Handler) CheckRateLimit(c *gin.Context) {
	var req dto.RateLimitCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, dto.CodeInvalidRequest, "Invalid request body")
		return
	}

	res, err := h.limiter.CheckScope(c.Request.Context(), req.Scope, req.Identifier)
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnknownScope) {
			RespondError(c, http.StatusBadRequest, dto.CodeUnknownScope, err.Error())
			return
		}
		h.logger.Error("Rate limit check failed", slog.String("scope", req.Scope), slog.String("error", err.Error()))
		RespondError(c, http.StatusServiceUnavailable, dto.CodeGuardUnavailable, "Rate limiter unavailable")
		return
	}

	c.JSON(http.StatusOK, dto.RateLimitCheckResponse{
		Allowed:   res.Allowed,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
	})
}

// CheckAbuse handles POST /api/v1/abuse/check
func (h *Handler) CheckAbuse(c *gin.Context) {
	var req dto.AbuseCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, dto.CodeInvalidRequest, "Invalid request body")
		return
	}

	verdict, err := h.correlator.Check(c.Request.Context(), req.IP, req.APIKey)
	if err != nil {
		h.logger.Error("Abuse check failed", slog.String("ip", req.IP), slog.String("error", err.Error()))
		RespondError(c, http.StatusServiceUnavailable, dto.CodeGuardUnavailable, "Abuse correlator unavailable")
		return
	}

	c.JSON(http.StatusOK, verdict)
}

// ListBannedIPs handles GET /api/v1/admin/banned-ips
func (h *Handler) ListBannedIPs(c *gin.Context) {
	bans, err := h.correlator.ListBannedIPs(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list banned IPs", slog.String("error", err.Error()))
		RespondError(c, http.StatusServiceUnavailable, dto.CodeGuardUnavailable, "Abuse correlator unavailable")
		return
	}
	if bans == nil {
		bans = []abuse.Ban{}
	}

	c.JSON(http.StatusOK, dto.BannedIPsResponse{Bans: bans})
}

// UnbanIP handles DELETE /api/v1/admin/banned-ips/:ip
func (h *Handler) UnbanIP(c *gin.Context) {
	ip := c.Param("ip")
	if net.ParseIP(ip) == nil {
		RespondError(c, http.StatusBadRequest, dto.CodeInvalidRequest, "ip must be a valid IP address")
		return
	}

	if err := h.correlator.Unban(c.Request.Context(), ip); err != nil {
		h.logger.Error("Failed to unban IP", slog.String("ip", ip), slog.String("error", err.Error()))
		RespondError(c, http.StatusServiceUnavailable, dto.CodeGuardUnavailable, "Abuse correlator unavailable")
		return
	}

	c.Status(http.StatusNoContent)
}
