package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/ongkir-resilience/internal/api/dto"
	"github.com/cuongbtq/ongkir-resilience/internal/tracking"
	"github.com/gin-gonic/gin"
)

// GetTracking handles GET /api/v1/tracking/:courier/:waybill
func (h *Handler) GetTracking(c *gin.Context) {
	courier := c.Param("courier")
	waybill := c.Param("waybill")

	res, err := h.tracking.ResolveTracking(c.Request.Context(), waybill, courier)
	if err != nil {
		var pe *tracking.ProviderError
		switch {
		case errors.Is(err, tracking.ErrInvalidKey):
			RespondError(c, http.StatusBadRequest, dto.CodeInvalidTrackingKey, err.Error())
		case errors.As(err, &pe) && pe.Transient:
			h.logger.Warn("Tracking provider unavailable",
				slog.String("courier", courier),
				slog.String("waybill", waybill),
				slog.String("error", err.Error()),
			)
			RespondError(c, http.StatusServiceUnavailable, dto.CodeProviderUnavailable, "Tracking provider unavailable, retry later")
		case errors.As(err, &pe):
			status := http.StatusBadGateway
			if pe.StatusCode == http.StatusNotFound {
				status = http.StatusNotFound
			}
			RespondError(c, status, dto.CodeProviderRejected, pe.Err.Error())
		default:
			h.logger.Error("Failed to resolve tracking",
				slog.String("courier", courier),
				slog.String("waybill", waybill),
				slog.String("error", err.Error()),
			)
			RespondError(c, http.StatusInternalServerError, dto.CodeInternal, "Failed to resolve tracking")
		}
		return
	}

	c.JSON(http.StatusOK, dto.TrackingResponse{
		Source:        res.Source,
		Data:          res.Entry.RawPayload,
		StatusCode:    res.Entry.StatusCode,
		Terminal:      res.Entry.Terminal,
		LastUpdatedAt: res.Entry.LastUpdatedAt,
	})
}
