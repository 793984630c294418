package router

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/abuse"
	"github.com/cuongbtq/ongkir-resilience/internal/api/dto"
	"github.com/cuongbtq/ongkir-resilience/internal/api/handler"
	"github.com/cuongbtq/ongkir-resilience/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		logger.Log(c.Request.Context(), level, "HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		)

		for _, e := range c.Errors {
			logger.Error("Request error",
				slog.String("error", e.Error()),
				slog.Uint64("type", uint64(e.Type)),
			)
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware(apiKeyHeader string) gin.HandlerFunc {
	allowHeaders := "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, " + apiKeyHeader
	exposeHeaders := "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Expose-Headers", exposeHeaders)
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimitMiddleware counts tracking requests. Callers with an API key are
// limited per key on the premium preset, anonymous callers per IP on the
// public one. A limiter failure rejects the request.
func RateLimitMiddleware(limiter *ratelimit.Limiter, apiKeyHeader string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, identifier := ratelimit.ScopeTrackingPublic, c.ClientIP()
		if key := strings.TrimSpace(c.GetHeader(apiKeyHeader)); key != "" {
			scope, identifier = ratelimit.ScopeTrackingPremium, key
		}

		res, err := limiter.CheckScope(c.Request.Context(), scope, identifier)
		if err != nil {
			logger.Error("Rate limiter unavailable",
				slog.String("scope", scope),
				slog.String("error", err.Error()),
			)
			handler.RespondError(c, http.StatusServiceUnavailable, dto.CodeGuardUnavailable, "Rate limiter unavailable")
			return
		}

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			retry := int(math.Ceil(res.RetryAfter(time.Now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			handler.RespondError(c, http.StatusTooManyRequests, dto.CodeQuotaExceeded, "Rate limit exceeded")
			return
		}

		c.Next()
	}
}

// AbuseGuardMiddleware rejects banned IPs and feeds the correlator with the
// caller's API key
func AbuseGuardMiddleware(correlator *abuse.Correlator, apiKeyHeader string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		verdict, err := correlator.Check(c.Request.Context(), c.ClientIP(), c.GetHeader(apiKeyHeader))
		if err != nil {
			logger.Error("Abuse correlator unavailable", slog.String("error", err.Error()))
			handler.RespondError(c, http.StatusServiceUnavailable, dto.CodeGuardUnavailable, "Abuse correlator unavailable")
			return
		}

		if verdict.Banned {
			handler.RespondError(c, http.StatusForbidden, verdict.Reason, "Access denied")
			return
		}

		c.Next()
	}
}
