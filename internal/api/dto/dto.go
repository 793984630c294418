package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/abuse"
)

// Error codes returned in ErrorResponse.Code
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidTrackingKey  = "INVALID_TRACKING_KEY"
	CodeNotFound            = "NOT_FOUND"
	CodeNotRequeueable      = "NOT_REQUEUEABLE"
	CodeUnknownScope        = "UNKNOWN_SCOPE"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeGuardUnavailable    = "GUARD_UNAVAILABLE"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    = "PROVIDER_REJECTED"
	CodeInternal            = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type TrackingResponse struct {
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
	StatusCode    string          `json:"status_code"`
	Terminal      bool            `json:"terminal"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

type RateLimitCheckRequest struct {
	Scope      string `json:"scope" binding:"required"`
	Identifier string `json:"identifier" binding:"required,max=256"`
}

type RateLimitCheckResponse struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type AbuseCheckRequest struct {
	IP     string `json:"ip" binding:"required,ip"`
	APIKey string `json:"api_key" binding:"max=256"`
}

type BannedIPsResponse struct {
	Bans []abuse.Ban `json:"bans"`
}
