package ratelimit

import "time"

// Preset binds a limit and window to a logical scope
type Preset struct {
	Limit  int
	Window time.Duration
}

// Scope names
const (
	ScopeLogin           = "login"
	ScopeRegistration    = "registration"
	ScopeTrackingPublic  = "tracking_public"
	ScopeTrackingPremium = "tracking_premium"
	ScopeAPIFree         = "api_free"
	ScopeAPIBasic        = "api_basic"
	ScopeAPIPro          = "api_pro"
	ScopeAPIEnterprise   = "api_enterprise"
)

const day = 24 * time.Hour

// DefaultPresets returns a fresh copy of the built-in presets
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		ScopeLogin:           {Limit: 5, Window: 15 * time.Minute},
		ScopeRegistration:    {Limit: 3, Window: time.Hour},
		ScopeTrackingPublic:  {Limit: 10, Window: time.Minute},
		ScopeTrackingPremium: {Limit: 60, Window: time.Minute},
		ScopeAPIFree:         {Limit: 100, Window: day},
		ScopeAPIBasic:        {Limit: 1000, Window: day},
		ScopeAPIPro:          {Limit: 10000, Window: day},
		ScopeAPIEnterprise:   {Limit: 100000, Window: day},
	}
}
