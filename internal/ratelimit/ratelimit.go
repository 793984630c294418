package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
)

// ErrUnknownScope is returned by CheckScope for a scope with no preset
var ErrUnknownScope = errors.New("unknown rate limit scope")

// Result is the outcome of one counted request
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the window resets, never negative
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Store keeps fixed-window counters. Increment starts a new window when the
// key is unknown or its window has passed, then counts the call.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, resetAt time.Time, err error)
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Limiter is a fixed-window request counter. Bursts of up to twice the
// limit are possible across a window boundary.
type Limiter struct {
	store   Store
	presets map[string]Preset
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithPresets overrides or adds presets on top of DefaultPresets
func WithPresets(overrides map[string]Preset) Option {
	return func(l *Limiter) {
		for scope, p := range overrides {
			if p.Limit > 0 && p.Window > 0 {
				l.presets[scope] = p
			}
		}
	}
}

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter over store
func NewLimiter(store Store, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		presets: DefaultPresets(),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request for key against limit per window
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 || window <= 0 {
		return Result{}, fmt.Errorf("invalid limit %d per %s", limit, window)
	}

	count, resetAt, err := l.store.Increment(ctx, key, window, l.now())
	if err != nil {
		return Result{}, fmt.Errorf("rate limit store: %w", err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// CheckScope counts one request for identifier under a named preset
func (l *Limiter) CheckScope(ctx context.Context, scope, identifier string) (Result, error) {
	preset, ok := l.presets[scope]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}

	res, err := l.Check(ctx, scope+":"+identifier, preset.Limit, preset.Window)
	if err != nil {
		return Result{}, err
	}

	decision := "allowed"
	if !res.Allowed {
		decision = "rejected"
		l.logger.Info("Rate limit exceeded",
			slog.String("scope", scope),
			slog.String("identifier", identifier),
			slog.Time("reset_at", res.ResetAt),
		)
	}
	metrics.RateLimitDecisionsTotal.WithLabelValues(scope, decision).Inc()

	return res, nil
}

// Preset returns the preset bound to scope
func (l *Limiter) Preset(scope string) (Preset, bool) {
	p, ok := l.presets[scope]
	return p, ok
}

// PurgeExpired removes counters whose window has passed
func (l *Limiter) PurgeExpired(ctx context.Context) (int, error) {
	removed, err := l.store.Purge(ctx, l.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.RateLimitPurgedTotal.Add(float64(removed))
		l.logger.Debug("Purged expired rate limit counters", slog.Int("removed", removed))
	}
	return removed, nil
}
