package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultFreshnessWindow is how long a non-terminal entry is served without
// asking the provider
const DefaultFreshnessWindow = 4 * time.Hour

// DefaultSharedRefreshTimeout bounds a deduplicated refresh, which runs
// detached from any single caller's context
const DefaultSharedRefreshTimeout = 30 * time.Second

// Cache serves tracking data from the store when it is terminal or fresh
// and refreshes it from the provider otherwise. A failed refresh is
// returned to the caller; stale data is never served in its place.
type Cache struct {
	store     Store
	provider  Provider
	logger    *slog.Logger
	freshness time.Duration
	terminal  map[string]struct{}
	dedup     bool
	shared    time.Duration
	group     singleflight.Group
	now       func() time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithFreshnessWindow overrides DefaultFreshnessWindow
func WithFreshnessWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.freshness = d
		}
	}
}

// WithTerminalStatuses replaces DefaultTerminalStatuses
func WithTerminalStatuses(statuses []string) Option {
	return func(c *Cache) {
		if len(statuses) == 0 {
			return
		}
		c.terminal = statusSet(statuses)
	}
}

// WithInflightDedup collapses concurrent refreshes of one key into a single
// provider call
func WithInflightDedup() Option {
	return func(c *Cache) { c.dedup = true }
}

// WithSharedRefreshTimeout overrides DefaultSharedRefreshTimeout
func WithSharedRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.shared = d
		}
	}
}

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a Cache. provider may be nil when only Resolve with an
// explicit FetchFunc is used.
func NewCache(store Store, provider Provider, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		provider:  provider,
		logger:    logger,
		freshness: DefaultFreshnessWindow,
		shared:    DefaultSharedRefreshTimeout,
		terminal:  statusSet(DefaultTerminalStatuses),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func statusSet(statuses []string) map[string]struct{} {
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		set[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return set
}

// Lookup returns the stored entry for key, if any, without calling the
// provider
func (c *Cache) Lookup(ctx context.Context, key Key) (*Entry, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read tracking cache: %w", err)
	}
	return entry, true, nil
}

// Resolve returns current data for key, calling fetch only when the stored
// entry is missing, or stale and not terminal
func (c *Cache) Resolve(ctx context.Context, key Key, fetch FetchFunc) (*Resolution, error) {
	entry, found, err := c.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	if found {
		if entry.Terminal {
			metrics.CacheLookupsTotal.WithLabelValues("terminal").Inc()
			return &Resolution{Source: SourceCache, Entry: entry}, nil
		}
		if c.now().Sub(entry.LastUpdatedAt) < c.freshness {
			metrics.CacheLookupsTotal.WithLabelValues("fresh").Inc()
			return &Resolution{Source: SourceCache, Entry: entry}, nil
		}
	}

	var refreshed *Entry
	if c.dedup {
		refreshed, err = c.sharedRefresh(ctx, key, fetch)
		if err != nil {
			metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	} else {
		refreshed, err = c.refresh(ctx, key, fetch)
		if err != nil {
			metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	metrics.CacheLookupsTotal.WithLabelValues("refreshed").Inc()
	return &Resolution{Source: SourceProvider, Entry: refreshed}, nil
}

// ResolveTracking validates the raw pair and resolves it through the
// configured provider
func (c *Cache) ResolveTracking(ctx context.Context, waybill, courier string) (*Resolution, error) {
	key, err := NewKey(waybill, courier)
	if err != nil {
		return nil, err
	}
	if c.provider == nil {
		return nil, ErrNoProvider
	}
	return c.Resolve(ctx, key, c.provider.Fetch)
}

// sharedRefresh runs one refresh per key for all concurrent callers. The
// refresh is detached from the leader's context, so a caller that goes away
// only abandons its own wait.
func (c *Cache) sharedRefresh(ctx context.Context, key Key, fetch FetchFunc) (*Entry, error) {
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shared)
		defer cancel()
		return c.refresh(refreshCtx, key, fetch)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("Joined in-flight tracking refresh", slog.String("key", key.String()))
		}
		return res.Val.(*Entry), nil
	}
}

func (c *Cache) refresh(ctx context.Context, key Key, fetch FetchFunc) (*Entry, error) {
	resp, err := fetch(ctx, key)
	if err != nil {
		c.logger.Warn("Tracking refresh failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if resp == nil {
		return nil, &ProviderError{Transient: true, Err: errors.New("empty response")}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider response: %w", err)
	}

	status := strings.ToUpper(strings.TrimSpace(resp.StatusCode))
	_, terminalStatus := c.terminal[status]

	entry := &Entry{
		Waybill:       key.Waybill,
		Courier:       key.Courier,
		StatusCode:    status,
		Terminal:      resp.Terminal || terminalStatus,
		RawPayload:    raw,
		LastUpdatedAt: c.now().UTC(),
	}

	if err := c.store.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to store tracking entry: %w", err)
	}

	c.logger.Info("Tracking entry refreshed",
		slog.String("key", key.String()),
		slog.String("status_code", entry.StatusCode),
		slog.Bool("terminal", entry.Terminal),
	)

	return entry, nil
}
