package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/audit"
	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
)

// Rejection reason codes
const (
	ReasonBanned       = "IP_PERMANENTLY_BANNED"
	ReasonMultiAccount = "MULTI_ACCOUNT_ABUSE"
)

// ErrMissingIP is returned when Check is called without a client IP
var ErrMissingIP = errors.New("client ip is required")

// Verdict is the outcome of a correlation check
type Verdict struct {
	Banned bool   `json:"banned"`
	Reason string `json:"reason,omitempty"`
}

// Ban records a permanently banned IP
type Ban struct {
	IP       string    `json:"ip"`
	Reason   string    `json:"reason"`
	KeyCount int       `json:"key_count"`
	BannedAt time.Time `json:"banned_at"`
}

// Suspicion counts fan-out events for an IP within a rolling window
type Suspicion struct {
	Count     int
	FirstSeen time.Time
}

// Store holds correlation state. GetBan returns nil when the IP is not
// banned. IncrementSuspicion restarts the counter when the window since
// FirstSeen has passed.
type Store interface {
	GetBan(ctx context.Context, ip string) (*Ban, error)
	AddKey(ctx context.Context, ip, apiKey string) (int, error)
	SaveBan(ctx context.Context, ban Ban) error
	IncrementSuspicion(ctx context.Context, ip string, now time.Time, window time.Duration) (Suspicion, error)
	ListBans(ctx context.Context) ([]Ban, error)
	Clear(ctx context.Context, ip string) error
}

// Config holds correlator thresholds
type Config struct {
	MaxKeysPerIP        int
	SuspiciousKeyCount  int
	EscalationThreshold int
	SuspicionWindow     time.Duration
}

// DefaultConfig returns the standard thresholds: ban above 3 keys, count
// suspicion from 2 keys, escalate above 5 events per 24h
func DefaultConfig() Config {
	return Config{
		MaxKeysPerIP:        3,
		SuspiciousKeyCount:  2,
		EscalationThreshold: 5,
		SuspicionWindow:     24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxKeysPerIP <= 0 {
		c.MaxKeysPerIP = d.MaxKeysPerIP
	}
	if c.SuspiciousKeyCount <= 0 {
		c.SuspiciousKeyCount = d.SuspiciousKeyCount
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = d.EscalationThreshold
	}
	if c.SuspicionWindow <= 0 {
		c.SuspicionWindow = d.SuspicionWindow
	}
	return c
}

// Correlator detects one IP fanning out across many API keys. Bans are
// permanent until Unban; shared networks can trip it.
type Correlator struct {
	store  Store
	audit  audit.Sink
	logger *slog.Logger
	cfg    Config

	// Now is the clock used for bans and suspicion windows
	Now func() time.Time
}

// NewCorrelator creates a Correlator. Zero thresholds take DefaultConfig
// values.
func NewCorrelator(store Store, sink audit.Sink, logger *slog.Logger, cfg Config) *Correlator {
	return &Correlator{
		store:  store,
		audit:  sink,
		logger: logger,
		cfg:    cfg.withDefaults(),
		Now:    time.Now,
	}
}

// Check records apiKey against ip and decides whether the IP is banned
func (c *Correlator) Check(ctx context.Context, ip, apiKey string) (Verdict, error) {
	ip = strings.TrimSpace(ip)
	apiKey = strings.TrimSpace(apiKey)
	if ip == "" {
		return Verdict{}, ErrMissingIP
	}

	ban, err := c.store.GetBan(ctx, ip)
	if err != nil {
		return Verdict{}, fmt.Errorf("abuse store: %w", err)
	}
	if ban != nil {
		metrics.AbuseEventsTotal.WithLabelValues("rejected").Inc()
		return Verdict{Banned: true, Reason: ReasonBanned}, nil
	}

	if apiKey == "" {
		return Verdict{}, nil
	}

	size, err := c.store.AddKey(ctx, ip, apiKey)
	if err != nil {
		return Verdict{}, fmt.Errorf("abuse store: %w", err)
	}

	now := c.Now().UTC()

	if size > c.cfg.MaxKeysPerIP {
		ban := Ban{IP: ip, Reason: ReasonMultiAccount, KeyCount: size, BannedAt: now}
		if err := c.store.SaveBan(ctx, ban); err != nil {
			return Verdict{}, fmt.Errorf("abuse store: %w", err)
		}

		metrics.AbuseEventsTotal.WithLabelValues("banned").Inc()
		c.logger.Warn("IP permanently banned for multi-account abuse",
			slog.String("ip", ip),
			slog.Int("distinct_keys", size),
		)
		c.record(ctx, audit.Event{
			Kind:    audit.KindIPBanned,
			Subject: ip,
			Detail:  map[string]any{"reason": ReasonMultiAccount, "distinct_keys": size},
			At:      now,
		})

		return Verdict{Banned: true, Reason: ReasonMultiAccount}, nil
	}

	if size >= c.cfg.SuspiciousKeyCount {
		s, err := c.store.IncrementSuspicion(ctx, ip, now, c.cfg.SuspicionWindow)
		if err != nil {
			return Verdict{}, fmt.Errorf("abuse store: %w", err)
		}
		metrics.AbuseEventsTotal.WithLabelValues("suspicious").Inc()

		if s.Count > c.cfg.EscalationThreshold {
			c.logger.Warn("Suspicious key fan-out escalated",
				slog.String("ip", ip),
				slog.Int("events", s.Count),
				slog.Time("first_seen", s.FirstSeen),
				slog.Int("distinct_keys", size),
			)
			// one audit entry per window; the log line repeats
			if s.Count == c.cfg.EscalationThreshold+1 {
				metrics.AbuseEventsTotal.WithLabelValues("escalated").Inc()
				c.record(ctx, audit.Event{
					Kind:    audit.KindAbuseEscalated,
					Subject: ip,
					Detail:  map[string]any{"events": s.Count, "distinct_keys": size, "first_seen": s.FirstSeen},
					At:      now,
				})
			}
		}
	}

	return Verdict{}, nil
}

// ListBannedIPs returns every active ban
func (c *Correlator) ListBannedIPs(ctx context.Context) ([]Ban, error) {
	bans, err := c.store.ListBans(ctx)
	if err != nil {
		return nil, fmt.Errorf("abuse store: %w", err)
	}
	return bans, nil
}

// Unban clears the ban, the key set and the suspicion counter of ip
func (c *Correlator) Unban(ctx context.Context, ip string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ErrMissingIP
	}

	if err := c.store.Clear(ctx, ip); err != nil {
		return fmt.Errorf("abuse store: %w", err)
	}

	metrics.AbuseEventsTotal.WithLabelValues("unbanned").Inc()
	c.logger.Warn("IP unbanned", slog.String("ip", ip))
	c.record(ctx, audit.Event{Kind: audit.KindIPUnbanned, Subject: ip, At: c.Now().UTC()})
	return nil
}

func (c *Correlator) record(ctx context.Context, event audit.Event) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, event); err != nil {
		c.logger.Error("Failed to record security event",
			slog.String("kind", event.Kind),
			slog.String("error", err.Error()),
		)
	}
}
