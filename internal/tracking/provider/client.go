package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
	"github.com/cuongbtq/ongkir-resilience/internal/tracking"
	"golang.org/x/time/rate"
)

// Config holds tracking provider client configuration
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RequestsPerS float64
	Burst        int
}

// Client calls the external tracking provider. Every call is bounded by the
// client timeout and throttled by a token bucket shared by all callers.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a provider client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerS > 0 {
		limit = rate.Limit(cfg.RequestsPerS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

type errorBody struct {
	Message string `json:"message"`
}

// Fetch implements tracking.Provider
func (c *Client) Fetch(ctx context.Context, key tracking.Key) (*tracking.ProviderResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &tracking.ProviderError{Transient: true, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	q := url.Values{}
	q.Set("courier", key.Courier)
	q.Set("waybill", key.Waybill)
	endpoint := c.baseURL + "/v1/waybill?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &tracking.ProviderError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("key", c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues("network_error").Observe(time.Since(started).Seconds())
		return nil, &tracking.ProviderError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues("network_error").Observe(time.Since(started).Seconds())
		return nil, &tracking.ProviderError{Transient: true, Err: fmt.Errorf("read body: %w", err)}
	}
	metrics.ProviderRequestDuration.WithLabelValues(outcome(resp.StatusCode)).Observe(time.Since(started).Seconds())

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		msg := eb.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}

		c.logger.Warn("Tracking provider returned an error",
			slog.String("key", key.String()),
			slog.Int("status", resp.StatusCode),
			slog.String("message", msg),
		)

		return nil, &tracking.ProviderError{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:        errors.New(msg),
		}
	}

	var out tracking.ProviderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &tracking.ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.StatusCode == "" {
		return nil, &tracking.ProviderError{StatusCode: resp.StatusCode, Err: errors.New("response has no status_code")}
	}

	return &out, nil
}

func outcome(status int) string {
	switch {
	case status == http.StatusOK:
		return "success"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}
