package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/tracking"
	"github.com/cuongbtq/ongkir-resilience/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = tracking.Key{Waybill: "JNE0012345678", Courier: "jne"}

func TestClient_Fetch(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       bool
		wantTransient bool
		wantStatus    string
	}{
		{
			name:       "success",
			status:     http.StatusOK,
			body:       `{"status_code":"IN_TRANSIT","terminal":false,"history":[{"status":"PICKED_UP","at":"2026-03-01T09:00:00Z"}]}`,
			wantStatus: "IN_TRANSIT",
		},
		{
			name:          "server error is transient",
			status:        http.StatusBadGateway,
			body:          `{"message":"upstream down"}`,
			wantErr:       true,
			wantTransient: true,
		},
		{
			name:          "throttled is transient",
			status:        http.StatusTooManyRequests,
			wantErr:       true,
			wantTransient: true,
		},
		{
			name:    "not found is permanent",
			status:  http.StatusNotFound,
			body:    `{"message":"waybill not found"}`,
			wantErr: true,
		},
		{
			name:    "malformed body is permanent",
			status:  http.StatusOK,
			body:    `{"status_code":`,
			wantErr: true,
		},
		{
			name:    "missing status code",
			status:  http.StatusOK,
			body:    `{"terminal":true}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/waybill", r.URL.Path)
				assert.Equal(t, "jne", r.URL.Query().Get("courier"))
				assert.Equal(t, "JNE0012345678", r.URL.Query().Get("waybill"))
				assert.Equal(t, "secret", r.Header.Get("key"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret"}, logger.NewNop())
			resp, err := c.Fetch(context.Background(), testKey)

			if tt.wantErr {
				require.Error(t, err)
				var pe *tracking.ProviderError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, tt.wantTransient, tracking.IsTransient(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			require.Len(t, resp.History, 1)
			assert.Equal(t, "PICKED_UP", resp.History[0].Status)
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, logger.NewNop())
	_, err := c.Fetch(context.Background(), testKey)

	require.Error(t, err)
	assert.True(t, tracking.IsTransient(err))
}

func TestClient_RateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status_code":"IN_TRANSIT"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RequestsPerS: 0.001, Burst: 1}, logger.NewNop())

	_, err := c.Fetch(context.Background(), testKey)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Fetch(ctx, testKey)
	require.Error(t, err)
	assert.True(t, tracking.IsTransient(err))
}
