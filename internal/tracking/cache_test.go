package tracking_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/tracking"
	"github.com/cuongbtq/ongkir-resilience/internal/tracking/mocks"
	"github.com/cuongbtq/ongkir-resilience/internal/tracking/storage"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	"github.com/cuongbtq/ongkir-resilience/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testKey = tracking.Key{Waybill: "JNE0012345678", Courier: "jne"}
)

func clock() time.Time { return testNow }

func seed(t *testing.T, s tracking.Store, status string, terminal bool, updated time.Time) {
	t.Helper()
	require.NoError(t, s.Upsert(context.Background(), &tracking.Entry{
		Waybill:       testKey.Waybill,
		Courier:       testKey.Courier,
		StatusCode:    status,
		Terminal:      terminal,
		RawPayload:    json.RawMessage(`{}`),
		LastUpdatedAt: updated,
	}))
}

func TestCache_Resolve(t *testing.T) {
	testCases := []struct {
		name           string
		seedStatus     string
		seedTerminal   bool
		seedAge        time.Duration
		noSeed         bool
		providerResp   *tracking.ProviderResponse
		providerErr    error
		expectFetch    bool
		expectSource   string
		expectStatus   string
		expectTerminal bool
		expectErr      bool
	}{
		{
			name:           "terminal entry is never refetched",
			seedStatus:     "DELIVERED",
			seedTerminal:   true,
			seedAge:        30 * 24 * time.Hour,
			expectSource:   tracking.SourceCache,
			expectStatus:   "DELIVERED",
			expectTerminal: true,
		},
		{
			name:         "fresh entry is served from cache",
			seedStatus:   "IN_TRANSIT",
			seedAge:      4*time.Hour - time.Second,
			expectSource: tracking.SourceCache,
			expectStatus: "IN_TRANSIT",
		},
		{
			name:         "entry at the window edge is stale",
			seedStatus:   "IN_TRANSIT",
			seedAge:      4 * time.Hour,
			providerResp: &tracking.ProviderResponse{StatusCode: "ON_DELIVERY"},
			expectFetch:  true,
			expectSource: tracking.SourceProvider,
			expectStatus: "ON_DELIVERY",
		},
		{
			name:           "miss fetches and derives terminal from status",
			noSeed:         true,
			providerResp:   &tracking.ProviderResponse{StatusCode: "delivered"},
			expectFetch:    true,
			expectSource:   tracking.SourceProvider,
			expectStatus:   "DELIVERED",
			expectTerminal: true,
		},
		{
			name:           "provider terminal flag wins",
			noSeed:         true,
			providerResp:   &tracking.ProviderResponse{StatusCode: "LOST", Terminal: true},
			expectFetch:    true,
			expectSource:   tracking.SourceProvider,
			expectStatus:   "LOST",
			expectTerminal: true,
		},
		{
			name:        "fetch failure is propagated without stale fallback",
			seedStatus:  "IN_TRANSIT",
			seedAge:     5 * time.Hour,
			providerErr: &tracking.ProviderError{StatusCode: http.StatusBadGateway, Transient: true, Err: errors.New("down")},
			expectFetch: true,
			expectErr:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			provider := mocks.NewMockProvider(ctrl)
			store := storage.NewMemoryStorage()

			if !tc.noSeed {
				seed(t, store, tc.seedStatus, tc.seedTerminal, testNow.Add(-tc.seedAge))
			}
			if tc.expectFetch {
				provider.EXPECT().Fetch(gomock.Any(), testKey).Return(tc.providerResp, tc.providerErr).Times(1)
			} else {
				provider.EXPECT().Fetch(gomock.Any(), gomock.Any()).Times(0)
			}

			cache := tracking.NewCache(store, provider, logger.NewNop(), tracking.WithClock(clock))
			res, err := cache.ResolveTracking(context.Background(), " jne0012345678 ", "JNE")

			if tc.expectErr {
				require.Error(t, err)
				assert.Nil(t, res)
				stored, _, lookupErr := cache.Lookup(context.Background(), testKey)
				require.NoError(t, lookupErr)
				assert.Equal(t, tc.seedStatus, stored.StatusCode)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expectSource, res.Source)
			assert.Equal(t, tc.expectStatus, res.Entry.StatusCode)
			assert.Equal(t, tc.expectTerminal, res.Entry.Terminal)

			if tc.expectFetch {
				assert.True(t, res.Entry.LastUpdatedAt.Equal(testNow))
				stored, found, err := cache.Lookup(context.Background(), testKey)
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, tc.expectStatus, stored.StatusCode)
			}
		})
	}
}

func TestCache_TerminalAfterRefreshStopsFetching(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Fetch(gomock.Any(), testKey).
		Return(&tracking.ProviderResponse{StatusCode: "RETURNED"}, nil).Times(1)

	now := testNow
	cache := tracking.NewCache(storage.NewMemoryStorage(), provider, logger.NewNop(),
		tracking.WithClock(func() time.Time { return now }))

	_, err := cache.Resolve(context.Background(), testKey, provider.Fetch)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		now = now.Add(48 * time.Hour)
		res, err := cache.Resolve(context.Background(), testKey, provider.Fetch)
		require.NoError(t, err)
		assert.Equal(t, tracking.SourceCache, res.Source)
	}
}

func TestCache_InvalidKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Fetch(gomock.Any(), gomock.Any()).Times(0)

	cache := tracking.NewCache(storage.NewMemoryStorage(), provider, logger.NewNop())

	tests := []struct{ waybill, courier string }{
		{"", "jne"},
		{"JNE0012345678", ""},
		{"ABC", "jne"},
		{"JNE-001/2345", "jne"},
		{"JNE0012345678", "j n e"},
	}
	for _, tt := range tests {
		_, err := cache.ResolveTracking(context.Background(), tt.waybill, tt.courier)
		assert.ErrorIs(t, err, tracking.ErrInvalidKey, "%q/%q", tt.courier, tt.waybill)
	}
}

func TestCache_StoreFailures(t *testing.T) {
	t.Run("read failure does not call the provider", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		provider := mocks.NewMockProvider(ctrl)

		store.EXPECT().Get(gomock.Any(), testKey).Return(nil, errors.New("connection refused"))
		provider.EXPECT().Fetch(gomock.Any(), gomock.Any()).Times(0)

		cache := tracking.NewCache(store, provider, logger.NewNop())
		_, err := cache.Resolve(context.Background(), testKey, provider.Fetch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read tracking cache")
	})

	t.Run("write failure is returned", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		provider := mocks.NewMockProvider(ctrl)

		store.EXPECT().Get(gomock.Any(), testKey).Return(nil, tracking.ErrEntryNotFound)
		provider.EXPECT().Fetch(gomock.Any(), testKey).Return(&tracking.ProviderResponse{StatusCode: "IN_TRANSIT"}, nil)
		store.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

		cache := tracking.NewCache(store, provider, logger.NewNop())
		_, err := cache.Resolve(context.Background(), testKey, provider.Fetch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to store tracking entry")
	})
}

func TestCache_InflightDedup(t *testing.T) {
	store := storage.NewMemoryStorage()
	cache := tracking.NewCache(store, nil, logger.NewNop(), tracking.WithInflightDedup())

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, key tracking.Key) (*tracking.ProviderResponse, error) {
		calls.Add(1)
		<-release
		return &tracking.ProviderResponse{StatusCode: "IN_TRANSIT"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*tracking.Resolution, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := cache.Resolve(context.Background(), testKey, fetch)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, "IN_TRANSIT", res.Entry.StatusCode)
	}
}

func TestCache_InflightDedup_LeaderCancelDoesNotFailFollowers(t *testing.T) {
	store := storage.NewMemoryStorage()
	cache := tracking.NewCache(store, nil, logger.NewNop(), tracking.WithInflightDedup())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context, key tracking.Key) (*tracking.ProviderResponse, error) {
		calls.Add(1)
		close(started)
		select {
		case <-release:
			return &tracking.ProviderResponse{StatusCode: "IN_TRANSIT"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(leaderCtx, testKey, fetch)
		leaderErr <- err
	}()
	<-started

	followerRes := make(chan *tracking.Resolution, 1)
	followerErr := make(chan error, 1)
	go func() {
		res, err := cache.Resolve(context.Background(), testKey, fetch)
		followerRes <- res
		followerErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	require.NoError(t, <-followerErr)
	res := <-followerRes
	require.NotNil(t, res)
	assert.Equal(t, "IN_TRANSIT", res.Entry.StatusCode)
	assert.Equal(t, int32(1), calls.Load())

	entry, found, err := cache.Lookup(context.Background(), testKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "IN_TRANSIT", entry.StatusCode)
}

func TestCache_ResolveTrackingWithoutProvider(t *testing.T) {
	cache := tracking.NewCache(storage.NewMemoryStorage(), nil, logger.NewNop())
	_, err := cache.ResolveTracking(context.Background(), testKey.Waybill, testKey.Courier)
	assert.ErrorIs(t, err, tracking.ErrNoProvider)
}

func TestRefreshHandler(t *testing.T) {
	testCases := []struct {
		name            string
		payload         string
		providerErr     error
		expectFetch     bool
		expectErr       bool
		expectPermanent bool
	}{
		{
			name:        "refreshes the key",
			payload:     `{"waybill":"JNE0012345678","courier":"jne"}`,
			expectFetch: true,
		},
		{
			name:            "malformed payload",
			payload:         `[1,2]`,
			expectErr:       true,
			expectPermanent: true,
		},
		{
			name:            "invalid key",
			payload:         `{"waybill":"x","courier":"jne"}`,
			expectErr:       true,
			expectPermanent: true,
		},
		{
			name:        "transient provider error is retried",
			payload:     `{"waybill":"JNE0012345678","courier":"jne"}`,
			providerErr: &tracking.ProviderError{StatusCode: 503, Transient: true, Err: errors.New("busy")},
			expectFetch: true,
			expectErr:   true,
		},
		{
			name:            "unknown waybill is permanent",
			payload:         `{"waybill":"JNE0012345678","courier":"jne"}`,
			providerErr:     &tracking.ProviderError{StatusCode: 404, Err: errors.New("not found")},
			expectFetch:     true,
			expectErr:       true,
			expectPermanent: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			provider := mocks.NewMockProvider(ctrl)
			if tc.expectFetch {
				var resp *tracking.ProviderResponse
				if tc.providerErr == nil {
					resp = &tracking.ProviderResponse{StatusCode: "IN_TRANSIT"}
				}
				provider.EXPECT().Fetch(gomock.Any(), testKey).Return(resp, tc.providerErr)
			}

			cache := tracking.NewCache(storage.NewMemoryStorage(), provider, logger.NewNop())
			handler := tracking.RefreshHandler(cache)

			err := handler(context.Background(), &domain.Job{
				ID:      "job-1",
				Type:    tracking.JobTypeRefresh,
				Payload: json.RawMessage(tc.payload),
			})

			if !tc.expectErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.expectPermanent, domain.IsPermanent(err))
		})
	}
}
