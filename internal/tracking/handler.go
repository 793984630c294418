package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
)

// JobTypeRefresh pre-warms the cache for one key in the background
const JobTypeRefresh = "tracking.refresh"

// RefreshPayload is the payload of a tracking.refresh job
type RefreshPayload struct {
	Waybill string `json:"waybill"`
	Courier string `json:"courier"`
}

// RefreshHandler resolves the job's key through the cache. Invalid keys and
// non-transient provider errors are permanent.
func RefreshHandler(cache *Cache) func(ctx context.Context, job *domain.Job) error {
	return func(ctx context.Context, job *domain.Job) error {
		var p RefreshPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}

		_, err := cache.ResolveTracking(ctx, p.Waybill, p.Courier)
		if err == nil {
			return nil
		}

		var pe *ProviderError
		if errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrNoProvider) || (errors.As(err, &pe) && !pe.Transient) {
			return domain.NewPermanentError(err)
		}
		return err
	}
}
